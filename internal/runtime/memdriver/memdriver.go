// Package memdriver is an in-memory RuntimeDriver recorder used by
// PluginSupervisor and HealthReconciler tests to assert call order and
// simulate runtime state without a real container engine.
package memdriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexusd/nexus/internal/runtime"
)

// Call is one recorded invocation, e.g. {"create_container", "nexus-x"}.
type Call struct {
	Name string
	Arg  string
}

type container struct {
	info  runtime.ContainerInfo
	image string
}

// Driver is the recording in-memory RuntimeDriver.
type Driver struct {
	mu sync.Mutex

	Calls []Call

	images     map[string]bool
	digests    map[string]string
	containers map[string]*container
	volumes    map[string]bool
	networks   map[string]bool
	nextID     int

	// ReadyErr, when set, is returned by WaitForReady for every call.
	ReadyErr error
}

// New constructs an empty recorder.
func New() *Driver {
	return &Driver{
		images:     make(map[string]bool),
		digests:    make(map[string]string),
		containers: make(map[string]*container),
		volumes:    make(map[string]bool),
		networks:   make(map[string]bool),
	}
}

func (d *Driver) record(name, arg string) {
	d.Calls = append(d.Calls, Call{Name: name, Arg: arg})
}

// SeedImage marks ref as already present with the given digest (empty for none).
func (d *Driver) SeedImage(ref, digest string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.images[ref] = true
	d.digests[ref] = digest
}

// SetContainerState lets tests simulate an out-of-band runtime change
// (scenario S8: external container stop).
func (d *Driver) SetContainerState(id string, state runtime.ContainerState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.containers[id]; ok {
		c.info.State = state
	}
}

// RemoveContainerOutOfBand simulates the container vanishing entirely
// without going through RemoveContainer.
func (d *Driver) RemoveContainerOutOfBand(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.containers, id)
}

func (d *Driver) EnsureNetwork(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("ensure_network", name)
	d.networks[name] = true
	return nil
}

func (d *Driver) ImageExists(ctx context.Context, ref string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("image_exists", ref)
	return d.images[ref], nil
}

func (d *Driver) PullImage(ctx context.Context, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("pull_image", ref)
	d.images[ref] = true
	return nil
}

func (d *Driver) ImageDigest(ctx context.Context, ref string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("image_digest", ref)
	return d.digests[ref], nil
}

func (d *Driver) BuildImage(ctx context.Context, contextDir, tag string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("build_image", tag)
	d.images[tag] = true
	return nil
}

func (d *Driver) CreateContainer(ctx context.Context, cfg runtime.ContainerConfig) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("create_container", cfg.Name)
	d.nextID++
	id := fmt.Sprintf("container-%d", d.nextID)
	d.containers[id] = &container{
		info: runtime.ContainerInfo{
			ID: id, Name: cfg.Name, Image: cfg.Image, State: runtime.StateStopped, Labels: cfg.Labels,
		},
		image: cfg.Image,
	}
	if cfg.DataVolume != "" {
		d.volumes[cfg.DataVolume] = true
	}
	return id, nil
}

func (d *Driver) StartContainer(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("start_container", id)
	c, ok := d.containers[id]
	if !ok {
		return fmt.Errorf("not found: %s", id)
	}
	c.info.State = runtime.StateRunning
	return nil
}

func (d *Driver) StopContainer(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("stop_container", id)
	c, ok := d.containers[id]
	if !ok {
		return fmt.Errorf("not found: %s", id)
	}
	c.info.State = runtime.StateStopped
	return nil
}

func (d *Driver) RemoveContainer(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("remove_container", id)
	if _, ok := d.containers[id]; !ok {
		return fmt.Errorf("not found: %s", id)
	}
	delete(d.containers, id)
	return nil
}

func (d *Driver) Inspect(ctx context.Context, id string) (runtime.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.containers[id]
	if !ok {
		return runtime.ContainerInfo{}, fmt.Errorf("not found: %s", id)
	}
	return c.info, nil
}

func (d *Driver) List(ctx context.Context, labelFilter map[string]string) ([]runtime.ContainerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []runtime.ContainerInfo
	for _, c := range d.containers {
		match := true
		for k, v := range labelFilter {
			if c.info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, c.info)
		}
	}
	return out, nil
}

func (d *Driver) Logs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}

func (d *Driver) ContainerStats(ctx context.Context, id string) (runtime.Stats, error) {
	return runtime.Stats{}, nil
}

func (d *Driver) RemoveImage(ctx context.Context, ref string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("remove_image", ref)
	delete(d.images, ref)
	return nil
}

func (d *Driver) RemoveVolume(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("remove_volume", name)
	delete(d.volumes, name)
	return nil
}

func (d *Driver) RemoveNetwork(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("remove_network", name)
	delete(d.networks, name)
	return nil
}

func (d *Driver) WaitForReady(ctx context.Context, hostPort int, path string, deadline time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("wait_for_ready", fmt.Sprintf("%d%s", hostPort, path))
	return d.ReadyErr
}

func (d *Driver) HostGatewayHostname() string { return "host.nexus.internal" }

// HasVolume reports whether a named volume is currently tracked as present.
func (d *Driver) HasVolume(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volumes[name]
}

var _ runtime.Driver = (*Driver)(nil)
