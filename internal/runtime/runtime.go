// Package runtime defines the RuntimeDriver interface the rest of the host
// consumes instead of talking to a container engine directly, plus the
// value types that cross that boundary.
package runtime

import (
	"context"
	"time"
)

// SecurityConfig is the container security profile. Capabilities are
// dropped by default; AllowCapabilities is an explicit allow-list on top of
// that default-deny posture.
type SecurityConfig struct {
	NoNewPrivileges   bool
	AllowCapabilities []string
}

// DefaultSecurityConfig is the drop-all-by-default, no-new-privileges profile.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{NoNewPrivileges: true}
}

// ResourceLimits bounds a container's CPU and memory.
type ResourceLimits struct {
	NanoCPUs  int64
	MemoryBytes int64
}

// ContainerConfig is the full parameter set for creating a plugin container.
type ContainerConfig struct {
	Name          string
	Image         string
	HostPort      int
	ContainerPort int
	EnvVars       []string
	Labels        map[string]string
	Limits        ResourceLimits
	DataVolume    string
	Network       string
	Security      SecurityConfig
}

// ContainerState is the driver's normalized view of a container's runtime status.
type ContainerState string

const (
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StateUnknown ContainerState = "unknown"
)

// ContainerInfo is the result of Inspect/List.
type ContainerInfo struct {
	ID     string
	Name   string
	Image  string
	State  ContainerState
	Labels map[string]string
}

// Stats is a single point-in-time resource usage sample.
type Stats struct {
	CPUPercent    float64
	MemoryBytes   int64
	MemoryLimit   int64
	NetworkRxBytes int64
	NetworkTxBytes int64
}

// Driver is the RuntimeDriver interface: the abstract container engine every
// supervisory component depends on. Implementations must be safe for
// concurrent use.
type Driver interface {
	EnsureNetwork(ctx context.Context, name string) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	ImageDigest(ctx context.Context, ref string) (string, error)
	BuildImage(ctx context.Context, contextDir, tag string) error

	CreateContainer(ctx context.Context, cfg ContainerConfig) (containerID string, err error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	List(ctx context.Context, labelFilter map[string]string) ([]ContainerInfo, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	ContainerStats(ctx context.Context, id string) (Stats, error)

	RemoveImage(ctx context.Context, ref string) error
	RemoveVolume(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error

	// WaitForReady polls path on HostPort until it returns 2xx/3xx or
	// deadline elapses. A timeout is a soft failure: callers treat it as a
	// warning, not an install/start failure.
	WaitForReady(ctx context.Context, hostPort int, path string, deadline time.Duration) error

	// HostGatewayHostname is the DNS name a container uses to reach the
	// host API (e.g. "host.docker.internal" or a bridge-gateway IP).
	HostGatewayHostname() string
}
