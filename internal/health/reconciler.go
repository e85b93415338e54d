// Package health implements the HealthReconciler: a periodic sweep that
// reconciles each installed plugin's stored Status against what the
// container runtime actually reports, since the runtime's state is always
// ground truth.
package health

import (
	"context"
	"time"

	"github.com/nexusd/nexus/internal/audit"
	"github.com/nexusd/nexus/internal/hostlog"
	"github.com/nexusd/nexus/internal/plugin"
	"github.com/nexusd/nexus/internal/runtime"
)

const pluginLabel = "nexus.plugin.id"

// VersionBumper is bumped whenever a reconciliation pass changes a plugin's
// status, so MCP tool-list-changed notifications fire for it. Satisfied by
// internal/mcpgateway's Gateway.
type VersionBumper interface {
	BumpToolListVersion()
}

type noopBumper struct{}

func (noopBumper) BumpToolListVersion() {}

// Reconciler is the HealthReconciler.
type Reconciler struct {
	driver  runtime.Driver
	storage *plugin.Storage
	audit   *audit.Sink
	bumper  VersionBumper
}

// New constructs a Reconciler. bumper may be nil (a no-op is used).
func New(driver runtime.Driver, storage *plugin.Storage, sink *audit.Sink, bumper VersionBumper) *Reconciler {
	if bumper == nil {
		bumper = noopBumper{}
	}
	return &Reconciler{driver: driver, storage: storage, audit: sink, bumper: bumper}
}

// Run blocks, reconciling every interval until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReconcileOnce(ctx)
		}
	}
}

// ReconcileOnce performs a single sweep.
func (r *Reconciler) ReconcileOnce(ctx context.Context) {
	containers, err := r.driver.List(ctx, nil)
	if err != nil {
		hostlog.Warnf("health reconciler: listing containers: %v", err)
		return
	}

	byPluginID := make(map[string]runtime.ContainerInfo, len(containers))
	for _, c := range containers {
		id, ok := c.Labels[pluginLabel]
		if !ok {
			continue
		}
		byPluginID[id] = c
	}

	for _, p := range r.storage.List() {
		r.reconcileOne(p, byPluginID)
	}
}

func (r *Reconciler) reconcileOne(p plugin.Plugin, live map[string]runtime.ContainerInfo) {
	id := p.Manifest.ID
	info, found := live[id]

	var next plugin.Status
	var changed bool

	switch p.Status {
	case plugin.StatusRunning:
		switch {
		case !found:
			next, changed = plugin.StatusError, true
		case info.State != runtime.StateRunning:
			next, changed = plugin.StatusStopped, true
		}
	case plugin.StatusStopped:
		if found && info.State == runtime.StateRunning {
			next, changed = plugin.StatusRunning, true
		}
	}

	if !changed {
		return
	}

	prev := p.Status
	err := r.storage.Mutate(id, func(mutable *plugin.Plugin) {
		mutable.Status = next
		if next == plugin.StatusError {
			mutable.ContainerID = ""
		}
	})
	if err != nil {
		hostlog.Warnf("health reconciler: updating plugin %q status: %v", id, err)
		return
	}

	r.bumper.BumpToolListVersion()
	r.auditTransition(id, prev, next)
}

func (r *Reconciler) auditTransition(pluginID string, from, to plugin.Status) {
	if r.audit == nil {
		return
	}
	subject := pluginID
	r.audit.Append(audit.Entry{
		Actor:    audit.ActorSystem,
		SourceID: &subject,
		Severity: audit.SeverityWarn,
		Action:   "health.reconcile",
		Subject:  &subject,
		Result:   audit.ResultSuccess,
		Details:  map[string]any{"from": string(from), "to": string(to)},
	})
}
