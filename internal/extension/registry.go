package extension

import (
	"fmt"
	"sync"

	"github.com/nexusd/nexus/internal/nexuserr"
)

// Registry is the live, in-memory set of running extensions: name lookup
// and the capability surface any caller (IPC dispatch, the gateway) sees.
type Registry struct {
	mu   sync.RWMutex
	live map[string]*Process
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{live: make(map[string]*Process)}
}

// Register adds a running Process to the registry and sets the registry as
// its router so call_extension/list_extensions resolve through this same
// registry. It does not attach an event bus; Loader.Enable does that.
func (r *Registry) Register(proc *Process) {
	proc.SetRouter(r)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[proc.ID()] = proc
}

// Unregister removes id from the registry and stops its process, which
// drops all stdio handles and aborts subscription tasks.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	proc, ok := r.live[id]
	if ok {
		delete(r.live, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return proc.Stop()
}

// Get returns the live Process for id, if registered.
func (r *Registry) Get(id string) (*Process, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proc, ok := r.live[id]
	return proc, ok
}

// Call implements Router: it enforces "no direct cycles" (caller != callee)
// and delegates to the target extension's Execute.
func (r *Registry) Call(callerID, targetID, operation string, input any) (OperationResult, error) {
	if callerID == targetID {
		return OperationResult{}, fmt.Errorf("extension %q may not call itself", callerID)
	}
	r.mu.RLock()
	target, ok := r.live[targetID]
	r.mu.RUnlock()
	if !ok {
		return OperationResult{}, nexuserr.New(nexuserr.ExtensionNotFound, fmt.Sprintf("extension %q is not running", targetID))
	}
	return target.ExecuteAs(operation, input, "")
}

// ListExtensions implements Router: a snapshot of every live extension.
func (r *Registry) ListExtensions() []ExtensionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ExtensionInfo, 0, len(r.live))
	for _, proc := range r.live {
		ops := make([]string, 0, len(proc.Operations()))
		for _, op := range proc.Operations() {
			ops = append(ops, op.Name)
		}
		out = append(out, ExtensionInfo{
			ID:           proc.ID(),
			DisplayName:  proc.DisplayName(),
			Description:  proc.Description(),
			Operations:   ops,
			Capabilities: proc.Capabilities(),
		})
	}
	return out
}
