package permission

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nexusd/nexus/internal/atomicfile"
	"github.com/nexusd/nexus/internal/hostlog"
)

var (
	errNotActive   = errors.New("permission: grant is not active")
	errNoScopeGate = errors.New("permission: grant has no scope gate")
)

// grantKey uniquely identifies a grant row.
type grantKey struct {
	pluginID string
	permKey  string
}

// Service is the PermissionService: an in-memory grant table backed by an
// atomically-written JSON file, guarded by a single read-write lock so
// readers may run concurrently while mutations are serialized.
type Service struct {
	mu       sync.RWMutex
	path     string
	grants   map[grantKey]*Grant
	nowFunc  func() time.Time
}

// NewService loads (or initializes) the permission table from dataDir/permissions.json.
func NewService(dataDir string) (*Service, error) {
	s := &Service{
		path:    filepath.Join(dataDir, "permissions.json"),
		grants:  make(map[grantKey]*Grant),
		nowFunc: time.Now,
	}
	var rows []Grant
	if err := atomicfile.ReadJSON(s.path, &rows); err != nil {
		if !isNotExist(err) {
			return nil, err
		}
		return s, nil
	}
	for i := range rows {
		g := rows[i]
		perm, err := Parse(g.PermissionKey)
		if err != nil {
			hostlog.Warnf("dropping unparseable permission grant %q for plugin %s: %v", g.PermissionKey, g.PluginID, err)
			continue
		}
		g.Permission = perm
		s.grants[grantKey{g.PluginID, g.PermissionKey}] = &g
	}
	return s, nil
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}

func (s *Service) saveLocked() error {
	rows := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		rows = append(rows, *g)
	}
	return atomicfile.WriteJSON(s.path, rows)
}

func (s *Service) upsert(plugin string, perm Permission, state State, scopes *[]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{plugin, perm.String()}
	g, ok := s.grants[key]
	if !ok {
		g = &Grant{
			PluginID:      plugin,
			Permission:    perm,
			PermissionKey: perm.String(),
			GrantedAt:     s.nowFunc().Unix(),
		}
		s.grants[key] = g
	}
	g.State = state
	g.ApprovedScopes = scopes
	if state != Revoked {
		g.RevokedAt = nil
	}
	return s.saveLocked()
}

// Grant upserts an Active grant.
func (s *Service) Grant(plugin string, perm Permission, scopes *[]string) error {
	return s.upsert(plugin, perm, Active, scopes)
}

// Defer upserts a Deferred grant.
func (s *Service) Defer(plugin string, perm Permission, scopes *[]string) error {
	return s.upsert(plugin, perm, Deferred, scopes)
}

// Revoke transitions a grant to Revoked, preserving the row for audit.
func (s *Service) Revoke(plugin string, perm Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{plugin, perm.String()}
	g, ok := s.grants[key]
	if !ok {
		// Nothing to revoke; record a tombstone so later queries behave consistently.
		now := s.nowFunc().Unix()
		g = &Grant{PluginID: plugin, Permission: perm, PermissionKey: perm.String(), GrantedAt: now}
		s.grants[key] = g
	}
	g.State = Revoked
	revokedAt := s.nowFunc().Unix()
	g.RevokedAt = &revokedAt
	return s.saveLocked()
}

// Activate transitions Deferred -> Active. No-op (but not an error) if the
// grant is already Active or doesn't exist in Deferred state.
func (s *Service) Activate(plugin string, perm Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{plugin, perm.String()}
	g, ok := s.grants[key]
	if !ok || g.State != Deferred {
		return nil
	}
	g.State = Active
	return s.saveLocked()
}

// AddApprovedScope appends scope to the grant's approved-scope set,
// deduplicated. Rejects if the grant isn't Active or has no scope gate
// (ApprovedScopes == nil).
func (s *Service) AddApprovedScope(plugin string, perm Permission, scope string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := grantKey{plugin, perm.String()}
	g, ok := s.grants[key]
	if !ok || g.State != Active {
		return errNotActive
	}
	if g.ApprovedScopes == nil {
		return errNoScopeGate
	}
	for _, existing := range *g.ApprovedScopes {
		if existing == scope {
			return nil
		}
	}
	updated := append(*g.ApprovedScopes, scope)
	g.ApprovedScopes = &updated
	return s.saveLocked()
}

// GetState returns the grant's state, or ok=false if no grant exists.
func (s *Service) GetState(plugin string, perm Permission) (state State, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, found := s.grants[grantKey{plugin, perm.String()}]
	if !found {
		return "", false
	}
	return g.State, true
}

// HasPermission is a convenience wrapper: true iff the grant is Active.
func (s *Service) HasPermission(plugin string, perm Permission) bool {
	state, ok := s.GetState(plugin, perm)
	return ok && state == Active
}

// GetApprovedScopes mirrors the stored scope list for a grant.
func (s *Service) GetApprovedScopes(plugin string, perm Permission) (*[]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey{plugin, perm.String()}]
	if !ok {
		return nil, false
	}
	return g.ApprovedScopes, true
}

// GetGrants returns every grant recorded for plugin, in no particular order,
// for authorization-detail construction.
func (s *Service) GetGrants(plugin string) []GrantedPermission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []GrantedPermission
	for _, g := range s.grants {
		if g.PluginID != plugin {
			continue
		}
		out = append(out, GrantedPermission{
			Permission:     g.Permission,
			State:          g.State,
			ApprovedScopes: g.ApprovedScopes,
		})
	}
	return out
}

// RevokeAll transitions every grant for plugin to Revoked. Called on uninstall.
func (s *Service) RevokeAll(plugin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc().Unix()
	changed := false
	for _, g := range s.grants {
		if g.PluginID != plugin || g.State == Revoked {
			continue
		}
		g.State = Revoked
		g.RevokedAt = &now
		changed = true
	}
	if !changed {
		return nil
	}
	return s.saveLocked()
}
