// Package gateway implements the AuthorizedApiGateway: the single
// authenticate/authorize/validate/execute pipeline every externally
// initiated operation (plugin host-API call, MCP tool call) runs through.
package gateway

import (
	"context"
	"fmt"

	"github.com/nexusd/nexus/internal/approval"
	"github.com/nexusd/nexus/internal/audit"
	"github.com/nexusd/nexus/internal/nexuserr"
	"github.com/nexusd/nexus/internal/oauthstore"
	"github.com/nexusd/nexus/internal/permission"
)

// Operation describes one gateway-guarded action: what permission it needs,
// what its input must look like, how risky it is, and whether its scope
// (if any) needs per-value approval.
type Operation struct {
	Name             string
	Permission       permission.Permission
	InputSchema      map[string]any
	Risk             RiskLevel
	ScopeKey         string
	RequiresApproval bool
}

// RiskLevel mirrors the extension manifest's risk tiers; only High triggers
// the gateway's own per-invocation approval step (step 5).
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Gateway is the AuthorizedApiGateway.
type Gateway struct {
	oauth       *oauthstore.Store
	permissions *permission.Service
	approvals   *approval.Bridge
	audit       *audit.Sink
	sessions    *sessionCache
	apiKey      string
	realm       string
	resourceURL string
}

// New constructs a Gateway, loading (or creating) the host's loopback API
// key from dataDir.
func New(dataDir string, oauth *oauthstore.Store, permissions *permission.Service, approvals *approval.Bridge, sink *audit.Sink, realm, resourceMetadataURL string) (*Gateway, error) {
	key, err := loadOrCreateAPIKey(dataDir)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		oauth:       oauth,
		permissions: permissions,
		approvals:   approvals,
		audit:       sink,
		sessions:    newSessionCache(),
		apiKey:      key,
		realm:       realm,
		resourceURL: resourceMetadataURL,
	}, nil
}

// Realm and ResourceMetadataURL are used by HTTP handlers building the
// WWW-Authenticate challenge via ChallengeHeader.
func (gw *Gateway) Realm() string               { return gw.realm }
func (gw *Gateway) ResourceMetadataURL() string { return gw.resourceURL }

// ScopeApprovalSource is implemented by the caller context that owns the
// value a scope-gated operation's input names under op.ScopeKey.
type ScopeApprovalSource func(input map[string]any) (scope string, ok bool)

// Authorize runs steps 2, 4 and 5 of the enforcement pipeline (permission,
// scope, risk) for op against auth; step 3 is the separate ValidateInput,
// which Authorize does not call. input is the already-decoded operation
// input, used only to extract the scope-key value. On success the caller
// may proceed to step 6 (Execute); every rejection is audited here, not by
// the caller.
func (gw *Gateway) Authorize(ctx context.Context, auth *AuthContext, op Operation, input map[string]any) error {
	if err := gw.checkPermission(ctx, auth, op); err != nil {
		gw.auditDenied(auth, op, err)
		return err
	}
	if err := gw.checkScope(ctx, auth, op, input); err != nil {
		gw.auditDenied(auth, op, err)
		return err
	}
	if err := gw.checkRisk(ctx, auth, op); err != nil {
		gw.auditDenied(auth, op, err)
		return err
	}
	return nil
}

// checkPermission is pipeline step 2.
func (gw *Gateway) checkPermission(ctx context.Context, auth *AuthContext, op Operation) error {
	if op.Permission == (permission.Permission{}) {
		return nil
	}
	if permission.DetailsSatisfy(auth.AuthorizationDetails, op.Permission) {
		return nil
	}

	state, ok := gw.permissions.GetState(auth.PluginID, op.Permission)
	if !ok {
		return nexuserr.Newf(nexuserr.PermissionDenied, "plugin %q has no grant for %s", auth.PluginID, op.Permission)
	}

	switch state {
	case permission.Active:
		return nil
	case permission.Deferred:
		decision, err := gw.approvals.RequestApproval(ctx, approval.Request{
			Kind:      approval.KindDeferredPermission,
			PluginID:  auth.PluginID,
			Operation: op.Name,
			Detail:    op.Permission.String(),
		})
		if err != nil {
			return err
		}
		switch decision {
		case approval.Approve:
			if err := gw.permissions.Activate(auth.PluginID, op.Permission); err != nil {
				return err
			}
			return nil
		case approval.ApproveOnce:
			return nil
		default:
			_ = gw.permissions.Revoke(auth.PluginID, op.Permission)
			return nexuserr.Newf(nexuserr.PermissionDenied, "deferred permission %s denied for plugin %q", op.Permission, auth.PluginID)
		}
	default: // Revoked
		return nexuserr.Newf(nexuserr.PermissionDenied, "permission %s is revoked for plugin %q", op.Permission, auth.PluginID)
	}
}

// checkScope is pipeline step 4.
func (gw *Gateway) checkScope(ctx context.Context, auth *AuthContext, op Operation, input map[string]any) error {
	if op.ScopeKey == "" {
		return nil
	}
	scopes, ok := gw.permissions.GetApprovedScopes(auth.PluginID, op.Permission)
	if !ok || scopes == nil {
		return nil
	}

	raw, present := input[op.ScopeKey]
	if !present {
		return nexuserr.Newf(nexuserr.PermissionDenied, "operation %q requires input field %q for its scope check", op.Name, op.ScopeKey)
	}
	value := fmt.Sprintf("%v", raw)

	for _, s := range *scopes {
		if s == value {
			return nil
		}
	}

	decision, err := gw.approvals.RequestApproval(ctx, approval.Request{
		Kind:      approval.KindScope,
		PluginID:  auth.PluginID,
		Operation: op.Name,
		Scope:     value,
	})
	if err != nil {
		return err
	}
	switch decision {
	case approval.Approve:
		return gw.permissions.AddApprovedScope(auth.PluginID, op.Permission, value)
	case approval.ApproveOnce:
		return nil
	default:
		return nexuserr.Newf(nexuserr.PermissionDenied, "scope %q denied for operation %q", value, op.Name)
	}
}

// checkRisk is pipeline step 5. High-risk operations always ask, and the
// decision is never persisted — every invocation pays the approval cost
// again.
func (gw *Gateway) checkRisk(ctx context.Context, auth *AuthContext, op Operation) error {
	if op.Risk != RiskHigh {
		return nil
	}
	decision, err := gw.approvals.RequestApproval(ctx, approval.Request{
		Kind:      approval.KindRisk,
		PluginID:  auth.PluginID,
		Operation: op.Name,
	})
	if err != nil {
		return err
	}
	if decision == approval.Deny {
		return nexuserr.Newf(nexuserr.ApprovalDenied, "high-risk operation %q denied", op.Name)
	}
	return nil
}

func (gw *Gateway) auditDenied(auth *AuthContext, op Operation, cause error) {
	if gw.audit == nil {
		return
	}
	subject := op.Name
	var sourceID *string
	if auth.PluginID != "" {
		sourceID = &auth.PluginID
	}
	detail := cause.Error()
	gw.audit.Append(audit.Entry{
		Actor:    audit.ActorPlugin,
		SourceID: sourceID,
		Severity: audit.SeverityWarn,
		Action:   op.Name,
		Subject:  &subject,
		Result:   audit.ResultFailure,
		Details:  map[string]any{"reason": detail},
	})
}
