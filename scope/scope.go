// Package scope carries multi-tenant identity (org and scope IDs) through
// context.Context.
//
// Hosts attach a scope before enqueueing so jobs inherit the tenant, and
// the worker restores it before execution so handlers see the identity of
// the job they are processing.
package scope

import "context"

type ctxKey struct{}

// Scope identifies the tenant a piece of work belongs to. OrgID is the
// owning organization; ScopeID is the admission-gate key within it.
type Scope struct {
	OrgID   string
	ScopeID string
}

// With attaches a scope to the context.
func With(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// From extracts the scope from the context.
func From(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(ctxKey{}).(Scope)
	return s, ok
}

// Capture returns the org and scope identifiers from the context, or empty
// strings when no scope is present.
func Capture(ctx context.Context) (orgID, scopeID string) {
	s, ok := From(ctx)
	if !ok {
		return "", ""
	}
	return s.OrgID, s.ScopeID
}

// Restore attaches a scope built from the given identifiers. When both are
// empty the context is returned unchanged.
func Restore(ctx context.Context, orgID, scopeID string) context.Context {
	if orgID == "" && scopeID == "" {
		return ctx
	}
	return With(ctx, Scope{OrgID: orgID, ScopeID: scopeID})
}
