package model

import (
	"context"
	"slices"
)

// RequestContext is the caller of one action: the verified session
// subject plus request-scoped tracing fields. An empty SubjectID marks an
// anonymous caller. Treat it as read-only once attached to a context.
type RequestContext struct {
	SubjectID     string
	Email         string
	Roles         []string
	Claims        map[string]any
	CorrelationID string
	TraceID       string
	Locale        string
}

func (rc *RequestContext) HasRole(role string) bool {
	return rc != nil && slices.Contains(rc.Roles, role)
}

// Claim returns a session claim, or nil when absent.
func (rc *RequestContext) Claim(key string) any {
	if rc == nil {
		return nil
	}
	return rc.Claims[key]
}

// User returns the acting user, or nil for an anonymous caller.
func (rc *RequestContext) User() *User {
	if rc == nil || rc.SubjectID == "" {
		return nil
	}
	return &User{ID: rc.SubjectID, Email: rc.Email, Roles: rc.Roles}
}

type requestContextKey struct{}

func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
