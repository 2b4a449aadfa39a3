package model

import (
	"context"
	"testing"
)

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"clerk", "auditor"}}
	if !rc.HasRole("clerk") {
		t.Error("HasRole(clerk) = false, want true")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}
	var anon *RequestContext
	if anon.HasRole("clerk") {
		t.Error("nil RequestContext has no roles")
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"tenant": "acme"}}
	if got := rc.Claim("tenant"); got != "acme" {
		t.Errorf("Claim(tenant) = %v, want acme", got)
	}
	if got := rc.Claim("missing"); got != nil {
		t.Errorf("Claim(missing) = %v, want nil", got)
	}
	if got := (&RequestContext{}).Claim("tenant"); got != nil {
		t.Errorf("Claim on nil claims = %v, want nil", got)
	}
	var anon *RequestContext
	if got := anon.Claim("tenant"); got != nil {
		t.Errorf("Claim on nil context = %v, want nil", got)
	}
}

func TestRequestContext_User(t *testing.T) {
	var nilCtx *RequestContext
	if nilCtx.User() != nil {
		t.Error("nil RequestContext should resolve no user")
	}
	if (&RequestContext{Email: "a@example.com"}).User() != nil {
		t.Error("a context without subject is anonymous")
	}

	u := (&RequestContext{SubjectID: "user-1", Email: "a@example.com", Roles: []string{"clerk"}}).User()
	if u == nil || u.ID != "user-1" || u.Email != "a@example.com" || len(u.Roles) != 1 {
		t.Errorf("User() = %+v", u)
	}
}

func TestRequestContextRoundTrip(t *testing.T) {
	rctx := &RequestContext{SubjectID: "user-1"}
	if got := RequestContextFrom(WithRequestContext(context.Background(), rctx)); got != rctx {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rctx)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}
