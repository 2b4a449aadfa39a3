package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/stepflow/model"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec([]byte("test-secret"), "stepflow", time.Minute)
	if err != nil {
		t.Fatalf("NewCodec error: %v", err)
	}
	return c
}

func TestNewCodec_requiresSecret(t *testing.T) {
	if _, err := NewCodec(nil, "", 0); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := testCodec(t)
	user := &model.User{ID: "u-1", Email: "alice@example.com", Roles: []string{"clerk"}}

	token, err := c.Encode(user, map[string]any{"tenant": "acme", "sub": "spoofed"})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	rctx, err := c.Decode(token)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if rctx.SubjectID != "u-1" {
		t.Errorf("SubjectID = %q, want u-1 (extra claims cannot override sub)", rctx.SubjectID)
	}
	if rctx.Email != "alice@example.com" {
		t.Errorf("Email = %q", rctx.Email)
	}
	if !rctx.HasRole("clerk") {
		t.Errorf("Roles = %v, want clerk", rctx.Roles)
	}
	if rctx.Claim("tenant") != "acme" {
		t.Errorf("Claim(tenant) = %v, want acme", rctx.Claim("tenant"))
	}
}

func TestCodec_Encode_requiresUser(t *testing.T) {
	c := testCodec(t)
	if _, err := c.Encode(nil, nil); err == nil {
		t.Error("Encode(nil) should fail")
	}
	if _, err := c.Encode(&model.User{}, nil); err == nil {
		t.Error("Encode(empty id) should fail")
	}
}

func TestCodec_Decode_expired(t *testing.T) {
	c := testCodec(t)
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return issued }
	token, err := c.Encode(&model.User{ID: "u-1"}, nil)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	c.now = func() time.Time { return issued.Add(time.Hour) }
	_, err = c.Decode(token)
	assertUnauthorized(t, err, "Token expired")
}

func TestCodec_Decode_wrongSecret(t *testing.T) {
	token, err := testCodec(t).Encode(&model.User{ID: "u-1"}, nil)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	other, _ := NewCodec([]byte("other-secret"), "stepflow", time.Minute)
	_, err = other.Decode(token)
	assertUnauthorized(t, err, "Invalid token signature")
}

func TestCodec_Decode_wrongIssuer(t *testing.T) {
	other, _ := NewCodec([]byte("test-secret"), "someone-else", time.Minute)
	token, err := other.Encode(&model.User{ID: "u-1"}, nil)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}

	_, err = testCodec(t).Decode(token)
	assertUnauthorized(t, err, "Invalid token issuer")
}

func TestCodec_Decode_rejectsNone(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "u-1",
		"iss": "stepflow",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}

	_, err = testCodec(t).Decode(token)
	if !model.HasCode(err, model.ErrUnauthorized) {
		t.Fatalf("Decode(alg none) error = %v, want UNAUTHORIZED", err)
	}
}

// --- Test helpers ---

func assertUnauthorized(t *testing.T, err error, msg string) {
	t.Helper()
	ee := model.AsEnvelope(err)
	if ee == nil {
		t.Fatal("expected error")
	}
	if ee.Code != model.ErrUnauthorized {
		t.Errorf("code = %s, want UNAUTHORIZED", ee.Code)
	}
	if ee.Message != msg {
		t.Errorf("message = %q, want %q", ee.Message, msg)
	}
}
