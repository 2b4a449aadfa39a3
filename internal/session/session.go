// Package session encodes the impersonation credential that carries an
// acting user from one step to another.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/stepflow/model"
)

// DefaultTTL is the lifetime of an encoded credential.
const DefaultTTL = 5 * time.Minute

// reserved claims cannot be overridden by extra session claims.
var reserved = map[string]bool{
	"sub": true, "iss": true, "iat": true, "exp": true, "nbf": true,
	"email": true, "name": true, "roles": true,
}

// Codec signs and verifies HS256 credentials.
type Codec struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewCodec creates a codec. A non-positive ttl uses DefaultTTL.
func NewCodec(secret []byte, issuer string, ttl time.Duration) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("session: secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Encode signs a credential for user. Extra claims travel alongside the
// identity claims.
func (c *Codec) Encode(user *model.User, extra map[string]any) (string, error) {
	if user == nil || user.ID == "" {
		return "", errors.New("session: user id is required")
	}

	now := c.now()
	claims := jwt.MapClaims{}
	for k, v := range extra {
		if !reserved[k] {
			claims[k] = v
		}
	}
	claims["sub"] = user.ID
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(c.ttl).Unix()
	if c.issuer != "" {
		claims["iss"] = c.issuer
	}
	if user.Email != "" {
		claims["email"] = user.Email
	}
	if user.Name != "" {
		claims["name"] = user.Name
	}
	if len(user.Roles) > 0 {
		claims["roles"] = user.Roles
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("session: sign: %w", err)
	}
	return signed, nil
}

// Decode verifies a credential and returns the identity it carries.
func (c *Codec) Decode(token string) (*model.RequestContext, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, opts...)
	if err != nil {
		return nil, model.NewUnauthorizedError(classify(err))
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, model.NewUnauthorizedError("Invalid token")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, model.NewUnauthorizedError("Token has no subject")
	}

	rctx := &model.RequestContext{
		SubjectID: sub,
		Claims:    map[string]any(claims),
	}
	rctx.Email, _ = claims["email"].(string)
	if roles, ok := claims["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				rctx.Roles = append(rctx.Roles, s)
			}
		}
	}
	return rctx, nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	default:
		return "Invalid token"
	}
}
