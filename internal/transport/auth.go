package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/pitabwire/stepflow/internal/session"
	"github.com/pitabwire/stepflow/model"
)

type identityKey struct{}

// IdentityFrom returns the identity verified by the session middleware,
// or nil for an anonymous request.
func IdentityFrom(ctx context.Context) *model.RequestContext {
	id, _ := ctx.Value(identityKey{}).(*model.RequestContext)
	return id
}

// SessionAuthenticator returns middleware that verifies the bearer session
// credential of a request. Requests without an Authorization header pass
// through anonymously; the engine decides whether an action needs a user.
// A present but invalid credential is rejected with 401.
func SessionAuthenticator(codec *session.Codec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}
			if codec == nil {
				WriteError(w, model.NewUnauthorizedError("Sessions are not configured"))
				return
			}

			identity, err := codec.Decode(token)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
