package jwt

import (
	"context"
	"net/http"
	"strings"

	"noterelay/internal/app/user"
	"noterelay/internal/pkg/errs"
	"noterelay/internal/pkg/logx"
	"noterelay/internal/pkg/resp"
)

// Define Context Key for storing the verified user, preventing key collisions with other packages.
type contextKey string

const (
	// ContextUserKey is the key used to store the verified user.User in the request Context.
	ContextUserKey contextKey = "auth_user"

	// TokenQueryParam carries the credential for WebSocket clients that cannot set headers.
	TokenQueryParam = "token"
)

// BearerToken extracts the credential from the Authorization header, falling back to
// the token query parameter. It returns "" if neither is present.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}

	return r.URL.Query().Get(TokenQueryParam)
}

// RequireIdentity rejects requests without a valid credential with 401 and injects
// the verified user into the Context otherwise.
func RequireIdentity(v Verifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
				return
			}

			u, err := v.Verify(r.Context(), token)
			if err != nil {
				logx.Warn("Rejected request with invalid credential", "error", err.Error(), "path", r.URL.Path)
				resp.RespondError(w, r, errs.NewError(errs.ErrUnauthorized))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u user.User) context.Context {
	return context.WithValue(ctx, ContextUserKey, u)
}

// UserFromContext returns the verified user stored by RequireIdentity.
func UserFromContext(ctx context.Context) (user.User, bool) {
	u, ok := ctx.Value(ContextUserKey).(user.User)
	return u, ok
}
