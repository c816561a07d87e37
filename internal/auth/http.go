// ABOUTME: HTTP middleware for JWT authentication on API and websocket endpoints
// ABOUTME: Reads the token from the Authorization header or access_token query parameter

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/coven-chat/internal/store"
)

// ErrMissingToken is returned when a request carries no token.
var ErrMissingToken = errors.New("missing token")

// UserStore looks up the user a token was issued for.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// TokenFromRequest returns the bearer token of r. Browsers cannot set headers
// on websocket upgrades, so the access_token query parameter is accepted too.
func TokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// Authenticate verifies token and loads the user it names.
func Authenticate(ctx context.Context, users UserStore, verifier TokenVerifier, token string) (*Identity, error) {
	userID, err := verifier.Verify(token)
	if err != nil {
		return nil, err
	}
	u, err := users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.New("user not found")
		}
		return nil, err
	}
	return &Identity{UserID: u.ID, Handle: u.Handle, DisplayName: u.DisplayName}, nil
}

// HTTPAuthMiddleware rejects requests without a valid token and adds the
// caller's Identity to the request context.
func HTTPAuthMiddleware(users UserStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := TokenFromRequest(r)
			if err != nil {
				writeUnauthorized(w, err.Error())
				return
			}

			id, err := Authenticate(r.Context(), users, verifier, token)
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
