package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/security"
)

type contextKey string

const userContextKey contextKey = "currentUser"

// TokenVerifier validates bearer tokens.
type TokenVerifier interface {
	Verify(token string) (security.Identity, error)
}

// ProfileSyncer mirrors the identity provider's profile into the store.
type ProfileSyncer interface {
	SyncProfile(ctx context.Context, u *domain.User) error
}

// WithUser returns a new context carrying the current user.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// CurrentUser extracts the current user from context, if any.
func CurrentUser(r *http.Request) *domain.User {
	if v := r.Context().Value(userContextKey); v != nil {
		if u, ok := v.(*domain.User); ok {
			return u
		}
	}
	return nil
}

// AuthMiddleware validates the Bearer token, mirrors the caller's profile
// and attaches the user to the context. The token subject is the user id.
func AuthMiddleware(tokens TokenVerifier, profiles ProfileSyncer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid Authorization header"})
				return
			}
			tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])

			id, err := tokens.Verify(tokenStr)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}

			user := &domain.User{ID: id.UserID, Name: id.Name}
			if id.Picture != "" {
				user.Image = &id.Picture
			}
			if err := profiles.SyncProfile(r.Context(), user); err != nil {
				// Delivery still works with the bare id as sender name.
				slog.Warn("sync profile", "user_id", id.UserID, "error", err)
			}

			ctx := WithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
