package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/security"
)

const maxFrameSize = 64 << 10

// TokenVerifier checks bearer tokens presented on upgrade.
type TokenVerifier interface {
	Verify(token string) (security.Identity, error)
}

// ProfileSyncer mirrors the profile carried by a verified token.
type ProfileSyncer interface {
	SyncProfile(ctx context.Context, u *domain.User) error
}

type HandlerConfig struct {
	AllowedOrigins []string
	// AuthRequired rejects upgrades without a valid bearer token. When
	// false a token is still honoured if present.
	AuthRequired bool
	// PongWait is the read deadline extended by every pong. Zero disables
	// keepalive.
	PongWait time.Duration
	// Profiles, if set, receives the name and picture of every
	// authenticated connection before it is accepted.
	Profiles ProfileSyncer
}

type wsAuthError struct {
	status int
	msg    string
}

func (e wsAuthError) Error() string {
	return e.msg
}

func normalizeAllowedOrigins(origins []string) map[string]struct{} {
	res := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		o := strings.TrimSpace(strings.ToLower(origin))
		if o != "" {
			res[o] = struct{}{}
		}
	}
	return res
}

// makeCheckOrigin allows requests without an Origin header (non-browser
// clients) and browser requests from the configured origins. "*" allows
// every origin.
func makeCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	allowed := normalizeAllowedOrigins(allowedOrigins)
	if _, ok := allowed["*"]; ok {
		return func(r *http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := strings.TrimSpace(strings.ToLower(r.Header.Get("Origin")))
		if origin == "" {
			return true
		}
		if _, ok := allowed[origin]; ok {
			return true
		}

		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return false
		}
		normalized := strings.ToLower(fmt.Sprintf("%s://%s", u.Scheme, u.Host))
		_, ok := allowed[normalized]
		return ok
	}
}

func extractTokenFromWSRequest(r *http.Request) (string, error) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}

	protocolHeader := r.Header.Get("Sec-WebSocket-Protocol")
	if protocolHeader != "" {
		parts := strings.Split(protocolHeader, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) >= 2 && strings.EqualFold(parts[0], "bearer") {
			token := parts[1]
			if token != "" {
				return token, nil
			}
		}
	}

	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token, nil
	}

	return "", wsAuthError{status: http.StatusUnauthorized, msg: "missing bearer token"}
}

// MakeHandler returns an HTTP handler for the /ws endpoint. It checks the
// origin, resolves the optional bearer token (Authorization header,
// Sec-WebSocket-Protocol "bearer, <token>" or ?token=), upgrades, and hands
// the connection to the manager's receive loop.
func MakeHandler(m *Manager, tokens TokenVerifier, cfg HandlerConfig, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	checkOrigin := makeCheckOrigin(cfg.AllowedOrigins)
	upgrader := websocket.Upgrader{
		CheckOrigin: checkOrigin,
		Subprotocols: []string{
			"bearer",
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if !checkOrigin(r) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		var userID string
		tokenStr, err := extractTokenFromWSRequest(r)
		switch {
		case err == nil:
			id, err := tokens.Verify(tokenStr)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			userID = id.UserID
			syncProfile(r.Context(), cfg.Profiles, id, log)
		case cfg.AuthRequired:
			if authErr, ok := err.(wsAuthError); ok {
				http.Error(w, authErr.msg, authErr.status)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("ws upgrade failed", "error", err)
			return
		}
		conn.SetReadLimit(maxFrameSize)
		if cfg.PongWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
			})
		}

		c, err := m.Accept(conn, userID)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		}
		m.Serve(r.Context(), c)
	}
}

func syncProfile(ctx context.Context, profiles ProfileSyncer, id security.Identity, log *slog.Logger) {
	if profiles == nil {
		return
	}
	user := &domain.User{ID: id.UserID, Name: id.Name}
	if id.Picture != "" {
		user.Image = &id.Picture
	}
	if err := profiles.SyncProfile(ctx, user); err != nil {
		log.Warn("sync profile", "user_id", id.UserID, "error", err)
	}
}
