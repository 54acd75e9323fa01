package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ryakhovskiy/zchat-relay/internal/service"
)

// PresenceCounter reports how many users hold an open connection.
type PresenceCounter interface {
	ActiveCount() int
}

// OnlineChecker reports whether a user holds an open connection.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// PresenceReader is the read side of the presence registry.
type PresenceReader interface {
	PresenceCounter
	OnlineChecker
}

// ConnectionCounter reports how many connections are registered.
type ConnectionCounter interface {
	ActiveConnections() int
}

type RouterDeps struct {
	CORSOrigins []string
	Tokens      TokenVerifier
	Chats       *service.ChatService
	Presence    PresenceReader
	Connections ConnectionCounter
	// WS serves the WebSocket upgrade on /ws.
	WS http.Handler
}

// NewRouter constructs the main HTTP router and wires routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// The upgrade handler owns the connection for its whole lifetime, so
	// it stays outside the request timeout.
	if deps.WS != nil {
		r.Get("/ws", deps.WS.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/health", handleHealth(deps.Presence, deps.Connections))

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(deps.Tokens, deps.Chats))
			r.Get("/chat/global", handleGlobalChat(deps.Chats))
			r.Get("/chat/{chatID}/messages", handleChatMessages(deps.Chats))
			r.Get("/chat/{chatID}/members", handleChatMembers(deps.Chats, deps.Presence))
		})
	})

	return r
}

func handleHealth(presence PresenceCounter, conns ConnectionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "healthy"}
		if presence != nil {
			resp["activeUsers"] = presence.ActiveCount()
		}
		if conns != nil {
			resp["connections"] = conns.ActiveConnections()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// writeJSON is a small helper to send JSON responses.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
