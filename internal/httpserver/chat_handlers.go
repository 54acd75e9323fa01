package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/service"
)

type globalChatResponse struct {
	ChatID   string                    `json:"chatId"`
	Messages []domain.DeliveredMessage `json:"messages"`
}

// handleGlobalChat finds or creates the global chat, makes the caller a
// member and returns the latest page of messages, oldest first.
func handleGlobalChat(chats *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		chat, err := chats.JoinGlobal(r.Context(), currentUser.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		messages, err := chats.History(r.Context(), chat.ID, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, globalChatResponse{ChatID: chat.ID, Messages: messages})
	}
}

func handleChatMessages(chats *service.ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		messages, err := chats.MemberHistory(r.Context(), currentUser.ID, chi.URLParam(r, "chatID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, messages)
	}
}

type memberResponse struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

func handleChatMembers(chats *service.ChatService, presence OnlineChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		currentUser := CurrentUser(r)
		if currentUser == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		ids, err := chats.Members(r.Context(), currentUser.ID, chi.URLParam(r, "chatID"))
		if err != nil {
			writeError(w, err)
			return
		}
		res := make([]memberResponse, 0, len(ids))
		for _, id := range ids {
			res = append(res, memberResponse{UserID: id, Online: presence != nil && presence.IsOnline(id)})
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindInvalidArgument:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindStorageUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
