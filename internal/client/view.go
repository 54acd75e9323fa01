package client

import (
	"time"

	"github.com/ryakhovskiy/zchat-relay/internal/domain"
)

// Entry is one rendered line of the conversation.
type Entry struct {
	// Key is the server id for confirmed messages and the temp id for
	// pending ones.
	Key       string
	Content   string
	SenderID  string
	CreatedAt time.Time
	Pending   bool
}

// Merge combines confirmed messages (keyed by server id, in arrival order)
// with pending ones (keyed by temp id, in queue order). A pending message
// whose temp id already maps to a confirmed server id is dropped, so a
// message is never shown twice.
func Merge(confirmed []domain.DeliveredMessage, pending []PendingMessage, tempToID map[string]string) []Entry {
	res := make([]Entry, 0, len(confirmed)+len(pending))
	seen := make(map[string]struct{}, len(confirmed))
	for _, m := range confirmed {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		res = append(res, Entry{
			Key:       m.ID,
			Content:   m.Content,
			SenderID:  m.SenderID,
			CreatedAt: m.CreatedAt,
		})
	}
	for _, p := range pending {
		if id, ok := tempToID[p.TempID]; ok {
			if _, shown := seen[id]; shown {
				continue
			}
		}
		res = append(res, Entry{
			Key:       p.TempID,
			Content:   p.Content,
			CreatedAt: p.QueuedAt,
			Pending:   true,
		})
	}
	return res
}
