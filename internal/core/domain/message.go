package domain

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source is the citation projection of a retrieved ruling.
type Source struct {
	Identifier string  `json:"source"`
	URL        string  `json:"url"`
	Score      float64 `json:"score"`
}

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources"`
	Timestamp time.Time `json:"timestamp"`
}

type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}

// CloneMessages returns a deep copy so callers can attach sources without
// mutating store-owned slices.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, msg := range in {
		out[i] = msg
		if msg.Sources != nil {
			out[i].Sources = append([]Source(nil), msg.Sources...)
		}
	}
	return out
}
