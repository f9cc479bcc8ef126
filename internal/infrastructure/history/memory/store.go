// Package memory is the process-local history store used when no durable
// backend is configured or the durable one fails at startup.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

type Store struct {
	mu       sync.RWMutex
	sessions map[string][]domain.Message
}

func New() *Store {
	return &Store{sessions: make(map[string][]domain.Message)}
}

func (s *Store) AppendTurn(_ context.Context, sessionID string, messages ...domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = append(s.sessions[sessionID], domain.CloneMessages(messages)...)
	return nil
}

func (s *Store) Read(_ context.Context, sessionID string, limit int) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.sessions[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := domain.CloneMessages(msgs)
	if out == nil {
		out = []domain.Message{}
	}
	return out, nil
}

func (s *Store) ListSessions(_ context.Context, limit int) ([]domain.SessionSummary, error) {
	s.mu.RLock()
	out := make([]domain.SessionSummary, 0, len(s.sessions))
	for id, msgs := range s.sessions {
		if len(msgs) == 0 {
			continue
		}
		last := msgs[0].Timestamp
		for _, msg := range msgs[1:] {
			if msg.Timestamp.After(last) {
				last = msg.Timestamp
			}
		}
		out = append(out, domain.SessionSummary{SessionID: id, MessageCount: len(msgs), LastActivity: last})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].SessionID < out[j].SessionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, msgs := range s.sessions {
		kept := make([]domain.Message, 0, len(msgs))
		for _, msg := range msgs {
			if msg.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(s.sessions, id)
			continue
		}
		s.sessions[id] = kept
	}
	return removed, nil
}

func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "delete session", fmt.Errorf("session_id=%s", sessionID))
	}
	delete(s.sessions, sessionID)
	return nil
}
