// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mailtrack/engine/internal/models"
	"github.com/mailtrack/engine/internal/token"
)

// Memory is an in-process Store. Upserts are serialised by a mutex, which
// gives the same insert-if-absent guarantee for tokens as the Postgres
// statement.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]*models.Message
	opens    []models.OpenEvent
	clicks   []models.ClickEvent
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]*models.Message),
		now:      time.Now,
	}
}

// Get returns a copy of the stored message.
func (s *Memory) Get(_ context.Context, messageID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, nil
	}
	return copyMessage(m), nil
}

// Upsert inserts or updates a message, reconciling tokens.
func (s *Memory) Upsert(_ context.Context, msg *models.Message) (models.TokenMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := copyMessage(msg)
	if next.RecipientTokens == nil {
		next.RecipientTokens = models.TokenMap{}
	}
	now := s.now()
	next.CreatedAt, next.UpdatedAt = now, now

	var stored models.TokenMap
	if prev, ok := s.messages[msg.MessageID]; ok {
		stored = prev.RecipientTokens
		next.CreatedAt = prev.CreatedAt
	}
	next.RecipientTokens = next.RecipientTokens.Reconcile(stored, token.Issue)
	s.messages[msg.MessageID] = next
	return next.RecipientTokens.Clone(), nil
}

// AppendOpen records an open event.
func (s *Memory) AppendOpen(_ context.Context, ev *models.OpenEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens = append(s.opens, *ev)
	return nil
}

// AppendClick records a click event.
func (s *Memory) AppendClick(_ context.Context, ev *models.ClickEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, *ev)
	return nil
}

// QueryEvents returns the events of the given messages ordered by time.
func (s *Memory) QueryEvents(_ context.Context, messageIDs []string) ([]models.OpenEvent, []models.ClickEvent, error) {
	want := toSet(messageIDs)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var opens []models.OpenEvent
	for _, ev := range s.opens {
		if want[ev.MessageID] {
			opens = append(opens, ev)
		}
	}
	var clicks []models.ClickEvent
	for _, ev := range s.clicks {
		if want[ev.MessageID] {
			clicks = append(clicks, ev)
		}
	}

	sort.SliceStable(opens, func(i, j int) bool { return opens[i].OccurredAt.Before(opens[j].OccurredAt) })
	sort.SliceStable(clicks, func(i, j int) bool { return clicks[i].OccurredAt.Before(clicks[j].OccurredAt) })
	return opens, clicks, nil
}

// AggregateCounts returns raw totals per message.
func (s *Memory) AggregateCounts(_ context.Context, messageIDs []string) (map[string]models.EventCounts, error) {
	want := toSet(messageIDs)
	counts := make(map[string]models.EventCounts)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ev := range s.opens {
		if !want[ev.MessageID] {
			continue
		}
		c := counts[ev.MessageID]
		c.Opens++
		c.LastOpenedAt = later(c.LastOpenedAt, ev.OccurredAt)
		counts[ev.MessageID] = c
	}
	for _, ev := range s.clicks {
		if !want[ev.MessageID] {
			continue
		}
		c := counts[ev.MessageID]
		c.Clicks++
		c.LastClickedAt = later(c.LastClickedAt, ev.OccurredAt)
		counts[ev.MessageID] = c
	}
	return counts, nil
}

// ListByOwner returns an owner's messages, newest first.
func (s *Memory) ListByOwner(_ context.Context, ownerID string, since time.Time, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	var out []*models.Message
	for _, m := range s.messages {
		if m.OwnerID == ownerID && !m.SentAt.Before(since) {
			out = append(out, copyMessage(m))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].MessageID < out[j].MessageID
		}
		return out[i].SentAt.After(out[j].SentAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Memory) Ping(context.Context) error { return nil }

func copyMessage(m *models.Message) *models.Message {
	c := *m
	c.Recipients = models.Recipients{
		Direct:      append([]string(nil), m.Recipients.Direct...),
		Copied:      append([]string(nil), m.Recipients.Copied...),
		BlindCopied: append([]string(nil), m.Recipients.BlindCopied...),
	}
	if m.RecipientTokens != nil {
		c.RecipientTokens = m.RecipientTokens.Clone()
	}
	return &c
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func later(cur *time.Time, t time.Time) *time.Time {
	if cur == nil || t.After(*cur) {
		return &t
	}
	return cur
}
