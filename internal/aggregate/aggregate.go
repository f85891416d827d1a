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

// Package aggregate rolls validated events up into per-message read status
// and per-owner summaries. Nothing computed here is persisted: status is
// derived from the event log on every read.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/mailtrack/engine/internal/metrics"
	"github.com/mailtrack/engine/internal/models"
	"github.com/mailtrack/engine/internal/validation"
)

// RecipientStatus is the read state of one direct recipient.
type RecipientStatus struct {
	Address string     `json:"email"`
	Read    bool       `json:"read"`
	ReadAt  *time.Time `json:"readAt"`
}

// MessageStatus is the computed tracking state of one message.
type MessageStatus struct {
	Message           *models.Message
	OpenCount         int // accepted opens, repeats included
	ClickCount        int
	UnattributedOpens int
	LastOpenedAt      *time.Time
	LastClickedAt     *time.Time
	RecipientStatus   []RecipientStatus
	Opens             []validation.Verdict
	Clicks            []models.ClickEvent
}

// Compute builds the status of msg from its events. Clicks need active
// intent and are counted without validation.
func Compute(v *validation.Validator, msg *models.Message, opens []models.OpenEvent, clicks []models.ClickEvent) *MessageStatus {
	st := &MessageStatus{
		Message:    msg,
		ClickCount: len(clicks),
		Clicks:     clicks,
		Opens:      v.ClassifyAll(msg, opens),
	}

	firstRead := make(map[string]time.Time)
	for _, vd := range st.Opens {
		metrics.RecordVerdict(string(vd.Reason))
		if vd.Reason == validation.ReasonNoRecipient {
			st.UnattributedOpens++
		}
		if !vd.Accepted {
			continue
		}
		st.OpenCount++
		at := vd.Event.OccurredAt
		if st.LastOpenedAt == nil || at.After(*st.LastOpenedAt) {
			st.LastOpenedAt = &at
		}
		if prev, ok := firstRead[vd.Recipient]; !ok || at.Before(prev) {
			firstRead[vd.Recipient] = at
		}
	}

	for _, c := range clicks {
		at := c.OccurredAt
		if st.LastClickedAt == nil || at.After(*st.LastClickedAt) {
			st.LastClickedAt = &at
		}
	}

	direct := msg.Recipients.Normalized().Direct
	st.RecipientStatus = make([]RecipientStatus, 0, len(direct))
	for _, addr := range direct {
		rs := RecipientStatus{Address: addr}
		if at, ok := firstRead[addr]; ok {
			rs.Read = true
			rs.ReadAt = &at
		}
		st.RecipientStatus = append(st.RecipientStatus, rs)
	}
	return st
}

// Source is the read side of the store the aggregator needs.
type Source interface {
	QueryEvents(ctx context.Context, messageIDs []string) ([]models.OpenEvent, []models.ClickEvent, error)
	AggregateCounts(ctx context.Context, messageIDs []string) (map[string]models.EventCounts, error)
	ListByOwner(ctx context.Context, ownerID string, since time.Time, limit int) ([]*models.Message, error)
}

// Window bounds an owner summary.
type Window struct {
	Since time.Time // zero means no lower bound on send time
	Limit int       // zero or above the configured maximum means the maximum
}

// MessageSummary is one row of an owner summary.
type MessageSummary struct {
	MessageID       string            `json:"messageId"`
	Subject         string            `json:"subject"`
	SentAt          time.Time         `json:"sentAt"`
	Recipients      models.Recipients `json:"recipients"`
	OpenCount       int               `json:"openCount"`
	RawOpenCount    int               `json:"rawOpenCount"`
	ClickCount      int               `json:"clickCount"`
	LastOpenedAt    *time.Time        `json:"lastOpenedAt"`
	LastClickedAt   *time.Time        `json:"lastClickedAt"`
	RecipientStatus []RecipientStatus `json:"recipientStatus"`
}

// OwnerSummary aggregates all messages of one account.
type OwnerSummary struct {
	OwnerID       string           `json:"ownerId"`
	TotalMessages int              `json:"totalMessages"`
	TotalOpens    int              `json:"totalOpens"`
	TotalClicks   int              `json:"totalClicks"`
	PerMessage    []MessageSummary `json:"perMessage"`
}

// Aggregator computes statuses from stored events.
type Aggregator struct {
	source    Source
	validator *validation.Validator
	maxLimit  int
}

// NewAggregator creates an aggregator. maxLimit bounds owner summaries.
func NewAggregator(source Source, validator *validation.Validator, maxLimit int) *Aggregator {
	return &Aggregator{source: source, validator: validator, maxLimit: maxLimit}
}

// MessageStatus loads the events of msg and computes its status.
func (a *Aggregator) MessageStatus(ctx context.Context, msg *models.Message) (*MessageStatus, error) {
	opens, clicks, err := a.source.QueryEvents(ctx, []string{msg.MessageID})
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", msg.MessageID, err)
	}
	return Compute(a.validator, msg, opens, clicks), nil
}

// OwnerSummary aggregates an owner's messages, most recently sent first.
func (a *Aggregator) OwnerSummary(ctx context.Context, ownerID string, w Window) (*OwnerSummary, error) {
	limit := w.Limit
	if limit <= 0 || limit > a.maxLimit {
		limit = a.maxLimit
	}

	msgs, err := a.source.ListByOwner(ctx, ownerID, w.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", ownerID, err)
	}

	summary := &OwnerSummary{
		OwnerID:       ownerID,
		TotalMessages: len(msgs),
		PerMessage:    make([]MessageSummary, 0, len(msgs)),
	}
	if len(msgs) == 0 {
		return summary, nil
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
	}

	opens, clicks, err := a.source.QueryEvents(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", ownerID, err)
	}
	raw, err := a.source.AggregateCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("aggregate counts for %s: %w", ownerID, err)
	}

	opensByMsg := make(map[string][]models.OpenEvent)
	for _, ev := range opens {
		opensByMsg[ev.MessageID] = append(opensByMsg[ev.MessageID], ev)
	}
	clicksByMsg := make(map[string][]models.ClickEvent)
	for _, ev := range clicks {
		clicksByMsg[ev.MessageID] = append(clicksByMsg[ev.MessageID], ev)
	}

	for _, m := range msgs {
		st := Compute(a.validator, m, opensByMsg[m.MessageID], clicksByMsg[m.MessageID])
		summary.TotalOpens += st.OpenCount
		summary.TotalClicks += st.ClickCount
		summary.PerMessage = append(summary.PerMessage, MessageSummary{
			MessageID:       m.MessageID,
			Subject:         m.Subject,
			SentAt:          m.SentAt,
			Recipients:      m.Recipients,
			OpenCount:       st.OpenCount,
			RawOpenCount:    raw[m.MessageID].Opens,
			ClickCount:      st.ClickCount,
			LastOpenedAt:    st.LastOpenedAt,
			LastClickedAt:   st.LastClickedAt,
			RecipientStatus: st.RecipientStatus,
		})
	}
	return summary, nil
}
