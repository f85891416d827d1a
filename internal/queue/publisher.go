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

// Package queue publishes tracking event notices to a Redis list so that
// downstream notifiers can react to opens and clicks without polling the
// store. Notices are informational: consumers must re-read status through
// the API because a notice says nothing about validation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailtrack/engine/internal/models"
)

// Notice types.
const (
	TypeOpen  = "open"
	TypeClick = "click"
)

// Publisher pushes event notices onto a Redis list.
type Publisher struct {
	rdb       redis.Cmdable
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified list.
func NewPublisher(rdb redis.Cmdable, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Notice is the JSON document pushed for each event.
type Notice struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	MessageID  string          `json:"messageId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Event      json.RawMessage `json:"event"`
}

// envelope wraps a notice for transport. Consumers read the body after
// checking the content type.
type envelope struct {
	Body        string            `json:"body"`
	ContentType string            `json:"content-type"`
	Headers     map[string]string `json:"headers"`
}

// PublishOpen publishes a notice for a recorded open.
func (p *Publisher) PublishOpen(ctx context.Context, ev *models.OpenEvent) error {
	return p.publish(ctx, TypeOpen, ev.MessageID, ev.OccurredAt, ev)
}

// PublishClick publishes a notice for a recorded click.
func (p *Publisher) PublishClick(ctx context.Context, ev *models.ClickEvent) error {
	return p.publish(ctx, TypeClick, ev.MessageID, ev.OccurredAt, ev)
}

func (p *Publisher) publish(ctx context.Context, kind, messageID string, at time.Time, ev any) error {
	payload, err := encodeNotice(kind, messageID, at, ev)
	if err != nil {
		return err
	}

	// Consumers BRPOP, so LPUSH keeps the list FIFO.
	if err := p.rdb.LPush(ctx, p.queueName, payload).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published event notice",
		"type", kind,
		"message_id", messageID,
		"queue", p.queueName,
	)
	return nil
}

func encodeNotice(kind, messageID string, at time.Time, ev any) (string, error) {
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal %s event: %w", kind, err)
	}

	notice := Notice{
		ID:         uuid.New().String(),
		Type:       kind,
		MessageID:  messageID,
		OccurredAt: at.UTC(),
		Event:      eventJSON,
	}
	body, err := json.Marshal(notice)
	if err != nil {
		return "", fmt.Errorf("marshal notice: %w", err)
	}

	msg, err := json.Marshal(envelope{
		Body:        string(body),
		ContentType: "application/json",
		Headers: map[string]string{
			"id":   notice.ID,
			"type": kind,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(msg), nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
