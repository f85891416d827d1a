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

// Package ingest records open and click events. It backs the pixel and
// redirect endpoints, so it tolerates a missing message record and never
// deduplicates: every load is a distinct fact.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailtrack/engine/internal/attribution"
	"github.com/mailtrack/engine/internal/fingerprint"
	"github.com/mailtrack/engine/internal/metrics"
	"github.com/mailtrack/engine/internal/models"
)

// MessageLookup resolves message IDs, typically through the cached registry.
type MessageLookup interface {
	Lookup(ctx context.Context, messageID string) (*models.Message, error)
}

// EventWriter appends events to the log.
type EventWriter interface {
	AppendOpen(ctx context.Context, ev *models.OpenEvent) error
	AppendClick(ctx context.Context, ev *models.ClickEvent) error
}

// Notifier announces recorded events to downstream consumers.
type Notifier interface {
	PublishOpen(ctx context.Context, ev *models.OpenEvent) error
	PublishClick(ctx context.Context, ev *models.ClickEvent) error
}

// OpenRequest describes one pixel load.
type OpenRequest struct {
	MessageID          string
	Token              string
	RequestFingerprint string
	ClientSignature    string
}

// ClickRequest describes one tracked link follow.
type ClickRequest struct {
	MessageID          string
	Destination        string
	RequestFingerprint string
	ClientSignature    string
}

// Handler ingests tracking events.
type Handler struct {
	messages   MessageLookup
	events     EventWriter
	classifier *fingerprint.Classifier
	notifier   Notifier
	now        func() time.Time
}

// NewHandler creates an ingest handler. notifier may be nil.
func NewHandler(messages MessageLookup, events EventWriter, classifier *fingerprint.Classifier, notifier Notifier) *Handler {
	return &Handler{
		messages:   messages,
		events:     events,
		classifier: classifier,
		notifier:   notifier,
		now:        time.Now,
	}
}

// IngestOpen appends exactly one open event. The message lookup is best
// effort: an unknown or unreachable message yields an unattributed event.
func (h *Handler) IngestOpen(ctx context.Context, req OpenRequest) (*models.OpenEvent, error) {
	if req.MessageID == "" {
		metrics.RecordEvent("open", "rejected")
		return nil, models.NewValidationError("messageId", "is required")
	}

	msg, err := h.messages.Lookup(ctx, req.MessageID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("message lookup failed, recording unattributed open",
				"message_id", req.MessageID,
				"error", err,
			)
		}
		msg = nil
	}

	recipient, method := attribution.Resolve(msg, req.Token, "")
	ev := &models.OpenEvent{
		ID:                 uuid.New().String(),
		MessageID:          req.MessageID,
		ResolvedRecipient:  recipient,
		Token:              req.Token,
		RequestFingerprint: req.RequestFingerprint,
		ClientSignature:    req.ClientSignature,
		IsAutomatedFetch:   h.classifier.IsAutomated(req.ClientSignature),
		OccurredAt:         h.now().UTC(),
	}

	if err := h.events.AppendOpen(ctx, ev); err != nil {
		metrics.RecordEvent("open", "failed")
		slog.Error("failed to record open",
			"message_id", ev.MessageID,
			"event_id", ev.ID,
			"error", err,
		)
		return nil, fmt.Errorf("append open: %w", err)
	}
	metrics.RecordEvent("open", "stored")

	slog.Info("open recorded",
		"message_id", ev.MessageID,
		"event_id", ev.ID,
		"recipient", ev.ResolvedRecipient,
		"attribution", string(method),
		"automated", ev.IsAutomatedFetch,
	)

	if h.notifier != nil {
		if err := h.notifier.PublishOpen(ctx, ev); err != nil {
			slog.Warn("open notice not published", "message_id", ev.MessageID, "error", err)
		}
	}
	return ev, nil
}

// IngestClick validates the destination and appends one click event. The
// returned event carries the destination the caller must redirect to; the
// destination is valid even if the append failed.
func (h *Handler) IngestClick(ctx context.Context, req ClickRequest) (*models.ClickEvent, error) {
	if req.MessageID == "" {
		metrics.RecordEvent("click", "rejected")
		return nil, models.NewValidationError("messageId", "is required")
	}
	dest, err := ValidateDestination(req.Destination)
	if err != nil {
		metrics.RecordEvent("click", "rejected")
		return nil, err
	}

	ev := &models.ClickEvent{
		ID:                 uuid.New().String(),
		MessageID:          req.MessageID,
		Destination:        dest,
		RequestFingerprint: req.RequestFingerprint,
		ClientSignature:    req.ClientSignature,
		OccurredAt:         h.now().UTC(),
	}
	if err := h.events.AppendClick(ctx, ev); err != nil {
		metrics.RecordEvent("click", "failed")
		slog.Error("failed to record click",
			"message_id", ev.MessageID,
			"event_id", ev.ID,
			"error", err,
		)
		return ev, fmt.Errorf("append click: %w", err)
	}
	metrics.RecordEvent("click", "stored")
	slog.Info("click recorded", "message_id", ev.MessageID, "event_id", ev.ID)

	if h.notifier != nil {
		if err := h.notifier.PublishClick(ctx, ev); err != nil {
			slog.Warn("click notice not published", "message_id", ev.MessageID, "error", err)
		}
	}
	return ev, nil
}

// ValidateDestination returns the absolute http(s) URL encoded in raw. A
// destination that was percent-encoded twice is decoded once more.
func ValidateDestination(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", models.NewValidationError("destination", "is required")
	}
	if u, ok := parseAbsolute(raw); ok {
		return u, nil
	}
	if decoded, err := url.QueryUnescape(raw); err == nil && decoded != raw {
		if u, ok := parseAbsolute(decoded); ok {
			return u, nil
		}
	}
	return "", models.NewValidationError("destination", "must be an absolute http or https URL")
}

func parseAbsolute(s string) (string, bool) {
	u, err := url.Parse(s)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if u.Host == "" {
		return "", false
	}
	return u.String(), true
}
