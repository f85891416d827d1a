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

// Package registry records outgoing messages and hands out their
// per-recipient tokens. It is the only writer of message records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mailtrack/engine/internal/cache"
	"github.com/mailtrack/engine/internal/fingerprint"
	"github.com/mailtrack/engine/internal/metrics"
	"github.com/mailtrack/engine/internal/models"
	"github.com/mailtrack/engine/internal/store"
	"github.com/mailtrack/engine/internal/token"
)

// MaxTokenLength bounds caller-supplied tokens.
const MaxTokenLength = 128

// Registration is the input of Register.
type Registration struct {
	MessageID     string            `json:"messageId" validate:"required,max=255"`
	OwnerID       string            `json:"ownerId" validate:"max=255"`
	SenderAddress string            `json:"senderAddress" validate:"max=320"`
	Subject       string            `json:"subject" validate:"max=998"`
	Recipients    models.Recipients `json:"recipients"`
	SentAt        time.Time         `json:"sentAt"`

	// ExistingTokens are client-generated tokens already embedded in the
	// message body.
	ExistingTokens models.TokenMap `json:"existingTokens"`

	// Network origin and client signature of the registering request.
	OriginIP        string `json:"-"`
	OriginSignature string `json:"-"`
}

// Result is returned by Register.
type Result struct {
	MessageID       string
	OwnerID         string
	RecipientTokens models.TokenMap
	Created         bool
}

// Registry registers messages and serves cached lookups.
type Registry struct {
	store    store.Store
	cache    cache.Cache
	issue    token.Issuer
	validate *validator.Validate
	now      func() time.Time
}

// New creates a registry. A nil cache disables caching and a nil issuer
// uses token.Issue.
func New(s store.Store, c cache.Cache, issue token.Issuer) *Registry {
	if c == nil {
		c = cache.Nop{}
	}
	if issue == nil {
		issue = token.Issue
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Registry{store: s, cache: c, issue: issue, validate: v, now: time.Now}
}

// Register upserts a message and returns its complete token map. Tokens of
// addresses already registered are never replaced.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Result, error) {
	reg.MessageID = strings.TrimSpace(reg.MessageID)
	reg.OwnerID = strings.TrimSpace(reg.OwnerID)
	if err := r.validateRegistration(reg); err != nil {
		metrics.RecordRegistration("invalid")
		return nil, err
	}
	if reg.OwnerID == "" {
		reg.OwnerID = models.DefaultOwnerID
	}

	// Read through the store, not the cache: the token merge must see
	// the authoritative map.
	existing, err := r.store.Get(ctx, reg.MessageID)
	if err != nil {
		metrics.RecordRegistration("failed")
		return nil, fmt.Errorf("load message %s: %w", reg.MessageID, err)
	}

	recipients := reg.Recipients.Normalized()
	msg := &models.Message{
		MessageID:         reg.MessageID,
		OwnerID:           reg.OwnerID,
		SenderAddress:     models.NormalizeAddress(reg.SenderAddress),
		Subject:           reg.Subject,
		Recipients:        recipients,
		SentAt:            reg.SentAt,
		SenderFingerprint: senderFingerprint(reg),
	}
	var stored models.TokenMap
	if existing != nil {
		stored = existing.RecipientTokens
		if msg.SentAt.IsZero() {
			msg.SentAt = existing.SentAt
		}
		if msg.SenderFingerprint == "" {
			msg.SenderFingerprint = existing.SenderFingerprint
		}
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = r.now()
	}
	msg.RecipientTokens = r.assignTokens(recipients.All(), stored, reg.ExistingTokens)

	tokens, err := r.store.Upsert(ctx, msg)
	if err != nil {
		metrics.RecordRegistration("failed")
		return nil, fmt.Errorf("upsert message %s: %w", reg.MessageID, err)
	}
	msg.RecipientTokens = tokens

	r.cache.Invalidate(ctx, msg.MessageID)
	r.cache.Set(ctx, msg)

	outcome := "created"
	if existing != nil {
		outcome = "updated"
	}
	metrics.RecordRegistration(outcome)
	slog.Debug("message registered",
		"message_id", msg.MessageID,
		"owner_id", msg.OwnerID,
		"recipients", len(tokens),
		"outcome", outcome,
	)

	return &Result{
		MessageID:       msg.MessageID,
		OwnerID:         msg.OwnerID,
		RecipientTokens: tokens.Clone(),
		Created:         existing == nil,
	}, nil
}

// Lookup returns a message, consulting the cache first. It returns
// models.ErrNotFound if the message is not registered; absence is never
// cached.
func (r *Registry) Lookup(ctx context.Context, messageID string) (*models.Message, error) {
	if m, ok := r.cache.Get(ctx, messageID); ok {
		return m, nil
	}
	m, err := r.store.Get(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("lookup message %s: %w", messageID, err)
	}
	if m == nil {
		return nil, models.ErrNotFound
	}
	r.cache.Set(ctx, m)
	return m, nil
}

// assignTokens builds the token map for addrs. Stored tokens win, then
// acceptable caller tokens, then fresh ones.
func (r *Registry) assignTokens(addrs []string, stored, supplied models.TokenMap) models.TokenMap {
	out := make(models.TokenMap, len(addrs))
	used := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		if tok, ok := stored[addr]; ok {
			out[addr] = tok
			used[tok] = true
		}
	}

	normalizedSupplied := make(models.TokenMap, len(supplied))
	for addr, tok := range supplied {
		normalizedSupplied[models.NormalizeAddress(addr)] = strings.TrimSpace(tok)
	}

	for _, addr := range addrs {
		if _, ok := out[addr]; ok {
			continue
		}
		if tok := normalizedSupplied[addr]; acceptableToken(tok) && !used[tok] {
			out[addr] = tok
			used[tok] = true
			continue
		}
		tok := r.issue()
		for used[tok] {
			tok = r.issue()
		}
		out[addr] = tok
		used[tok] = true
	}
	return out
}

func acceptableToken(tok string) bool {
	return tok != "" && len(tok) <= MaxTokenLength
}

func senderFingerprint(reg Registration) string {
	if reg.OriginIP == "" && reg.OriginSignature == "" {
		return ""
	}
	return fingerprint.Of(reg.OriginIP, reg.OriginSignature)
}

func (r *Registry) validateRegistration(reg Registration) error {
	err := r.validate.Struct(reg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return models.NewValidationError(fe.Field(), "is required")
		case "max":
			return models.NewValidationError(fe.Field(), "must be at most "+fe.Param()+" characters")
		default:
			return models.NewValidationError(fe.Field(), "is invalid")
		}
	}
	return models.NewValidationError("", err.Error())
}
