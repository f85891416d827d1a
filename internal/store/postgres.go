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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailtrack/engine/internal/models"
)

// Postgres stores messages and events in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a store backed by the given Postgres pool.
// It ensures the tables exist on creation.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure tracking schema: %w", err)
	}
	slog.Info("tracking store initialised")
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			message_id         TEXT PRIMARY KEY,
			owner_id           TEXT NOT NULL,
			sender_address     TEXT NOT NULL DEFAULT '',
			subject            TEXT NOT NULL DEFAULT '',
			recipients_direct  TEXT[] NOT NULL DEFAULT '{}',
			recipients_copied  TEXT[] NOT NULL DEFAULT '{}',
			recipients_blind   TEXT[] NOT NULL DEFAULT '{}',
			recipient_tokens   JSONB NOT NULL DEFAULT '{}',
			sent_at            TIMESTAMPTZ NOT NULL,
			sender_fingerprint TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ DEFAULT NOW(),
			updated_at         TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_owner ON messages(owner_id, sent_at DESC);

		CREATE TABLE IF NOT EXISTS open_events (
			id                  TEXT PRIMARY KEY,
			message_id          TEXT NOT NULL,
			resolved_recipient  TEXT,
			token               TEXT,
			request_fingerprint TEXT NOT NULL,
			client_signature    TEXT NOT NULL DEFAULT '',
			is_automated        BOOLEAN NOT NULL DEFAULT FALSE,
			occurred_at         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_open_events_message ON open_events(message_id, occurred_at);

		CREATE TABLE IF NOT EXISTS click_events (
			id                  TEXT PRIMARY KEY,
			message_id          TEXT NOT NULL,
			destination         TEXT NOT NULL,
			request_fingerprint TEXT NOT NULL,
			client_signature    TEXT NOT NULL DEFAULT '',
			occurred_at         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_click_events_message ON click_events(message_id, occurred_at);
	`)
	return err
}

const messageColumns = `
	message_id, owner_id, sender_address, subject,
	recipients_direct, recipients_copied, recipients_blind,
	recipient_tokens, sent_at, sender_fingerprint, created_at, updated_at`

// Get retrieves a single message by ID.
func (s *Postgres) Get(ctx context.Context, messageID string) (*models.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = $1`, messageID)
	m, err := scanMessage(row)
	if err != nil {
		return nil, models.NewStorageError("get message", err)
	}
	return m, nil
}

// Upsert inserts or updates a message. Token maps are reconciled inside the
// statement so concurrent registrations never store two tokens for one
// address: the first committed token wins and is returned to both callers.
// A proposed token already held by another stored address is replaced with
// a fresh one, so no two addresses share a token.
func (s *Postgres) Upsert(ctx context.Context, msg *models.Message) (models.TokenMap, error) {
	tokens := msg.RecipientTokens
	if tokens == nil {
		tokens = models.TokenMap{}
	}

	var stored models.TokenMap
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages
			(message_id, owner_id, sender_address, subject,
			 recipients_direct, recipients_copied, recipients_blind,
			 recipient_tokens, sent_at, sender_fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)
		ON CONFLICT (message_id) DO UPDATE SET
			owner_id           = EXCLUDED.owner_id,
			sender_address     = EXCLUDED.sender_address,
			subject            = EXCLUDED.subject,
			recipients_direct  = EXCLUDED.recipients_direct,
			recipients_copied  = EXCLUDED.recipients_copied,
			recipients_blind   = EXCLUDED.recipients_blind,
			recipient_tokens   = COALESCE((
				SELECT jsonb_object_agg(p.key, CASE
					WHEN COALESCE(messages.recipient_tokens ->> p.key, '') <> ''
						THEN messages.recipient_tokens -> p.key
					WHEN p.value IN (SELECT s.value FROM jsonb_each(messages.recipient_tokens) AS s)
						THEN to_jsonb(replace(gen_random_uuid()::text, '-', ''))
					ELSE p.value
				END)
				FROM jsonb_each(EXCLUDED.recipient_tokens) AS p
			), '{}'::jsonb),
			sent_at            = EXCLUDED.sent_at,
			sender_fingerprint = EXCLUDED.sender_fingerprint,
			updated_at         = NOW()
		RETURNING recipient_tokens
	`,
		msg.MessageID, msg.OwnerID, msg.SenderAddress, msg.Subject,
		nonNil(msg.Recipients.Direct), nonNil(msg.Recipients.Copied), nonNil(msg.Recipients.BlindCopied),
		tokens, msg.SentAt, msg.SenderFingerprint,
	).Scan(&stored)
	if err != nil {
		return nil, models.NewStorageError("upsert message", err)
	}
	return stored, nil
}

// AppendOpen inserts an open event.
func (s *Postgres) AppendOpen(ctx context.Context, ev *models.OpenEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO open_events
			(id, message_id, resolved_recipient, token, request_fingerprint,
			 client_signature, is_automated, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ev.ID, ev.MessageID, nullIfEmpty(ev.ResolvedRecipient), nullIfEmpty(ev.Token),
		ev.RequestFingerprint, ev.ClientSignature, ev.IsAutomatedFetch, ev.OccurredAt)
	return models.NewStorageError("append open event", err)
}

// AppendClick inserts a click event.
func (s *Postgres) AppendClick(ctx context.Context, ev *models.ClickEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO click_events
			(id, message_id, destination, request_fingerprint, client_signature, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.ID, ev.MessageID, ev.Destination, ev.RequestFingerprint, ev.ClientSignature, ev.OccurredAt)
	return models.NewStorageError("append click event", err)
}

// QueryEvents returns all events for the given messages.
func (s *Postgres) QueryEvents(ctx context.Context, messageIDs []string) ([]models.OpenEvent, []models.ClickEvent, error) {
	if len(messageIDs) == 0 {
		return nil, nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, resolved_recipient, token, request_fingerprint,
		       client_signature, is_automated, occurred_at
		FROM open_events
		WHERE message_id = ANY($1)
		ORDER BY occurred_at, id
	`, messageIDs)
	if err != nil {
		return nil, nil, models.NewStorageError("query open events", err)
	}
	opens, err := collectOpens(rows)
	if err != nil {
		return nil, nil, models.NewStorageError("scan open events", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT id, message_id, destination, request_fingerprint, client_signature, occurred_at
		FROM click_events
		WHERE message_id = ANY($1)
		ORDER BY occurred_at, id
	`, messageIDs)
	if err != nil {
		return nil, nil, models.NewStorageError("query click events", err)
	}
	clicks, err := collectClicks(rows)
	if err != nil {
		return nil, nil, models.NewStorageError("scan click events", err)
	}

	return opens, clicks, nil
}

// AggregateCounts returns raw open/click totals per message.
func (s *Postgres) AggregateCounts(ctx context.Context, messageIDs []string) (map[string]models.EventCounts, error) {
	counts := make(map[string]models.EventCounts)
	if len(messageIDs) == 0 {
		return counts, nil
	}

	for _, q := range []struct {
		table string
		apply func(c *models.EventCounts, n int, last time.Time)
	}{
		{"open_events", func(c *models.EventCounts, n int, last time.Time) { c.Opens, c.LastOpenedAt = n, &last }},
		{"click_events", func(c *models.EventCounts, n int, last time.Time) { c.Clicks, c.LastClickedAt = n, &last }},
	} {
		rows, err := s.pool.Query(ctx, `
			SELECT message_id, COUNT(*), MAX(occurred_at)
			FROM `+q.table+`
			WHERE message_id = ANY($1)
			GROUP BY message_id
		`, messageIDs)
		if err != nil {
			return nil, models.NewStorageError("aggregate "+q.table, err)
		}
		for rows.Next() {
			var (
				id   string
				n    int
				last time.Time
			)
			if err := rows.Scan(&id, &n, &last); err != nil {
				rows.Close()
				return nil, models.NewStorageError("scan "+q.table+" counts", err)
			}
			c := counts[id]
			q.apply(&c, n, last)
			counts[id] = c
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, models.NewStorageError("aggregate "+q.table, err)
		}
	}

	return counts, nil
}

// ListByOwner returns an owner's most recent messages. A zero limit
// returns all of them.
func (s *Postgres) ListByOwner(ctx context.Context, ownerID string, since time.Time, limit int) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE owner_id = $1 AND sent_at >= $2
		ORDER BY sent_at DESC
		LIMIT NULLIF($3::bigint, 0)
	`, ownerID, since, limit)
	if err != nil {
		return nil, models.NewStorageError("list messages", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, models.NewStorageError("scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewStorageError("list messages", err)
	}
	return out, nil
}

// Ping checks the Postgres connection.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// scanMessage scans a single row into a Message.
func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(
		&m.MessageID, &m.OwnerID, &m.SenderAddress, &m.Subject,
		&m.Recipients.Direct, &m.Recipients.Copied, &m.Recipients.BlindCopied,
		&m.RecipientTokens, &m.SentAt, &m.SenderFingerprint, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// collectOpens scans open event rows.
func collectOpens(rows pgx.Rows) ([]models.OpenEvent, error) {
	defer rows.Close()
	var out []models.OpenEvent
	for rows.Next() {
		var (
			ev        models.OpenEvent
			recipient *string
			token     *string
		)
		if err := rows.Scan(
			&ev.ID, &ev.MessageID, &recipient, &token, &ev.RequestFingerprint,
			&ev.ClientSignature, &ev.IsAutomatedFetch, &ev.OccurredAt,
		); err != nil {
			return nil, err
		}
		ev.ResolvedRecipient = deref(recipient)
		ev.Token = deref(token)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// collectClicks scans click event rows.
func collectClicks(rows pgx.Rows) ([]models.ClickEvent, error) {
	defer rows.Close()
	var out []models.ClickEvent
	for rows.Next() {
		var ev models.ClickEvent
		if err := rows.Scan(
			&ev.ID, &ev.MessageID, &ev.Destination, &ev.RequestFingerprint,
			&ev.ClientSignature, &ev.OccurredAt,
		); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
