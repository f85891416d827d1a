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

// Package store persists registered messages and the append-only open and
// click event logs. The engine depends only on the Store interface; the
// Postgres implementation is used in production and Memory in tests and
// single-node development.
package store

import (
	"context"
	"time"

	"github.com/mailtrack/engine/internal/models"
)

// Store is the persistence interface consumed by the engine.
type Store interface {
	// Get returns the message, or (nil, nil) if it does not exist.
	Get(ctx context.Context, messageID string) (*models.Message, error)

	// Upsert inserts or updates a message keyed on MessageID. On conflict
	// every field is overwritten except recipient tokens, which are merged
	// with models.TokenMap.Reconcile semantics atomically. It returns the
	// stored token map.
	Upsert(ctx context.Context, msg *models.Message) (models.TokenMap, error)

	AppendOpen(ctx context.Context, ev *models.OpenEvent) error
	AppendClick(ctx context.Context, ev *models.ClickEvent) error

	// QueryEvents returns the events of the given messages ordered by
	// occurrence time.
	QueryEvents(ctx context.Context, messageIDs []string) ([]models.OpenEvent, []models.ClickEvent, error)

	// AggregateCounts returns raw event totals keyed by message ID. Messages
	// without events are absent from the result.
	AggregateCounts(ctx context.Context, messageIDs []string) (map[string]models.EventCounts, error)

	// ListByOwner returns an owner's messages sent at or after since, most
	// recent first, at most limit. A zero limit means no bound.
	ListByOwner(ctx context.Context, ownerID string, since time.Time, limit int) ([]*models.Message, error)

	Ping(ctx context.Context) error
}
