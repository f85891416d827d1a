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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtrack/engine/internal/models"
)

func TestMemory_Contract(t *testing.T) {
	runContract(t, NewMemory())
}

// TestPostgres_Contract runs against a real database when TEST_DATABASE_URL
// is set.
func TestPostgres_Contract(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := NewPostgres(ctx, pool)
	require.NoError(t, err)
	runContract(t, s)
}

func runContract(t *testing.T, s Store) {
	ctx := context.Background()
	prefix := uuid.NewString()
	owner := "owner-" + prefix
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("get missing", func(t *testing.T) {
		m, err := s.Get(ctx, prefix+"-missing")
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	msgID := prefix + "-m1"
	t.Run("upsert and get", func(t *testing.T) {
		tokens, err := s.Upsert(ctx, &models.Message{
			MessageID:     msgID,
			OwnerID:       owner,
			SenderAddress: "s@x.com",
			Subject:       "hello",
			Recipients: models.Recipients{
				Direct: []string{"a@x.com"},
				Copied: []string{"b@x.com"},
			},
			RecipientTokens:   models.TokenMap{"a@x.com": "tok-a", "b@x.com": "tok-b"},
			SentAt:            t0,
			SenderFingerprint: "fp",
		})
		require.NoError(t, err)
		assert.Equal(t, models.TokenMap{"a@x.com": "tok-a", "b@x.com": "tok-b"}, tokens)

		m, err := s.Get(ctx, msgID)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, owner, m.OwnerID)
		assert.Equal(t, []string{"a@x.com"}, m.Recipients.Direct)
		assert.Equal(t, []string{"b@x.com"}, m.Recipients.Copied)
		assert.Empty(t, m.Recipients.BlindCopied)
		assert.Equal(t, "fp", m.SenderFingerprint)
		assert.True(t, t0.Equal(m.SentAt))
	})

	t.Run("re-upsert keeps existing tokens", func(t *testing.T) {
		tokens, err := s.Upsert(ctx, &models.Message{
			MessageID: msgID,
			OwnerID:   owner,
			Subject:   "hello again",
			Recipients: models.Recipients{
				Direct: []string{"a@x.com", "c@x.com"},
			},
			RecipientTokens: models.TokenMap{"a@x.com": "other-a", "c@x.com": "tok-c"},
			SentAt:          t0,
		})
		require.NoError(t, err)
		assert.Equal(t, models.TokenMap{"a@x.com": "tok-a", "c@x.com": "tok-c"}, tokens)

		m, err := s.Get(ctx, msgID)
		require.NoError(t, err)
		assert.Equal(t, "hello again", m.Subject)
		assert.Equal(t, tokens, m.RecipientTokens)
	})

	t.Run("stale upsert never shares a token", func(t *testing.T) {
		id := prefix + "-stale"
		_, err := s.Upsert(ctx, &models.Message{
			MessageID:       id,
			OwnerID:         owner,
			Recipients:      models.Recipients{Direct: []string{"a@x.com"}},
			RecipientTokens: models.TokenMap{"a@x.com": "X"},
			SentAt:          t0,
		})
		require.NoError(t, err)

		// A second writer that read the map before the first insert proposes
		// X for a different address.
		tokens, err := s.Upsert(ctx, &models.Message{
			MessageID:       id,
			OwnerID:         owner,
			Recipients:      models.Recipients{Direct: []string{"a@x.com", "b@x.com"}},
			RecipientTokens: models.TokenMap{"a@x.com": "Y", "b@x.com": "X"},
			SentAt:          t0,
		})
		require.NoError(t, err)
		assert.Equal(t, "X", tokens["a@x.com"])
		assert.NotEmpty(t, tokens["b@x.com"])
		assert.NotEqual(t, "X", tokens["b@x.com"])

		m, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, tokens, m.RecipientTokens)
		addr, ok := m.RecipientTokens.Lookup("X")
		require.True(t, ok)
		assert.Equal(t, "a@x.com", addr)
	})

	t.Run("concurrent upserts agree on tokens", func(t *testing.T) {
		id := prefix + "-race"
		var wg sync.WaitGroup
		results := make([]models.TokenMap, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tokens, err := s.Upsert(ctx, &models.Message{
					MessageID:       id,
					OwnerID:         owner,
					Recipients:      models.Recipients{Direct: []string{"r@x.com"}},
					RecipientTokens: models.TokenMap{"r@x.com": uuid.NewString()},
					SentAt:          t0,
				})
				assert.NoError(t, err)
				results[i] = tokens
			}(i)
		}
		wg.Wait()

		m, err := s.Get(ctx, id)
		require.NoError(t, err)
		// Every caller after the first insert sees the first token.
		first := m.RecipientTokens["r@x.com"]
		matches := 0
		for _, r := range results {
			if r["r@x.com"] == first {
				matches++
			}
		}
		assert.GreaterOrEqual(t, matches, len(results)-1)
	})

	t.Run("events", func(t *testing.T) {
		require.NoError(t, s.AppendOpen(ctx, &models.OpenEvent{
			ID: uuid.NewString(), MessageID: msgID, Token: "tok-a", ResolvedRecipient: "a@x.com",
			RequestFingerprint: "fp1", OccurredAt: t0.Add(2 * time.Minute),
		}))
		require.NoError(t, s.AppendOpen(ctx, &models.OpenEvent{
			ID: uuid.NewString(), MessageID: msgID, RequestFingerprint: "fp2",
			IsAutomatedFetch: true, OccurredAt: t0.Add(time.Minute),
		}))
		require.NoError(t, s.AppendClick(ctx, &models.ClickEvent{
			ID: uuid.NewString(), MessageID: msgID, Destination: "https://example.com",
			RequestFingerprint: "fp1", OccurredAt: t0.Add(3 * time.Minute),
		}))

		opens, clicks, err := s.QueryEvents(ctx, []string{msgID})
		require.NoError(t, err)
		require.Len(t, opens, 2)
		require.Len(t, clicks, 1)
		assert.True(t, opens[0].IsAutomatedFetch, "ordered by occurrence")
		assert.Empty(t, opens[0].ResolvedRecipient)
		assert.Empty(t, opens[0].Token)
		assert.Equal(t, "a@x.com", opens[1].ResolvedRecipient)
		assert.Equal(t, "https://example.com", clicks[0].Destination)

		counts, err := s.AggregateCounts(ctx, []string{msgID, prefix + "-none"})
		require.NoError(t, err)
		c := counts[msgID]
		assert.Equal(t, 2, c.Opens)
		assert.Equal(t, 1, c.Clicks)
		require.NotNil(t, c.LastOpenedAt)
		assert.True(t, t0.Add(2*time.Minute).Equal(*c.LastOpenedAt))
		_, ok := counts[prefix+"-none"]
		assert.False(t, ok)
	})

	t.Run("list by owner", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := s.Upsert(ctx, &models.Message{
				MessageID: prefix + "-list-" + string(rune('a'+i)),
				OwnerID:   owner + "-list",
				SentAt:    t0.Add(time.Duration(i) * time.Hour),
			})
			require.NoError(t, err)
		}

		msgs, err := s.ListByOwner(ctx, owner+"-list", time.Time{}, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, prefix+"-list-c", msgs[0].MessageID)
		assert.Equal(t, prefix+"-list-b", msgs[1].MessageID)

		msgs, err = s.ListByOwner(ctx, owner+"-list", t0.Add(90*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, prefix+"-list-c", msgs[0].MessageID)
	})

	assert.NoError(t, s.Ping(ctx))
}
