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

// Package cache provides non-authoritative message caches placed in front
// of the registry's store lookups. A miss always falls back to the store;
// nothing here is ever the source of truth.
package cache

import (
	"context"

	"github.com/mailtrack/engine/internal/models"
)

// Cache stores recently used messages. Implementations must be safe for
// concurrent use and must hand out copies that callers may not mutate
// through.
type Cache interface {
	Get(ctx context.Context, messageID string) (*models.Message, bool)
	Set(ctx context.Context, msg *models.Message)
	Invalidate(ctx context.Context, messageID string)
}

// Nop never caches anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (*models.Message, bool) { return nil, false }
func (Nop) Set(context.Context, *models.Message)                {}
func (Nop) Invalidate(context.Context, string)                  {}

// Chain consults tiers in order. A hit in a later tier is copied into the
// earlier ones.
type Chain []Cache

func (c Chain) Get(ctx context.Context, messageID string) (*models.Message, bool) {
	for i, tier := range c {
		if m, ok := tier.Get(ctx, messageID); ok {
			for _, earlier := range c[:i] {
				earlier.Set(ctx, m)
			}
			return m, true
		}
	}
	return nil, false
}

func (c Chain) Set(ctx context.Context, msg *models.Message) {
	for _, tier := range c {
		tier.Set(ctx, msg)
	}
}

func (c Chain) Invalidate(ctx context.Context, messageID string) {
	for _, tier := range c {
		tier.Invalidate(ctx, messageID)
	}
}

func clone(m *models.Message) *models.Message {
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
