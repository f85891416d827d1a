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

package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mailtrack/engine/internal/metrics"
	"github.com/mailtrack/engine/internal/models"
)

// LRU is a bounded in-process cache evicting the least recently used
// message. Entries also expire after ttl so that registrations applied by
// other instances become visible.
type LRU struct {
	lru *expirable.LRU[string, *models.Message]
}

// NewLRU creates an LRU cache holding at most size messages. A zero ttl
// disables expiry.
func NewLRU(size int, ttl time.Duration) *LRU {
	return &LRU{lru: expirable.NewLRU[string, *models.Message](size, nil, ttl)}
}

func (c *LRU) Get(_ context.Context, messageID string) (*models.Message, bool) {
	m, ok := c.lru.Get(messageID)
	metrics.RecordCacheLookup("lru", ok)
	if !ok {
		return nil, false
	}
	return clone(m), true
}

func (c *LRU) Set(_ context.Context, msg *models.Message) {
	c.lru.Add(msg.MessageID, clone(msg))
}

func (c *LRU) Invalidate(_ context.Context, messageID string) {
	c.lru.Remove(messageID)
}

// Len returns the number of cached messages.
func (c *LRU) Len() int {
	return c.lru.Len()
}
