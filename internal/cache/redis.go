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
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailtrack/engine/internal/metrics"
	"github.com/mailtrack/engine/internal/models"
)

// keyPrefix namespaces cached messages in Redis.
const keyPrefix = "mailtrack:message:"

// Redis is a cache tier shared between service instances. Redis errors are
// logged and treated as misses.
type Redis struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewRedis creates a Redis-backed cache with the given entry TTL.
func NewRedis(rdb redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func (c *Redis) Get(ctx context.Context, messageID string) (*models.Message, bool) {
	data, err := c.rdb.Get(ctx, keyPrefix+messageID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("redis cache get failed", "message_id", messageID, "error", err)
		}
		metrics.RecordCacheLookup("redis", false)
		return nil, false
	}

	var m models.Message
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("discarding undecodable cache entry", "message_id", messageID, "error", err)
		c.Invalidate(ctx, messageID)
		metrics.RecordCacheLookup("redis", false)
		return nil, false
	}
	metrics.RecordCacheLookup("redis", true)
	return &m, true
}

func (c *Redis) Set(ctx context.Context, msg *models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal message for cache failed", "message_id", msg.MessageID, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+msg.MessageID, data, c.ttl).Err(); err != nil {
		slog.Warn("redis cache set failed", "message_id", msg.MessageID, "error", err)
	}
}

func (c *Redis) Invalidate(ctx context.Context, messageID string) {
	if err := c.rdb.Del(ctx, keyPrefix+messageID).Err(); err != nil {
		slog.Warn("redis cache invalidate failed", "message_id", messageID, "error", err)
	}
}
