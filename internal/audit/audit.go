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

// Package audit re-runs open validation over stored events and reports how
// each rejection rule fired. It is read-only: events are never mutated, so
// an audit after a configuration change shows exactly what the new grace
// windows would report.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mailtrack/engine/internal/models"
	"github.com/mailtrack/engine/internal/validation"
)

// Request defines the scope of an audit run. Messages named explicitly are
// audited in addition to those found for the owners.
type Request struct {
	OwnerIDs   []string
	MessageIDs []string
	Since      time.Duration // lookback on send time; zero means everything
	Limit      int           // per owner; zero means unbounded

	IncludeRejections bool
}

// Result summarises a completed audit run.
type Result struct {
	Messages    []MessageResult
	Reasons     map[validation.Reason]int
	TotalOpens  int
	TotalClicks int
	Rejections  []Rejection
	MissingIDs  []string
	Elapsed     time.Duration
}

// MessageResult tracks per-message verdicts.
type MessageResult struct {
	MessageID string
	OwnerID   string
	Opens     int
	Accepted  int
	Clicks    int
	Reasons   map[validation.Reason]int
}

// Rejection is one discarded open, reported for investigation.
type Rejection struct {
	MessageID string
	EventID   string
	Recipient string
	Reason    validation.Reason
	SinceSent time.Duration
	Automated bool
}

// Source is the read side of the store the audit needs.
type Source interface {
	Get(ctx context.Context, messageID string) (*models.Message, error)
	ListByOwner(ctx context.Context, ownerID string, since time.Time, limit int) ([]*models.Message, error)
	QueryEvents(ctx context.Context, messageIDs []string) ([]models.OpenEvent, []models.ClickEvent, error)
}

// Runner performs audits.
type Runner struct {
	source     Source
	validator  *validation.Validator
	batchSize  int
	batchDelay time.Duration // pause between event queries to spare the store
	now        func() time.Time
}

// RunnerConfig holds dependencies for the audit runner.
type RunnerConfig struct {
	Source     Source
	Validator  *validation.Validator
	BatchSize  int
	BatchDelay time.Duration
}

// NewRunner creates an audit runner.
func NewRunner(cfg RunnerConfig) *Runner {
	size := cfg.BatchSize
	if size <= 0 {
		size = 100
	}
	return &Runner{
		source:     cfg.Source,
		validator:  cfg.Validator,
		batchSize:  size,
		batchDelay: cfg.BatchDelay,
		now:        time.Now,
	}
}

// Run audits every message in scope.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	result := &Result{Reasons: make(map[validation.Reason]int)}

	msgs, err := r.collect(ctx, req, result)
	if err != nil {
		return nil, err
	}

	slog.Info("starting open audit",
		"owners", len(req.OwnerIDs),
		"messages", len(msgs),
	)

	for i, batchStart := 0, 0; batchStart < len(msgs); i, batchStart = i+1, batchStart+r.batchSize {
		if i > 0 && r.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.batchDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := min(batchStart+r.batchSize, len(msgs))
		if err := r.auditBatch(ctx, msgs[batchStart:end], req.IncludeRejections, result); err != nil {
			return nil, fmt.Errorf("audit batch %d: %w", i, err)
		}
	}

	result.Elapsed = time.Since(start)

	slog.Info("open audit complete",
		"messages", len(result.Messages),
		"opens", result.TotalOpens,
		"accepted", result.Reasons[validation.Accepted],
		"missing", len(result.MissingIDs),
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// collect resolves the request into a deduplicated message list.
func (r *Runner) collect(ctx context.Context, req Request, result *Result) ([]*models.Message, error) {
	var since time.Time
	if req.Since > 0 {
		since = r.now().Add(-req.Since)
	}

	seen := make(map[string]bool)
	var msgs []*models.Message
	add := func(m *models.Message) {
		if !seen[m.MessageID] {
			seen[m.MessageID] = true
			msgs = append(msgs, m)
		}
	}

	for _, owner := range req.OwnerIDs {
		found, err := r.source.ListByOwner(ctx, owner, since, req.Limit)
		if err != nil {
			return nil, fmt.Errorf("list messages for %s: %w", owner, err)
		}
		for _, m := range found {
			add(m)
		}
	}
	for _, id := range req.MessageIDs {
		if seen[id] {
			continue
		}
		m, err := r.source.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}
		if m == nil {
			slog.Warn("audit: message not registered", "message_id", id)
			result.MissingIDs = append(result.MissingIDs, id)
			continue
		}
		add(m)
	}
	return msgs, nil
}

func (r *Runner) auditBatch(ctx context.Context, msgs []*models.Message, withRejections bool, result *Result) error {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.MessageID
	}
	opens, clicks, err := r.source.QueryEvents(ctx, ids)
	if err != nil {
		return err
	}

	opensByMsg := make(map[string][]models.OpenEvent)
	for _, ev := range opens {
		opensByMsg[ev.MessageID] = append(opensByMsg[ev.MessageID], ev)
	}
	clicksByMsg := make(map[string]int)
	for _, ev := range clicks {
		clicksByMsg[ev.MessageID]++
	}

	for _, m := range msgs {
		mr := MessageResult{
			MessageID: m.MessageID,
			OwnerID:   m.OwnerID,
			Clicks:    clicksByMsg[m.MessageID],
			Reasons:   make(map[validation.Reason]int),
		}
		for _, vd := range r.validator.ClassifyAll(m, opensByMsg[m.MessageID]) {
			mr.Opens++
			mr.Reasons[vd.Reason]++
			result.Reasons[vd.Reason]++
			if vd.Accepted {
				mr.Accepted++
				continue
			}
			if withRejections {
				result.Rejections = append(result.Rejections, Rejection{
					MessageID: m.MessageID,
					EventID:   vd.Event.ID,
					Recipient: vd.Recipient,
					Reason:    vd.Reason,
					SinceSent: vd.SinceSent,
					Automated: vd.Event.IsAutomatedFetch,
				})
			}
		}
		result.TotalOpens += mr.Opens
		result.TotalClicks += mr.Clicks
		result.Messages = append(result.Messages, mr)
	}
	return nil
}

// SortedReasons returns the reasons of counts ordered by descending count,
// then by name.
func SortedReasons(counts map[validation.Reason]int) []validation.Reason {
	out := make([]validation.Reason, 0, len(counts))
	for reason := range counts {
		out = append(out, reason)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}
