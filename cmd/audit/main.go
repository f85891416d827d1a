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

// Mail Tracking Engine: Open Audit Command
//
// Standalone CLI tool that re-runs open validation over stored events with
// the current configuration and reports how often each rejection rule
// fired. Use it to investigate false positives before and after tuning
// grace windows. It never modifies stored events.
//
// Usage:
//
//	go run ./cmd/audit/ --owner <id>[,<id>] [--messages id1,id2] [--since 168h] [--limit 200] [--rejections]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailtrack/engine/internal/audit"
	"github.com/mailtrack/engine/internal/config"
	"github.com/mailtrack/engine/internal/store"
	"github.com/mailtrack/engine/internal/validation"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	ownerFlag := flag.String("owner", "", "Comma-separated owner IDs to audit")
	messagesFlag := flag.String("messages", "", "Comma-separated message IDs to audit")
	sinceFlag := flag.String("since", "0", "Lookback on send time (e.g. 168h); 0 audits everything")
	limitFlag := flag.Int("limit", 0, "Maximum messages per owner; 0 is unbounded")
	rejectionsFlag := flag.Bool("rejections", false, "Log every rejected open")
	flag.Parse()

	owners := splitList(*ownerFlag)
	messages := splitList(*messagesFlag)
	if len(owners) == 0 && len(messages) == 0 {
		fmt.Fprintf(os.Stderr, "Error: --owner or --messages is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	since, err := time.ParseDuration(*sinceFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != config.StorePostgres {
		slog.Error("audit needs the postgres store", "driver", cfg.StoreDriver)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	st, err := store.NewPostgres(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise message store", "error", err)
		os.Exit(1)
	}

	// --- Run Audit ---
	runner := audit.NewRunner(audit.RunnerConfig{
		Source:     st,
		Validator:  validation.New(cfg.Validation),
		BatchSize:  100,
		BatchDelay: 50 * time.Millisecond,
	})

	result, err := runner.Run(ctx, audit.Request{
		OwnerIDs:          owners,
		MessageIDs:        messages,
		Since:             since,
		Limit:             *limitFlag,
		IncludeRejections: *rejectionsFlag,
	})
	if err != nil {
		slog.Error("audit failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("audit complete",
		"messages", len(result.Messages),
		"opens", result.TotalOpens,
		"clicks", result.TotalClicks,
		"missing", result.MissingIDs,
		"elapsed", result.Elapsed,
	)

	for _, reason := range audit.SortedReasons(result.Reasons) {
		slog.Info("verdict total", "reason", string(reason), "count", result.Reasons[reason])
	}

	for _, mr := range result.Messages {
		slog.Info("message result",
			"message_id", mr.MessageID,
			"owner_id", mr.OwnerID,
			"opens", mr.Opens,
			"accepted", mr.Accepted,
			"clicks", mr.Clicks,
		)
	}

	for _, rj := range result.Rejections {
		slog.Info("rejected open",
			"message_id", rj.MessageID,
			"event_id", rj.EventID,
			"recipient", rj.Recipient,
			"reason", string(rj.Reason),
			"since_sent", rj.SinceSent,
			"automated", rj.Automated,
		)
	}
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
