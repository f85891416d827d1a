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

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/mailtrack/engine/internal/config"
	"github.com/mailtrack/engine/internal/metrics"
)

// RouterOptions configures the middleware stack.
type RouterOptions struct {
	CORSOrigins []string

	// Limiter throttles the registration and status endpoints. Nil
	// disables rate limiting. Pixel and redirect are never throttled.
	Limiter *limiter.Limiter
}

// NewRouter builds the HTTP routing table.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	limit := func(next http.Handler) http.Handler { return next }
	if opts.Limiter != nil {
		limit = stdlib.NewMiddleware(opts.Limiter).Handler
	}
	status := func(fn http.HandlerFunc) http.Handler {
		return limit(gziphandler.GzipHandler(fn))
	}

	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/register", limit(http.HandlerFunc(h.ServeRegister))).Methods(http.MethodPost)

	r.HandleFunc("/pixel", h.ServePixel).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/pixel.gif", h.ServePixel).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/redirect", h.ServeRedirect).Methods(http.MethodGet)

	r.Handle("/status/message/{messageId}", status(h.ServeMessageStatus)).Methods(http.MethodGet)
	r.Handle("/status/owner/{ownerId}", status(h.ServeOwnerStatus)).Methods(http.MethodGet)
	// Legacy paths used by older extension builds.
	r.Handle("/stats/user/{ownerId}", status(h.ServeOwnerStatus)).Methods(http.MethodGet)
	r.Handle("/stats/{messageId}", status(h.ServeMessageStatus)).Methods(http.MethodGet)

	r.HandleFunc("/health", h.ServeHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Pixels and links are loaded from arbitrary webmail origins.
	return cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

// NewLimiter builds the rate limiter. Counters live in Redis when a client
// is given so that all instances share them, otherwise in memory.
func NewLimiter(cfg config.RateLimitConfig, rdb *redis.Client) *limiter.Limiter {
	rate := limiter.Rate{Period: cfg.Period, Limit: cfg.Limit}

	var store limiter.Store = memory.NewStore()
	if rdb != nil {
		s, err := sredis.NewStoreWithOptions(rdb, limiter.StoreOptions{
			Prefix:   "mailtrack:limiter",
			MaxRetry: 3,
		})
		if err != nil {
			slog.Warn("redis rate limit store unavailable, falling back to memory", "error", err)
		} else {
			store = s
		}
	}
	return limiter.New(store, rate, limiter.WithTrustForwardHeader(true))
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument logs every request and records its latency under the route
// template, so path parameters do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		code := rec.code
		if code == 0 {
			code = http.StatusOK
		}
		elapsed := time.Since(start)
		metrics.ObserveRequest(route, r.Method, strconv.Itoa(code), elapsed.Seconds())
		slog.Debug("request served",
			"method", r.Method,
			"route", route,
			"status", code,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// Serve starts the HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections. Cancelling ctx drains in-flight
// requests for up to shutdownTimeout; the second channel closes once the
// server has stopped.
func Serve(ctx context.Context, port int, handler http.Handler, shutdownTimeout time.Duration) (<-chan struct{}, <-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind http port %d: %w", port, err)
	}

	ready := make(chan struct{})
	drained := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(drained)
		<-ctx.Done()
		slog.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown incomplete", "error", err)
			server.Close()
		}
	}()

	go func() {
		defer close(done)
		slog.Info("http server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			return
		}
		// Serve returns as soon as Shutdown starts; wait for the drain.
		<-drained
	}()

	return ready, done, nil
}
