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

// Package api exposes the tracking engine over HTTP: message registration,
// the open pixel, the click redirect, and status reporting.
//
// Pixel and redirect back passive loads in a recipient's mail client. They
// answer first and record afterwards, and never surface internal failures.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/mailtrack/engine/internal/aggregate"
	"github.com/mailtrack/engine/internal/fingerprint"
	"github.com/mailtrack/engine/internal/ingest"
	"github.com/mailtrack/engine/internal/models"
	"github.com/mailtrack/engine/internal/registry"
)

const maxBodyBytes = 1 << 20

// Registrar registers and looks up messages.
type Registrar interface {
	Register(ctx context.Context, reg registry.Registration) (*registry.Result, error)
	Lookup(ctx context.Context, messageID string) (*models.Message, error)
}

// Ingester records tracking events.
type Ingester interface {
	IngestOpen(ctx context.Context, req ingest.OpenRequest) (*models.OpenEvent, error)
	IngestClick(ctx context.Context, req ingest.ClickRequest) (*models.ClickEvent, error)
}

// Reporter computes read status.
type Reporter interface {
	MessageStatus(ctx context.Context, msg *models.Message) (*aggregate.MessageStatus, error)
	OwnerSummary(ctx context.Context, ownerID string, w aggregate.Window) (*aggregate.OwnerSummary, error)
}

// HealthCheck pings one named dependency.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Handler serves the tracking endpoints.
type Handler struct {
	registry      Registrar
	ingest        Ingester
	reporter      Reporter
	checks        []HealthCheck
	ingestTimeout time.Duration
	started       time.Time
}

// NewHandler creates the HTTP handler set.
func NewHandler(reg Registrar, ing Ingester, rep Reporter, ingestTimeout time.Duration, checks ...HealthCheck) *Handler {
	return &Handler{
		registry:      reg,
		ingest:        ing,
		reporter:      rep,
		checks:        checks,
		ingestTimeout: ingestTimeout,
		started:       time.Now(),
	}
}

// ServeRegister handles POST /register.
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, models.NewValidationError("", "request body must be a JSON object"))
		return
	}

	reg := req.toRegistration()
	reg.OriginIP = fingerprint.ClientIP(r)
	reg.OriginSignature = r.UserAgent()

	res, err := h.registry.Register(r.Context(), reg)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, registerResponse{
		OK:              true,
		MessageID:       res.MessageID,
		OwnerID:         res.OwnerID,
		RecipientTokens: res.RecipientTokens,
	})
}

// ServePixel handles GET /pixel. It always answers 200 with the image and
// records the open once the image has been flushed.
func (h *Handler) ServePixel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	messageID := strings.TrimSpace(firstNonEmpty(q.Get("messageId"), q.Get("uid")))
	tok := strings.TrimSpace(q.Get("token"))
	fp, signature := fingerprint.ForRequest(r)

	writePixel(w)
	flush(w)

	if messageID == "" {
		slog.Debug("pixel load without message id")
		return
	}

	ctx, cancel := h.ingestContext(r)
	defer cancel()
	// Failures are logged and counted by the ingest handler.
	_, _ = h.ingest.IngestOpen(ctx, ingest.OpenRequest{
		MessageID:          messageID,
		Token:              tok,
		RequestFingerprint: fp,
		ClientSignature:    signature,
	})
}

// ServeRedirect handles GET /redirect. The destination is validated before
// anything is recorded; the click is recorded after the redirect is sent.
func (h *Handler) ServeRedirect(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	messageID := strings.TrimSpace(firstNonEmpty(q.Get("messageId"), q.Get("uid")))
	if messageID == "" {
		writeError(w, models.NewValidationError("messageId", "is required"))
		return
	}
	dest, err := ingest.ValidateDestination(firstNonEmpty(q.Get("destination"), q.Get("to")))
	if err != nil {
		writeError(w, err)
		return
	}
	fp, signature := fingerprint.ForRequest(r)

	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, dest, http.StatusFound)
	flush(w)

	ctx, cancel := h.ingestContext(r)
	defer cancel()
	_, _ = h.ingest.IngestClick(ctx, ingest.ClickRequest{
		MessageID:          messageID,
		Destination:        dest,
		RequestFingerprint: fp,
		ClientSignature:    signature,
	})
}

// ServeMessageStatus handles GET /status/message/{messageId}.
func (h *Handler) ServeMessageStatus(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["messageId"]
	msg, err := h.registry.Lookup(r.Context(), messageID)
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := h.reporter.MessageStatus(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newMessageStatusResponse(st))
}

// ServeOwnerStatus handles GET /status/owner/{ownerId}?since=&limit=.
func (h *Handler) ServeOwnerStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["ownerId"]
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, err)
		return
	}
	summary, err := h.reporter.OwnerSummary(r.Context(), ownerID, window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ServeHealth handles GET /health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(h.started).Round(time.Second).String(),
		Checks: make(map[string]string, len(h.checks)),
	}
	code := http.StatusOK
	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			slog.Warn("health check failed", "check", c.Name, "error", err)
			resp.Checks[c.Name] = "unavailable"
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, resp)
}

// ingestContext detaches event recording from the client connection, which
// may already be gone once the response is flushed.
func (h *Handler) ingestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.ingestTimeout)
}

func parseWindow(r *http.Request) (aggregate.Window, error) {
	var w aggregate.Window
	q := r.URL.Query()
	if s := q.Get("since"); s != "" {
		t, err := parseTime(s)
		if err != nil {
			return w, models.NewValidationError("since", "must be RFC 3339 or unix milliseconds")
		}
		w.Since = t
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return w, models.NewValidationError("limit", "must be a non-negative integer")
		}
		w.Limit = n
	}
	return w, nil
}

func parseTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps the error taxonomy onto status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case models.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "message not found"})
	case models.IsStorage(err):
		slog.Error("storage unavailable", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unavailable"})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
