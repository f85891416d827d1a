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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mailtrack/engine/internal/aggregate"
	"github.com/mailtrack/engine/internal/models"
	"github.com/mailtrack/engine/internal/registry"
)

// transparentGIF is a 1x1 transparent GIF89a.
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0xff, 0xff,
	0x21, 0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00,
	0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00,
	0x02, 0x02, 0x44, 0x01, 0x00,
	0x3b,
}

func writePixel(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "image/gif")
	h.Set("Content-Length", strconv.Itoa(len(transparentGIF)))
	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, proxy-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	w.Write(transparentGIF)
}

// flexTime accepts RFC 3339 strings and unix milliseconds.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		parsed, err := parseTime(s)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return fmt.Errorf("parse time: %w", err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

type recipientsPayload struct {
	Direct      []string `json:"direct"`
	Copied      []string `json:"copied"`
	BlindCopied []string `json:"blindCopied"`

	// Legacy field names.
	To  []string `json:"to"`
	Cc  []string `json:"cc"`
	Bcc []string `json:"bcc"`
}

type registerRequest struct {
	MessageID       string            `json:"messageId"`
	OwnerID         string            `json:"ownerId"`
	SenderAddress   string            `json:"senderAddress"`
	Subject         string            `json:"subject"`
	Recipients      recipientsPayload `json:"recipients"`
	RecipientTokens models.TokenMap   `json:"recipientTokens"`
	ExistingTokens  models.TokenMap   `json:"existingTokens"`
	SentAt          flexTime          `json:"sentAt"`

	// Legacy field names.
	UID         string   `json:"uid"`
	UserID      string   `json:"userId"`
	SenderEmail string   `json:"senderEmail"`
	Timestamp   flexTime `json:"timestamp"`
}

func (req registerRequest) toRegistration() registry.Registration {
	tokens := make(models.TokenMap, len(req.RecipientTokens)+len(req.ExistingTokens))
	for addr, tok := range req.RecipientTokens {
		tokens[addr] = tok
	}
	for addr, tok := range req.ExistingTokens {
		tokens[addr] = tok
	}

	sentAt := req.SentAt.Time
	if sentAt.IsZero() {
		sentAt = req.Timestamp.Time
	}

	return registry.Registration{
		MessageID:     firstNonEmpty(req.MessageID, req.UID),
		OwnerID:       firstNonEmpty(req.OwnerID, req.UserID),
		SenderAddress: firstNonEmpty(req.SenderAddress, req.SenderEmail),
		Subject:       req.Subject,
		Recipients: models.Recipients{
			Direct:      append(req.Recipients.Direct, req.Recipients.To...),
			Copied:      append(req.Recipients.Copied, req.Recipients.Cc...),
			BlindCopied: append(req.Recipients.BlindCopied, req.Recipients.Bcc...),
		},
		SentAt:         sentAt,
		ExistingTokens: tokens,
	}
}

type registerResponse struct {
	OK              bool            `json:"ok"`
	MessageID       string          `json:"messageId"`
	OwnerID         string          `json:"ownerId"`
	RecipientTokens models.TokenMap `json:"recipientTokens"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime"`
	Checks map[string]string `json:"checks,omitempty"`
}

type messageView struct {
	MessageID     string            `json:"messageId"`
	OwnerID       string            `json:"ownerId"`
	SenderAddress string            `json:"senderAddress,omitempty"`
	Subject       string            `json:"subject"`
	Recipients    models.Recipients `json:"recipients"`
	SentAt        time.Time         `json:"sentAt"`
}

type openView struct {
	ID               string    `json:"id"`
	Recipient        string    `json:"recipient,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
	SecondsSinceSent float64   `json:"secondsSinceSent"`
	Automated        bool      `json:"automated"`
	Accepted         bool      `json:"accepted"`
	Reason           string    `json:"reason"`
}

type clickView struct {
	ID          string    `json:"id"`
	Destination string    `json:"destination"`
	OccurredAt  time.Time `json:"occurredAt"`
}

type messageStatusResponse struct {
	Message               messageView                 `json:"message"`
	OpenCount             int                         `json:"openCount"`
	ClickCount            int                         `json:"clickCount"`
	UnattributedOpenCount int                         `json:"unattributedOpenCount"`
	LastOpenedAt          *time.Time                  `json:"lastOpenedAt"`
	LastClickedAt         *time.Time                  `json:"lastClickedAt"`
	RecipientStatus       []aggregate.RecipientStatus `json:"recipientStatus"`
	Opens                 []openView                  `json:"opens"`
	Clicks                []clickView                 `json:"clicks"`
}

func newMessageStatusResponse(st *aggregate.MessageStatus) messageStatusResponse {
	m := st.Message
	resp := messageStatusResponse{
		Message: messageView{
			MessageID:     m.MessageID,
			OwnerID:       m.OwnerID,
			SenderAddress: m.SenderAddress,
			Subject:       m.Subject,
			Recipients:    m.Recipients,
			SentAt:        m.SentAt,
		},
		OpenCount:             st.OpenCount,
		ClickCount:            st.ClickCount,
		UnattributedOpenCount: st.UnattributedOpens,
		LastOpenedAt:          st.LastOpenedAt,
		LastClickedAt:         st.LastClickedAt,
		RecipientStatus:       st.RecipientStatus,
		Opens:                 make([]openView, 0, len(st.Opens)),
		Clicks:                make([]clickView, 0, len(st.Clicks)),
	}
	for _, v := range st.Opens {
		resp.Opens = append(resp.Opens, openView{
			ID:               v.Event.ID,
			Recipient:        v.Recipient,
			OccurredAt:       v.Event.OccurredAt,
			SecondsSinceSent: v.SinceSent.Seconds(),
			Automated:        v.Event.IsAutomatedFetch,
			Accepted:         v.Accepted,
			Reason:           string(v.Reason),
		})
	}
	for _, c := range st.Clicks {
		resp.Clicks = append(resp.Clicks, clickView{
			ID:          c.ID,
			Destination: c.Destination,
			OccurredAt:  c.OccurredAt,
		})
	}
	return resp
}
