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

package validation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtrack/engine/internal/config"
	"github.com/mailtrack/engine/internal/models"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func defaultValidator() *Validator {
	return New(config.Defaults().Validation)
}

func baseMessage() *models.Message {
	return &models.Message{
		MessageID:         "m1",
		SenderAddress:     "s@x.com",
		Recipients:        models.Recipients{Direct: []string{"r@x.com"}},
		RecipientTokens:   models.TokenMap{"r@x.com": "tok-r", "s@x.com": "tok-s"},
		SentAt:            t0,
		SenderFingerprint: "sender-fp",
	}
}

func open(id, recipient string, after time.Duration, automated bool) models.OpenEvent {
	return models.OpenEvent{
		ID:                 id,
		MessageID:          "m1",
		ResolvedRecipient:  recipient,
		RequestFingerprint: "fp-" + id,
		IsAutomatedFetch:   automated,
		OccurredAt:         t0.Add(after),
	}
}

// Sender previews at +2s, recipient opens at +60s.
func TestClassify_ScenarioA(t *testing.T) {
	v := defaultValidator()
	msg := baseMessage()
	events := []models.OpenEvent{
		open("e1", "s@x.com", 2*time.Second, false),
		open("e2", "r@x.com", 60*time.Second, false),
	}

	verdicts := v.ClassifyAll(msg, events)

	assert.Equal(t, ReasonSenderSelfView, verdicts[0].Reason)
	assert.False(t, verdicts[0].Accepted)
	assert.Equal(t, Accepted, verdicts[1].Reason)
	assert.True(t, verdicts[1].Accepted)
	assert.Equal(t, 60*time.Second, verdicts[1].SinceSent)
}

// Unattributed load at +0.3s, sole automated fetch at +77s.
func TestClassify_ScenarioB(t *testing.T) {
	v := defaultValidator()
	msg := baseMessage()
	events := []models.OpenEvent{
		open("e1", "", 300*time.Millisecond, false),
		open("e2", "r@x.com", 77*time.Second, true),
	}

	verdicts := v.ClassifyAll(msg, events)

	assert.Equal(t, ReasonNoRecipient, verdicts[0].Reason)
	assert.Equal(t, Accepted, verdicts[1].Reason)
}

func TestClassify_Rules(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(m *models.Message)
		event    models.OpenEvent
		siblings []models.OpenEvent
		want     Reason
	}{
		{
			name:  "sender self view regardless of timing",
			event: open("e", "S@X.com", 48*time.Hour, false),
			want:  ReasonSenderSelfView,
		},
		{
			name: "sender origin echo inside window",
			event: func() models.OpenEvent {
				e := open("e", "r@x.com", 8*time.Second, false)
				e.RequestFingerprint = "sender-fp"
				return e
			}(),
			want: ReasonSenderOriginEcho,
		},
		{
			name: "sender origin after window is accepted",
			event: func() models.OpenEvent {
				e := open("e", "r@x.com", 11*time.Second, false)
				e.RequestFingerprint = "sender-fp"
				return e
			}(),
			want: Accepted,
		},
		{
			name: "echo before send time (clock skew)",
			event: func() models.OpenEvent {
				e := open("e", "r@x.com", -time.Second, false)
				e.RequestFingerprint = "sender-fp"
				return e
			}(),
			want: ReasonSenderOriginEcho,
		},
		{
			name:   "empty sender fingerprint never echoes",
			mutate: func(m *models.Message) { m.SenderFingerprint = "" },
			event: func() models.OpenEvent {
				e := open("e", "r@x.com", 8*time.Second, false)
				e.RequestFingerprint = ""
				return e
			}(),
			want: Accepted,
		},
		{
			name:     "automated fetch corroborated by direct load",
			event:    open("e", "r@x.com", 90*time.Second, true),
			siblings: []models.OpenEvent{open("d", "r@x.com", 120*time.Second, false)},
			want:     ReasonRedundantProxyFetch,
		},
		{
			name:     "direct load of another recipient does not corroborate",
			event:    open("e", "r@x.com", 90*time.Second, true),
			siblings: []models.OpenEvent{open("d", "q@x.com", 120*time.Second, false)},
			want:     Accepted,
		},
		{
			name:  "sole automated fetch too early",
			event: open("e", "r@x.com", 20*time.Second, true),
			want:  ReasonTooSoon,
		},
		{
			name:  "sole automated fetch exactly at proxy window",
			event: open("e", "r@x.com", 30*time.Second, true),
			want:  ReasonTooSoon,
		},
		{
			name:  "sole automated fetch after proxy window",
			event: open("e", "r@x.com", 31*time.Second, true),
			want:  Accepted,
		},
		{
			name:  "direct load too soon",
			event: open("e", "r@x.com", 4*time.Second, false),
			want:  ReasonTooSoon,
		},
		{
			name:  "direct load at min delay",
			event: open("e", "r@x.com", 5*time.Second, false),
			want:  Accepted,
		},
		{
			name:  "token resolved at read time",
			event: models.OpenEvent{ID: "e", Token: "tok-r", RequestFingerprint: "x", OccurredAt: t0.Add(time.Minute)},
			want:  Accepted,
		},
		{
			name:  "sender token resolved at read time",
			event: models.OpenEvent{ID: "e", Token: "tok-s", RequestFingerprint: "x", OccurredAt: t0.Add(time.Minute)},
			want:  ReasonSenderSelfView,
		},
	}

	v := defaultValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := baseMessage()
			if tt.mutate != nil {
				tt.mutate(msg)
			}
			got := v.Classify(msg, tt.event, append(tt.siblings, tt.event))
			assert.Equal(t, tt.want, got.Reason)
			assert.Equal(t, tt.want == Accepted, got.Accepted)
		})
	}
}

func TestClassify_CorroborationDisabled(t *testing.T) {
	cfg := config.Defaults().Validation
	cfg.ProxyCorroboration = false
	v := New(cfg)
	msg := baseMessage()

	ev := open("e", "r@x.com", 10*time.Second, true)
	direct := open("d", "r@x.com", 20*time.Second, false)

	got := v.Classify(msg, ev, []models.OpenEvent{ev, direct})
	assert.Equal(t, Accepted, got.Reason, "automated fetches are treated like any other load")
}

func TestClassify_TunableWindows(t *testing.T) {
	cfg := config.Defaults().Validation
	cfg.MinOpenDelay = 15 * time.Second
	v := New(cfg)

	got := v.Classify(baseMessage(), open("e", "r@x.com", 12*time.Second, false), nil)
	assert.Equal(t, ReasonTooSoon, got.Reason)
}

func TestClassify_NilMessage(t *testing.T) {
	got := defaultValidator().Classify(nil, open("e", "r@x.com", time.Minute, false), nil)
	assert.False(t, got.Accepted)
	assert.Equal(t, ReasonNoRecipient, got.Reason)
}

// Later direct load flips an earlier automated acceptance on recomputation.
func TestClassifyAll_RetroactiveCorroboration(t *testing.T) {
	v := defaultValidator()
	msg := baseMessage()
	proxy := open("p", "r@x.com", 45*time.Second, true)

	before := v.ClassifyAll(msg, []models.OpenEvent{proxy})
	require.Equal(t, Accepted, before[0].Reason)

	after := v.ClassifyAll(msg, []models.OpenEvent{proxy, open("d", "r@x.com", 5*time.Minute, false)})
	assert.Equal(t, ReasonRedundantProxyFetch, after[0].Reason)
	assert.Equal(t, Accepted, after[1].Reason)
}

func TestClassifyAll_DeterministicAndOrderIndependent(t *testing.T) {
	v := defaultValidator()
	msg := baseMessage()
	msg.Recipients.Direct = []string{"r@x.com", "q@x.com"}
	msg.RecipientTokens["q@x.com"] = "tok-q"

	events := []models.OpenEvent{
		open("e1", "s@x.com", time.Second, false),
		open("e2", "", 2*time.Second, false),
		open("e3", "r@x.com", 40*time.Second, true),
		open("e4", "r@x.com", 3*time.Minute, false),
		open("e5", "q@x.com", 50*time.Second, true),
		{ID: "e6", Token: "tok-q", RequestFingerprint: "sender-fp", OccurredAt: t0.Add(3 * time.Second)},
		open("e7", "q@x.com", 3*time.Second, false),
	}

	reference := make(map[string]Reason)
	for _, vd := range v.ClassifyAll(msg, events) {
		reference[vd.Event.ID] = vd.Reason
	}

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		shuffled := append([]models.OpenEvent(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		for _, vd := range v.ClassifyAll(msg, shuffled) {
			assert.Equal(t, reference[vd.Event.ID], vd.Reason, "event %s", vd.Event.ID)
		}
		for _, ev := range shuffled {
			assert.Equal(t, reference[ev.ID], v.Classify(msg, ev, shuffled).Reason, "single classify of %s", ev.ID)
		}
	}

	assert.Equal(t, ReasonSenderSelfView, reference["e1"])
	assert.Equal(t, ReasonNoRecipient, reference["e2"])
	assert.Equal(t, ReasonRedundantProxyFetch, reference["e3"])
	assert.Equal(t, Accepted, reference["e4"])
	assert.Equal(t, ReasonRedundantProxyFetch, reference["e5"], "e7 is a direct load for q")
	assert.Equal(t, ReasonSenderOriginEcho, reference["e6"])
	assert.Equal(t, ReasonTooSoon, reference["e7"])
}
