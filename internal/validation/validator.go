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

// Package validation decides whether a recorded pixel load is a genuine
// human open or noise: the sender viewing their own mail, the sending
// client re-rendering the message, image proxies prefetching on a
// recipient's behalf, or loads arriving implausibly soon after send.
//
// Classification is a pure function of the message, the event, the event's
// siblings and the configuration. It keeps no state between calls, so
// re-running it over an unchanged log always yields the same verdicts and
// rule changes apply retroactively.
package validation

import (
	"time"

	"github.com/mailtrack/engine/internal/attribution"
	"github.com/mailtrack/engine/internal/config"
	"github.com/mailtrack/engine/internal/models"
)

// Reason is the outcome of a classification.
type Reason string

const (
	Accepted                  Reason = "accepted"
	ReasonNoRecipient         Reason = "no-recipient"
	ReasonSenderSelfView      Reason = "sender-self-view"
	ReasonSenderOriginEcho    Reason = "sender-origin-echo"
	ReasonRedundantProxyFetch Reason = "redundant-proxy-fetch"
	ReasonTooSoon             Reason = "too-soon"
)

// Verdict is the classification of one open event.
type Verdict struct {
	Event     models.OpenEvent
	Recipient string // resolved at classification time; "" if unattributed
	Accepted  bool
	Reason    Reason
	SinceSent time.Duration
}

// Validator classifies open events.
type Validator struct {
	cfg config.ValidationConfig
}

// New creates a validator with the given tunables.
func New(cfg config.ValidationConfig) *Validator {
	return &Validator{cfg: cfg}
}

// Classify decides a single event. siblings are the other open events of
// the same message as visible at call time; they are read only for the
// automated-fetch corroboration rule and may include ev itself.
func (v *Validator) Classify(msg *models.Message, ev models.OpenEvent, siblings []models.OpenEvent) Verdict {
	recipient := attribution.Reresolve(msg, ev.Token, ev.ResolvedRecipient)

	corroborated := false
	if recipient != "" {
		for _, s := range siblings {
			if !s.IsAutomatedFetch && attribution.Reresolve(msg, s.Token, s.ResolvedRecipient) == recipient {
				corroborated = true
				break
			}
		}
	}
	return v.classify(msg, ev, recipient, corroborated)
}

// ClassifyAll classifies every event of one message against the full set.
// Verdicts are returned in input order and do not depend on that order.
func (v *Validator) ClassifyAll(msg *models.Message, events []models.OpenEvent) []Verdict {
	resolved := make([]string, len(events))
	direct := make(map[string]bool)
	for i, ev := range events {
		resolved[i] = attribution.Reresolve(msg, ev.Token, ev.ResolvedRecipient)
		if resolved[i] != "" && !ev.IsAutomatedFetch {
			direct[resolved[i]] = true
		}
	}

	out := make([]Verdict, len(events))
	for i, ev := range events {
		out[i] = v.classify(msg, ev, resolved[i], direct[resolved[i]])
	}
	return out
}

// classify applies the rejection rules in order; the first that applies wins.
func (v *Validator) classify(msg *models.Message, ev models.OpenEvent, recipient string, corroborated bool) Verdict {
	vd := Verdict{Event: ev, Recipient: recipient}
	if msg == nil {
		// Without message metadata there is nothing to attribute against.
		vd.Recipient = ""
		vd.Reason = ReasonNoRecipient
		return vd
	}
	since := ev.OccurredAt.Sub(msg.SentAt)
	vd.SinceSent = since

	switch {
	case recipient == "":
		vd.Reason = ReasonNoRecipient
	case msg.IsSender(recipient):
		vd.Reason = ReasonSenderSelfView
	case msg.SenderFingerprint != "" && ev.RequestFingerprint == msg.SenderFingerprint && since < v.cfg.SenderEchoWindow:
		vd.Reason = ReasonSenderOriginEcho
	case v.cfg.ProxyCorroboration && ev.IsAutomatedFetch:
		// Sole-evidence acceptance: a delayed proxy fetch counts only when
		// no direct load exists for the same recipient.
		switch {
		case corroborated:
			vd.Reason = ReasonRedundantProxyFetch
		case since <= v.cfg.ProxyMinDelay:
			vd.Reason = ReasonTooSoon
		default:
			vd.Accepted, vd.Reason = true, Accepted
		}
	case since < v.cfg.MinOpenDelay:
		vd.Reason = ReasonTooSoon
	default:
		vd.Accepted, vd.Reason = true, Accepted
	}
	return vd
}
