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

// Package attribution maps a raw tracking event to the recipient it
// belongs to. Token matching is the only reliable way to tell recipients
// of one message apart; the single-recipient fallback exists for messages
// that predate tokenization or whose pixel lost its token.
package attribution

import "github.com/mailtrack/engine/internal/models"

// Method describes how an address was resolved.
type Method string

const (
	MethodStored   Method = "stored"
	MethodToken    Method = "token"
	MethodFallback Method = "single-direct-recipient"
	MethodNone     Method = "none"
)

// Resolve returns the recipient an event belongs to, or "" when it cannot
// be attributed, and which rule matched. msg may be nil when the message is
// not registered (yet).
//
// Resolution order, first match wins:
//  1. a recipient already resolved when the event was written
//  2. the event token matched against the message's token map
//  3. the only direct recipient, when the event has no token at all
func Resolve(msg *models.Message, token, storedRecipient string) (string, Method) {
	return resolve(msg, token, storedRecipient, true)
}

// Reresolve attributes an already recorded event at read time. It applies
// the stored recipient and token rules only: a token-less load that was
// not attributed when it was written is never promoted by the
// single-recipient fallback afterwards.
func Reresolve(msg *models.Message, token, storedRecipient string) string {
	addr, _ := resolve(msg, token, storedRecipient, false)
	return addr
}

func resolve(msg *models.Message, token, storedRecipient string, fallback bool) (string, Method) {
	if stored := models.NormalizeAddress(storedRecipient); stored != "" {
		return stored, MethodStored
	}
	if msg == nil {
		return "", MethodNone
	}

	if token != "" {
		if addr, ok := msg.RecipientTokens.Lookup(token); ok {
			return addr, MethodToken
		}
		// An unknown token never falls back: it points at a different
		// recipient list than the one we know.
		return "", MethodNone
	}

	if !fallback {
		return "", MethodNone
	}
	direct := msg.Recipients.Normalized().Direct
	if len(direct) == 1 {
		return direct[0], MethodFallback
	}
	return "", MethodNone
}
