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

// Package models defines the data structures shared across the tracking engine.
package models

import (
	"sort"
	"strings"
	"time"
)

// DefaultOwnerID is used when a registration does not name an account.
const DefaultOwnerID = "default"

// Recipients holds the addresses of a message grouped by disclosure class.
type Recipients struct {
	Direct      []string `json:"direct"`
	Copied      []string `json:"copied"`
	BlindCopied []string `json:"blindCopied"`
}

// NormalizeAddress trims and lower-cases an email address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Normalized returns a copy with every address normalized, empty entries
// dropped and duplicates within each class removed. Order is preserved.
// An address may still appear in more than one class.
func (r Recipients) Normalized() Recipients {
	return Recipients{
		Direct:      normalizeClass(r.Direct),
		Copied:      normalizeClass(r.Copied),
		BlindCopied: normalizeClass(r.BlindCopied),
	}
}

// All returns the union of the three classes in class order, keeping the
// first occurrence of each address. It assumes r is already normalized.
func (r Recipients) All() []string {
	seen := make(map[string]bool)
	var out []string
	for _, class := range [][]string{r.Direct, r.Copied, r.BlindCopied} {
		for _, addr := range class {
			if seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

func normalizeClass(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		n := NormalizeAddress(a)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// TokenMap maps a normalized recipient address to its tracking token.
// Keys are normalized when the map is built; readers never re-normalize.
type TokenMap map[string]string

// Lookup returns the address that owns token.
func (m TokenMap) Lookup(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	for addr, t := range m {
		if t == token {
			return addr, true
		}
	}
	return "", false
}

// Clone returns an independent copy of the map.
func (m TokenMap) Clone() TokenMap {
	out := make(TokenMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Addresses returns the tokenized addresses in sorted order.
func (m TokenMap) Addresses() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Message is one sent email registered for tracking.
type Message struct {
	MessageID         string     `json:"messageId"`
	OwnerID           string     `json:"ownerId"`
	SenderAddress     string     `json:"senderAddress,omitempty"`
	Subject           string     `json:"subject"`
	Recipients        Recipients `json:"recipients"`
	RecipientTokens   TokenMap   `json:"recipientTokens"`
	SentAt            time.Time  `json:"sentAt"`
	SenderFingerprint string     `json:"senderFingerprint,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// IsSender reports whether addr is the message's sender address.
func (m *Message) IsSender(addr string) bool {
	sender := NormalizeAddress(m.SenderAddress)
	return sender != "" && NormalizeAddress(addr) == sender
}

// Reconcile merges m (tokens proposed for the current recipients) with the
// tokens already stored. An address keeps its stored token; addresses absent
// from m are dropped. A proposed token that is empty or already held by
// another address, including a dropped one, is replaced with issue() so no
// two addresses ever share a token.
func (m TokenMap) Reconcile(existing TokenMap, issue func() string) TokenMap {
	out := make(TokenMap, len(m))
	used := make(map[string]bool, len(existing)+len(m))
	for _, tok := range existing {
		if tok != "" {
			used[tok] = true
		}
	}
	var pending []string
	for _, addr := range m.Addresses() {
		if prev := existing[addr]; prev != "" {
			out[addr] = prev
			continue
		}
		pending = append(pending, addr)
	}
	for _, addr := range pending {
		tok := m[addr]
		for tok == "" || used[tok] {
			tok = issue()
		}
		used[tok] = true
		out[addr] = tok
	}
	return out
}
