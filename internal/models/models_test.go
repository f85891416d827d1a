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

package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipients_Normalized(t *testing.T) {
	r := Recipients{
		Direct:      []string{"  Alice@Example.com ", "alice@example.com", "", "bob@example.com"},
		Copied:      []string{"BOB@example.com", "carol@example.com"},
		BlindCopied: []string{" "},
	}

	n := r.Normalized()

	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, n.Direct)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, n.Copied)
	assert.Empty(t, n.BlindCopied)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com", "carol@example.com"}, n.All())
}

func TestTokenMap_Lookup(t *testing.T) {
	m := TokenMap{"a@x.com": "t1", "b@x.com": "t2"}

	addr, ok := m.Lookup("t2")
	require.True(t, ok)
	assert.Equal(t, "b@x.com", addr)

	_, ok = m.Lookup("nope")
	assert.False(t, ok)

	_, ok = m.Lookup("")
	assert.False(t, ok, "empty token never matches")
}

func TestTokenMap_CloneIsIndependent(t *testing.T) {
	m := TokenMap{"a@x.com": "t1"}
	c := m.Clone()
	c["b@x.com"] = "t2"

	assert.Len(t, m, 1)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, c.Addresses())
}

func TestMessage_IsSender(t *testing.T) {
	m := &Message{SenderAddress: " S@X.com"}
	assert.True(t, m.IsSender("s@x.com "))
	assert.False(t, m.IsSender("r@x.com"))

	anon := &Message{}
	assert.False(t, anon.IsSender(""), "missing sender never matches")
}

func TestErrorTaxonomy(t *testing.T) {
	verr := fmt.Errorf("register: %w", NewValidationError("messageId", "is required"))
	assert.True(t, IsValidation(verr))
	assert.False(t, IsStorage(verr))
	assert.Equal(t, "register: messageId: is required", verr.Error())

	cause := errors.New("connection refused")
	serr := NewStorageError("get", cause)
	assert.True(t, IsStorage(serr))
	assert.ErrorIs(t, serr, cause)
	assert.Nil(t, NewStorageError("get", nil))
}

func TestTokenMap_Reconcile(t *testing.T) {
	existing := TokenMap{"a@x.com": "old-a", "gone@x.com": "old-gone"}
	proposed := TokenMap{"a@x.com": "new-a", "b@x.com": "new-b"}

	got := proposed.Reconcile(existing, sequence("fresh"))

	assert.Equal(t, TokenMap{"a@x.com": "old-a", "b@x.com": "new-b"}, got)
	assert.Equal(t, "new-a", proposed["a@x.com"], "receiver is not mutated")
}

func sequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestTokenMap_ReconcileNeverSharesTokens(t *testing.T) {
	tests := []struct {
		name     string
		existing TokenMap
		proposed TokenMap
		want     TokenMap
	}{
		{
			name:     "stale proposal reuses a stored token",
			existing: TokenMap{"a@x.com": "X"},
			proposed: TokenMap{"a@x.com": "Y", "b@x.com": "X"},
			want:     TokenMap{"a@x.com": "X", "b@x.com": "fresh-1"},
		},
		{
			name:     "token of a dropped address is not handed on",
			existing: TokenMap{"gone@x.com": "G"},
			proposed: TokenMap{"b@x.com": "G"},
			want:     TokenMap{"b@x.com": "fresh-1"},
		},
		{
			name:     "duplicate proposals",
			existing: TokenMap{},
			proposed: TokenMap{"a@x.com": "D", "b@x.com": "D"},
			want:     TokenMap{"a@x.com": "D", "b@x.com": "fresh-1"},
		},
		{
			name:     "empty proposal is issued",
			existing: nil,
			proposed: TokenMap{"a@x.com": ""},
			want:     TokenMap{"a@x.com": "fresh-1"},
		},
		{
			name:     "issued token colliding with a stored one is skipped",
			existing: TokenMap{"a@x.com": "fresh-1"},
			proposed: TokenMap{"a@x.com": "", "b@x.com": "fresh-1"},
			want:     TokenMap{"a@x.com": "fresh-1", "b@x.com": "fresh-2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.proposed.Reconcile(tt.existing, sequence("fresh"))
			assert.Equal(t, tt.want, got)

			seen := map[string]string{}
			for addr, tok := range got {
				other, dup := seen[tok]
				assert.False(t, dup, "%s and %s share token %s", addr, other, tok)
				seen[tok] = addr
			}
		})
	}
}
