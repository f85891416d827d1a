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

// Package token issues per-recipient tracking tokens.
package token

import (
	"crypto/rand"
	"encoding/hex"
)

// Bytes is the amount of randomness in a token (128 bits).
const Bytes = 16

// Issue returns a new hex-encoded random token. crypto/rand aborts the
// process if the system randomness source is unavailable.
func Issue() string {
	b := make([]byte, Bytes)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Issuer produces tokens. It is a seam for tests that need deterministic
// values.
type Issuer func() string
