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

// Package fingerprint derives non-reversible request fingerprints from a
// network origin and client signature, and recognises client signatures of
// mail proxies and scanners that fetch remote images automatically.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// DefaultAutomatedSignatures are user-agent fragments of known image
// prefetchers and link scanners. Matching is case-insensitive.
var DefaultAutomatedSignatures = []string{
	"googleimageproxy",
	"via ggpht.com",
	"yahoomailproxy",
	"bingpreview",
	"mimecast",
	"barracuda",
	"proofpoint",
}

// Of hashes an origin address and client signature into a fingerprint.
func Of(ip, signature string) string {
	sum := sha256.Sum256([]byte(ip + "|" + signature))
	return hex.EncodeToString(sum[:])
}

// ForRequest returns the fingerprint and client signature of r.
func ForRequest(r *http.Request) (fp, signature string) {
	signature = r.UserAgent()
	return Of(ClientIP(r), signature), signature
}

// ClientIP returns the originating client address, honouring the first
// X-Forwarded-For hop set by the fronting proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Classifier decides whether a client signature belongs to an automated
// fetcher.
type Classifier struct {
	signatures []string
}

// NewClassifier builds a classifier from signature fragments. Empty
// fragments are ignored.
func NewClassifier(signatures []string) *Classifier {
	c := &Classifier{}
	for _, s := range signatures {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			c.signatures = append(c.signatures, s)
		}
	}
	return c
}

// IsAutomated reports whether signature matches a known automated fetcher.
func (c *Classifier) IsAutomated(signature string) bool {
	if c == nil {
		return false
	}
	ua := strings.ToLower(signature)
	for _, s := range c.signatures {
		if strings.Contains(ua, s) {
			return true
		}
	}
	return false
}
