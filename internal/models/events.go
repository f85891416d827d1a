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

import "time"

// OpenEvent records one pixel load. Events are append-only facts.
type OpenEvent struct {
	ID                 string    `json:"id"`
	MessageID          string    `json:"messageId"`
	ResolvedRecipient  string    `json:"resolvedRecipient,omitempty"` // empty when unattributed
	Token              string    `json:"token,omitempty"`
	RequestFingerprint string    `json:"requestFingerprint"`
	ClientSignature    string    `json:"clientSignature,omitempty"`
	IsAutomatedFetch   bool      `json:"isAutomatedFetch"`
	OccurredAt         time.Time `json:"occurredAt"`
}

// ClickEvent records one tracked link redirect.
type ClickEvent struct {
	ID                 string    `json:"id"`
	MessageID          string    `json:"messageId"`
	Destination        string    `json:"destination"`
	RequestFingerprint string    `json:"requestFingerprint"`
	ClientSignature    string    `json:"clientSignature,omitempty"`
	OccurredAt         time.Time `json:"occurredAt"`
}

// EventCounts holds raw (unvalidated) event totals for one message.
type EventCounts struct {
	Opens         int
	Clicks        int
	LastOpenedAt  *time.Time
	LastClickedAt *time.Time
}
