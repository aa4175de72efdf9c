// Package extract turns a growing transcript into a deduplicated canonical
// list of candidate actions.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Candidate is one action proposed by the extraction service or by a
// realtime producer. It is never persisted as-is; Store.Merge folds it into
// the canonical list.
type Candidate struct {
	Text       string     `json:"text"`
	Type       string     `json:"type,omitempty"`
	Assignee   string     `json:"assignee,omitempty"`
	DueContext string     `json:"due_context,omitempty"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	Priority   int        `json:"priority,omitempty"`
	Confidence float64    `json:"confidence"`
	Excerpt    string     `json:"excerpt,omitempty"`
	Offset     int        `json:"offset,omitempty"` // bytes into the transcript
	Context    string     `json:"context,omitempty"`
	Realtime   bool       `json:"realtime,omitempty"`
}

// Normalize lowercases s, trims it and collapses internal whitespace runs
// into single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// IdentityKey returns the dedup key for an action. Two candidates with the
// same key within a session are the same action. The key is a hex SHA-256
// of the normalized text and assignee so it fits a fixed-width column.
func IdentityKey(text, assignee string) string {
	sum := sha256.Sum256([]byte(Normalize(text) + "\x1f" + Normalize(assignee)))
	return hex.EncodeToString(sum[:])
}
