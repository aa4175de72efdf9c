// Package pact sorts and filters the canonical action list and persists
// each user's chosen view per device.
package pact

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/memorybridge/internal/models"
)

// Sort keys.
const (
	SortCreated  = "created"
	SortPriority = "priority"
	SortDue      = "due"
	SortType     = "type"
	SortStatus   = "status"
)

// Sort directions.
const (
	Asc  = "asc"
	Desc = "desc"
)

// StatusOverdue is a derived status filter: due date set and passed, and
// the action not yet completed or rejected.
const StatusOverdue = "overdue"

// Priority bands on the 1-10 scale.
const (
	BandHigh   = "high"   // >= 8
	BandMedium = "medium" // 5-7
	BandLow    = "low"    // < 5
)

// ErrInvalidQuery is returned for an unknown sort key, direction or filter.
var ErrInvalidQuery = errors.New("pact: invalid query")

var (
	sortKeys = map[string]bool{SortCreated: true, SortPriority: true, SortDue: true, SortType: true, SortStatus: true}
	statuses = map[string]bool{
		models.StatusPending: true, models.StatusConfirmed: true, models.StatusModified: true,
		models.StatusRejected: true, models.StatusScheduled: true, models.StatusCompleted: true,
		StatusOverdue: true,
	}
	types = map[string]bool{
		models.TypeCommitment: true, models.TypePromise: true, models.TypeTask: true,
		models.TypeReminder: true, models.TypeFollowUp: true,
	}
	bands = map[string]bool{BandHigh: true, BandMedium: true, BandLow: true}
)

// Query is a sort key, a direction and three independent filters. An
// empty filter matches everything.
type Query struct {
	Sort     string `json:"sort"`
	Order    string `json:"order"`
	Status   string `json:"status,omitempty"`
	Type     string `json:"type,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// DefaultQuery sorts by priority, highest first, with no filters.
func DefaultQuery() Query {
	return Query{Sort: SortPriority, Order: Desc}
}

// Normalize lowercases q, treats "all" as no filter and fills an empty
// sort or order from the default.
func (q Query) Normalize() Query {
	norm := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "all" {
			return ""
		}
		return s
	}
	q.Sort = norm(q.Sort)
	q.Order = norm(q.Order)
	q.Status = norm(q.Status)
	q.Type = norm(q.Type)
	q.Priority = norm(q.Priority)
	def := DefaultQuery()
	if q.Sort == "" {
		q.Sort = def.Sort
	}
	if q.Order == "" {
		q.Order = def.Order
	}
	return q
}

// Validate reports the first invalid field wrapped in ErrInvalidQuery.
func (q Query) Validate() error {
	switch {
	case !sortKeys[q.Sort]:
		return fmt.Errorf("%w: sort key %q", ErrInvalidQuery, q.Sort)
	case q.Order != Asc && q.Order != Desc:
		return fmt.Errorf("%w: order %q", ErrInvalidQuery, q.Order)
	case q.Status != "" && !statuses[q.Status]:
		return fmt.Errorf("%w: status %q", ErrInvalidQuery, q.Status)
	case q.Type != "" && !types[q.Type]:
		return fmt.Errorf("%w: type %q", ErrInvalidQuery, q.Type)
	case q.Priority != "" && !bands[q.Priority]:
		return fmt.Errorf("%w: priority band %q", ErrInvalidQuery, q.Priority)
	}
	return nil
}

// Band returns the priority band for p.
func Band(p int) string {
	switch {
	case p >= 8:
		return BandHigh
	case p >= 5:
		return BandMedium
	}
	return BandLow
}
