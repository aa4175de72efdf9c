package pact

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/zulandar/memorybridge/internal/models"
)

var statusRank = map[string]int{
	models.StatusPending:   0,
	models.StatusConfirmed: 1,
	models.StatusScheduled: 2,
	models.StatusCompleted: 3,
	models.StatusRejected:  4,
	models.StatusModified:  5,
}

// Overdue reports whether a is past its due date and still open.
func Overdue(a models.Action, now time.Time) bool {
	return a.DueDate != nil && a.DueDate.Before(now) && !a.IsTerminal()
}

// Apply filters and sorts actions according to q. The input slice is not
// modified. q is normalized first; an invalid q yields ErrInvalidQuery.
func Apply(actions []models.Action, q Query, now time.Time) ([]models.Action, error) {
	q = q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}

	out := make([]models.Action, 0, len(actions))
	for _, a := range actions {
		if matches(a, q, now) {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Action) int {
		return compare(a, b, q)
	})
	return out, nil
}

func matches(a models.Action, q Query, now time.Time) bool {
	switch q.Status {
	case "":
	case StatusOverdue:
		if !Overdue(a, now) {
			return false
		}
	default:
		if a.Status != q.Status {
			return false
		}
	}
	if q.Type != "" && a.Type != q.Type {
		return false
	}
	if q.Priority != "" && Band(a.Priority) != q.Priority {
		return false
	}
	return true
}

// compare orders a before b by the sort key, then creation time, then ID.
// Direction is applied to the combined result. Undated entries sort last
// for the due key whatever the direction.
func compare(a, b models.Action, q Query) int {
	if q.Sort == SortDue && (a.DueDate == nil) != (b.DueDate == nil) {
		if a.DueDate == nil {
			return 1
		}
		return -1
	}

	var c int
	switch q.Sort {
	case SortCreated:
	case SortPriority:
		c = cmp.Compare(a.Priority, b.Priority)
	case SortDue:
		if a.DueDate != nil && b.DueDate != nil {
			c = a.DueDate.Compare(*b.DueDate)
		}
	case SortType:
		c = strings.Compare(a.Type, b.Type)
	case SortStatus:
		c = cmp.Compare(rank(a.Status), rank(b.Status))
	}
	if c == 0 {
		c = a.CreatedAt.Compare(b.CreatedAt)
	}
	if c == 0 {
		c = strings.Compare(a.ID, b.ID)
	}
	if q.Order == Desc {
		c = -c
	}
	return c
}

func rank(status string) int {
	if r, ok := statusRank[status]; ok {
		return r
	}
	return len(statusRank)
}
