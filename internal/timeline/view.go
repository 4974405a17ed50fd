package timeline

import (
	"time"

	"kindoo/internal/kindoo"
)

// DateGroup is a run of consecutive messages sharing a calendar date in the
// viewer's time zone. The grouping is a pure derived view over the ordered
// timeline; it holds no state of its own.
type DateGroup struct {
	Date     time.Time
	Messages []kindoo.Message
}

// DateGroups scans the visible timeline and starts a new group wherever the
// local calendar date changes from the previous entry.
func (r *Reconciler) DateGroups(loc *time.Location) []DateGroup {
	if loc == nil {
		loc = time.Local
	}
	msgs := r.Messages()
	var groups []DateGroup
	for _, m := range msgs {
		day := m.CreatedAt.In(loc)
		date := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		if n := len(groups); n > 0 && groups[n-1].Date.Equal(date) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DateGroup{Date: date, Messages: []kindoo.Message{m}})
	}
	return groups
}
