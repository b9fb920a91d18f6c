package models

import (
	"fmt"
	"iter"
	"time"
)

// Window is the half-open UTC interval [Start, End) used as the unit of fetch and retry.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// Span yields contiguous, non-overlapping windows of the given width covering
// [start, end). The last window is clipped to end. Nothing is yielded when
// start is not before end or width is not positive.
func Span(start, end time.Time, width time.Duration) iter.Seq[Window] {
	return func(yield func(Window) bool) {
		if width <= 0 {
			return
		}
		start, end = start.UTC(), end.UTC()
		for cur := start; cur.Before(end); {
			next := cur.Add(width)
			if next.After(end) {
				next = end
			}
			if !yield(Window{Start: cur, End: next}) {
				return
			}
			cur = next
		}
	}
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
