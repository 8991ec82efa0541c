// Package cycle computes the half-open billing window [start, end) that
// contains a given instant, anchored to a reset configuration.
package cycle

import (
	"time"
)

// Interval is the calendar unit of a cycle.
type Interval string

const (
	IntervalMinute Interval = "minute"
	IntervalHour   Interval = "hour"
	IntervalDay    Interval = "day"
	IntervalWeek   Interval = "week"
	IntervalMonth  Interval = "month"
	IntervalYear   Interval = "year"
)

// PlanTypeOnetime marks plans whose single window spans the whole
// effective range.
const PlanTypeOnetime = "onetime"

// openEnd stands in for a missing effective end. Far enough out that cursor
// arithmetic never reaches it.
var openEnd = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Config describes how windows are cut.
type Config struct {
	Name          string
	Interval      Interval
	IntervalCount int
	Anchor        time.Time
	PlanType      string
}

// Window is a half-open time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Compute returns the window containing now, or nil when now falls outside
// the effective range. The function is total: any input yields a window or
// nil, never an error.
func Compute(effectiveStart time.Time, effectiveEnd *time.Time, now time.Time, cfg Config, trialEndsAt *time.Time) *Window {
	effectiveStart = effectiveStart.UTC()
	now = now.UTC()

	if now.Before(effectiveStart) {
		return nil
	}
	rangeEnd := openEnd
	if effectiveEnd != nil {
		rangeEnd = effectiveEnd.UTC()
		if !now.Before(rangeEnd) {
			return nil
		}
	}

	if trialEndsAt != nil && now.Before(trialEndsAt.UTC()) {
		return clamp(Window{Start: effectiveStart, End: trialEndsAt.UTC()}, effectiveStart, rangeEnd)
	}

	if cfg.PlanType == PlanTypeOnetime || cfg.Interval == "" {
		return &Window{Start: effectiveStart, End: rangeEnd}
	}

	anchor := cfg.Anchor.UTC()
	if anchor.IsZero() {
		anchor = effectiveStart
	}
	count := cfg.IntervalCount
	if count <= 0 {
		count = 1
	}

	var win Window
	switch cfg.Interval {
	case IntervalMinute:
		win = fixedWindow(anchor, now, time.Duration(count)*time.Minute)
	case IntervalHour:
		win = fixedWindow(anchor, now, time.Duration(count)*time.Hour)
	case IntervalDay:
		win = fixedWindow(anchor, now, time.Duration(count)*24*time.Hour)
	case IntervalWeek:
		win = fixedWindow(anchor, now, time.Duration(count)*7*24*time.Hour)
	case IntervalMonth:
		win = monthWindow(anchor, now, count)
	case IntervalYear:
		win = monthWindow(anchor, now, count*12)
	default:
		return &Window{Start: effectiveStart, End: rangeEnd}
	}

	return clamp(win, effectiveStart, rangeEnd)
}

func clamp(win Window, start, end time.Time) *Window {
	if win.Start.Before(start) {
		win.Start = start
	}
	if win.End.After(end) {
		win.End = end
	}
	if !win.Start.Before(win.End) {
		return nil
	}
	return &win
}

func fixedWindow(anchor, now time.Time, step time.Duration) Window {
	delta := now.Sub(anchor)
	k := delta / step
	if delta < 0 && delta%step != 0 {
		k--
	}
	start := anchor.Add(k * step)
	return Window{Start: start, End: start.Add(step)}
}

func monthWindow(anchor, now time.Time, stepMonths int) Window {
	// Estimate the containing step, then walk to the exact boundary. The
	// walk converges in at most two iterations each direction because
	// clamped month addition is monotonic.
	months := monthsBetween(anchor, now)
	k := months / stepMonths
	if months < 0 && months%stepMonths != 0 {
		k--
	}

	start := addMonthsClamped(anchor, k*stepMonths)
	for start.After(now) {
		k--
		start = addMonthsClamped(anchor, k*stepMonths)
	}
	for {
		next := addMonthsClamped(anchor, (k+1)*stepMonths)
		if next.After(now) {
			return Window{Start: start, End: next}
		}
		k++
		start = next
	}
}

func monthsBetween(a, b time.Time) int {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return (by-ay)*12 + int(bm) - int(am)
}

// addMonthsClamped adds months keeping the anchor's day-of-month, clamping
// to the target month's length (Jan 31 + 1 month = Feb 28/29).
func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	mi := int(m) - 1 + months
	y += mi / 12
	mi %= 12
	if mi < 0 {
		mi += 12
		y--
	}
	month := time.Month(mi + 1)
	if last := daysIn(y, month); d > last {
		d = last
	}
	return time.Date(y, month, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
