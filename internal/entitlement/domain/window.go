package domain

import (
	"time"

	"github.com/smallbiznis/unprice/internal/cycle"
)

// CycleWindow computes the reset window covering at, or nil for meters
// that never reset.
func CycleWindow(ent Entitlement, at time.Time) *cycle.Window {
	rc := ent.ResetConfig
	if rc == nil || rc.Interval == "" {
		return nil
	}
	cfg := cycle.Config{
		Name:          rc.Name,
		Interval:      cycle.Interval(rc.Interval),
		IntervalCount: rc.IntervalCount,
		Anchor:        rc.Anchor,
		PlanType:      rc.PlanType,
	}
	return cycle.Compute(ent.EffectiveAt, ent.ExpiresAt, at, cfg, nil)
}

// CycleStart returns the current window start, falling back to the
// entitlement's effective date for lifetime-scoped meters.
func CycleStart(ent Entitlement, at time.Time) time.Time {
	if win := CycleWindow(ent, at); win != nil {
		return win.Start
	}
	return ent.EffectiveAt
}
