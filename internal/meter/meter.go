// Package meter implements the in-memory usage counter backing one
// entitlement. Arithmetic is synchronous and decimal-exact; persistence and
// reconciliation live elsewhere.
package meter

import (
	"time"

	"github.com/shopspring/decimal"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
)

// Result is the outcome of a verify or consume call.
type Result struct {
	Allowed       bool
	Remaining     *decimal.Decimal
	DeniedReason  entitlementdomain.DenyReason
	Message       string
	OverThreshold bool
	Usage         decimal.Decimal
	Limit         *decimal.Decimal
}

// Meter wraps an entitlement and its runtime counter.
type Meter struct {
	ent   entitlementdomain.Entitlement
	state entitlementdomain.MeterState
	agg   entitlementdomain.AggregationConfig
}

// New builds a meter from live entitlement state. A missing MeterState
// starts the counter at zero.
func New(state *entitlementdomain.EntitlementState) *Meter {
	m := &Meter{
		ent: state.Entitlement,
		agg: entitlementdomain.AggregationFor(state.AggregationMethod),
	}
	if state.Meter != nil {
		m.state = *state.Meter
	}
	return m
}

// Verify answers whether consuming the proposed amount would be allowed.
// A nil proposal stands for one unit. It never mutates the counter.
func (m *Meter) Verify(now time.Time, proposed *decimal.Decimal) Result {
	if m.ent.FeatureType == entitlementdomain.FeatureTypeFlat || m.agg.Behavior == entitlementdomain.BehaviorNone {
		return m.flatGate(now)
	}

	delta := decimal.NewFromInt(1)
	if proposed != nil {
		delta = *proposed
	}
	res, _ := m.evaluate(m.fold(delta))
	return res
}

// Current reports the counter as it stands, proposing nothing.
func (m *Meter) Current() Result {
	res := Result{
		Allowed: true,
		Usage:   m.state.Usage,
		Limit:   m.ent.Limit,
	}
	if m.ent.Limit != nil {
		remaining := m.ent.Limit.Sub(m.state.Usage)
		res.Remaining = &remaining
	}
	return res
}

// Consume applies delta to the counter when the overage policy allows it.
func (m *Meter) Consume(delta decimal.Decimal, now time.Time) Result {
	if m.ent.FeatureType == entitlementdomain.FeatureTypeFlat || m.agg.Behavior == entitlementdomain.BehaviorNone {
		// Flat features never consume.
		return m.flatGate(now)
	}

	newUsage := m.fold(delta)
	res, apply := m.evaluate(newUsage)
	if apply {
		m.state.Usage = newUsage
		m.state.LastUpdated = now
	}
	return res
}

// ApplyReconciliation overwrites the counter from a settled analytics read.
// It bypasses the allow/deny path entirely and advances the cursor
// atomically with the counter.
func (m *Meter) ApplyReconciliation(usage, snapshotUsage decimal.Decimal, lastReconciledID string, now time.Time) {
	m.state.Usage = usage
	m.state.SnapshotUsage = snapshotUsage
	m.state.LastReconciledID = lastReconciledID
	m.state.LastUpdated = now
}

// ToPersist returns the persistable counter state.
func (m *Meter) ToPersist() entitlementdomain.MeterState {
	return m.state
}

// fold computes the hypothetical counter after one sample.
func (m *Meter) fold(delta decimal.Decimal) decimal.Decimal {
	if m.agg.CountsEvents {
		if delta.IsNegative() {
			delta = decimal.NewFromInt(-1)
		} else {
			delta = decimal.NewFromInt(1)
		}
	}
	switch m.agg.Behavior {
	case entitlementdomain.BehaviorMax:
		if delta.GreaterThan(m.state.Usage) {
			return delta
		}
		return m.state.Usage
	case entitlementdomain.BehaviorLast:
		return delta
	default: // sum
		return m.state.Usage.Add(delta)
	}
}

// evaluate runs the overage policy over a hypothetical counter and reports
// whether the sample should be applied.
func (m *Meter) evaluate(newUsage decimal.Decimal) (Result, bool) {
	res := Result{
		Allowed: true,
		Message: "usage within limit",
		Usage:   newUsage,
		Limit:   m.ent.Limit,
	}

	if m.ent.Limit == nil {
		// Unlimited.
		res.Usage = newUsage
		return res, true
	}
	limit := *m.ent.Limit
	remaining := limit.Sub(newUsage)
	res.Remaining = &remaining

	if limit.IsPositive() {
		ratio, _ := newUsage.Div(limit).Float64()
		res.OverThreshold = ratio >= m.threshold()
	}

	if newUsage.LessThanOrEqual(limit) {
		return res, true
	}

	switch m.ent.Overage {
	case entitlementdomain.OverageAlways:
		res.Message = "over limit, overage allowed"
		return res, true
	case entitlementdomain.OverageLastCall:
		// The transaction that crosses the limit is allowed; once the
		// counter sits past the limit, the next one is denied.
		if m.state.Usage.LessThanOrEqual(limit) {
			res.Message = "limit crossed, last call"
			return res, true
		}
	}

	res.Allowed = false
	res.DeniedReason = entitlementdomain.DenyLimitExceeded
	res.Message = "limit exceeded"
	res.Usage = m.state.Usage
	current := limit.Sub(m.state.Usage)
	res.Remaining = &current
	return res, false
}

func (m *Meter) flatGate(now time.Time) Result {
	res := Result{
		Usage: m.state.Usage,
		Limit: m.ent.Limit,
	}
	if !m.ent.Active(now) {
		res.DeniedReason = entitlementdomain.DenyNotActive
		res.Message = "entitlement not active"
		return res
	}
	if m.ent.Limit == nil || !m.ent.Limit.IsPositive() {
		res.DeniedReason = entitlementdomain.DenyFeatureDisabled
		res.Message = "feature disabled"
		return res
	}
	res.Allowed = true
	res.Message = "feature enabled"
	return res
}

func (m *Meter) threshold() float64 {
	if m.ent.NotifyThreshold > 0 {
		return m.ent.NotifyThreshold
	}
	return entitlementdomain.DefaultNotifyThreshold
}
