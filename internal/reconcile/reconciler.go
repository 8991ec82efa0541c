// Package reconcile realigns hot meters with the settled analytics store.
// It runs in the background after verify/report traffic and never blocks
// the decision path.
package reconcile

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	"github.com/smallbiznis/unprice/internal/clock"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"github.com/smallbiznis/unprice/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	// WatermarkDelay keeps reconciliation behind the analytics ingestion
	// horizon so every record before the watermark is settled.
	WatermarkDelay = 5 * time.Minute
)

var (
	// epsilon is the tolerance below which a correction is not worth a write.
	epsilon = decimal.RequireFromString("0.001")
	// maxDrift bounds a single correction. Larger drifts indicate a broken
	// pipeline and are refused.
	maxDrift = decimal.NewFromInt(1000)
)

type Reconciler struct {
	analytics analyticsdomain.Client
	metrics   *metrics.Metrics
	clk       clock.Clock
	log       *zap.Logger
}

type Param struct {
	fx.In

	Analytics analyticsdomain.Client
	Metrics   *metrics.Metrics
	Clock     clock.Clock
	Log       *zap.Logger
}

func New(p Param) *Reconciler {
	return &Reconciler{
		analytics: p.Analytics,
		metrics:   p.Metrics,
		clk:       p.Clock,
		log:       p.Log.Named("reconcile"),
	}
}

// ulidAt is the smallest ULID carrying t's timestamp. Every record created
// before t sorts strictly below it.
func ulidAt(t time.Time) string {
	var id ulid.ULID
	_ = id.SetTime(ulid.Timestamp(t))
	return id.String()
}

// Reconcile folds settled analytics usage into the meter. It mutates
// state.Meter in place and reports whether anything changed; callers
// persist on true.
//
// drift is the settled usage that appeared in analytics since the cursor,
// minus the usage the meter accumulated locally over the same stretch.
// A non-zero drift means out-of-band writes (or lost local writes) and is
// folded into the counter; a drift beyond maxDrift is refused.
func (r *Reconciler) Reconcile(ctx context.Context, state *entitlementdomain.EntitlementState) (bool, error) {
	ent := state.Entitlement
	agg := entitlementdomain.AggregationFor(ent.AggregationMethod)
	if ent.FeatureType == entitlementdomain.FeatureTypeFlat || agg.Behavior != entitlementdomain.BehaviorSum {
		return false, nil
	}
	if state.Meter == nil {
		return false, nil
	}
	m := state.Meter

	now := r.clk.Now()
	watermark := now.Add(-WatermarkDelay)

	watermarkCycle := entitlementdomain.CycleWindow(ent, watermark)
	currentCycle := entitlementdomain.CycleWindow(ent, now)
	if watermarkCycle != nil && currentCycle != nil && !watermarkCycle.Start.Equal(currentCycle.Start) {
		// Cycle boundary crossed between watermark and now. The reset path
		// owns that transition.
		return false, nil
	}

	effectiveAt := ent.EffectiveAt
	if watermarkCycle != nil {
		effectiveAt = watermarkCycle.Start
	}

	beforeRecordID := ulidAt(watermark)
	switch {
	case m.LastReconciledID >= beforeRecordID:
		return false, nil
	case watermark.Before(effectiveAt):
		return false, nil
	case m.LastReconciledID == "":
		r.log.Warn("meter has no reconciliation cursor",
			zap.String("entitlement_id", ent.ID),
			zap.String("feature_slug", ent.FeatureSlug))
		return false, nil
	}

	res, err := r.analytics.GetFeaturesUsageCursor(ctx, analyticsdomain.UsageCursorQuery{
		ProjectID:      ent.ProjectID,
		CustomerID:     ent.CustomerID,
		FeatureSlug:    ent.FeatureSlug,
		Aggregation:    ent.AggregationMethod,
		CycleStart:     effectiveAt,
		AfterRecordID:  m.LastReconciledID,
		BeforeRecordID: beforeRecordID,
	})
	if err != nil {
		r.log.Warn("analytics read failed during reconcile",
			zap.String("entitlement_id", ent.ID), zap.Error(err))
		return false, err
	}

	localDelta := m.Usage.Sub(m.SnapshotUsage)
	drift := res.Total.Sub(localDelta)
	driftAbs := drift.Abs()
	driftF, _ := drift.Float64()

	if driftAbs.GreaterThan(maxDrift) {
		r.log.Error("drift exceeds correction bound",
			zap.String("entitlement_id", ent.ID),
			zap.String("feature_slug", ent.FeatureSlug),
			zap.String("drift", drift.String()),
			zap.String("settled_delta", res.Total.String()),
			zap.String("local_delta", localDelta.String()))
		r.metrics.RecordReconcile(ctx, ent.FeatureSlug, "drift_too_large", driftF)
		return false, entitlementdomain.ErrDriftTooLarge
	}

	changed := false
	if driftAbs.GreaterThan(epsilon) {
		m.Usage = m.Usage.Add(drift)
		changed = true
	}
	// Re-baseline so the next run measures only new local usage, and
	// advance the cursor past everything we just counted.
	if !m.SnapshotUsage.Equal(m.Usage) {
		m.SnapshotUsage = m.Usage
		changed = true
	}
	if res.LastRecordID != "" && res.LastRecordID > m.LastReconciledID {
		m.LastReconciledID = res.LastRecordID
		changed = true
	}
	if changed {
		m.LastUpdated = now
	}

	outcome := "noop"
	if changed {
		outcome = "corrected"
	}
	r.metrics.RecordReconcile(ctx, ent.FeatureSlug, outcome, driftF)
	return changed, nil
}
