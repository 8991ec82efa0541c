// Package resolver composes layered grants into a single effective
// entitlement per (customer, feature) with a deterministic merging policy.
package resolver

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/unprice/internal/cycle"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/unprice/internal/grant/domain"
)

// DerivePolicy maps the winning grant's feature type onto a merging policy.
func DerivePolicy(featureType entitlementdomain.FeatureType, mode entitlementdomain.UsageMode) entitlementdomain.MergingPolicy {
	switch featureType {
	case entitlementdomain.FeatureTypeUsage:
		if mode == entitlementdomain.UsageModeTier {
			return entitlementdomain.MergeMax
		}
		return entitlementdomain.MergeSum
	case entitlementdomain.FeatureTypeTier, entitlementdomain.FeatureTypePackage:
		return entitlementdomain.MergeMax
	default:
		return entitlementdomain.MergeReplace
	}
}

// Resolve merges active grants into an entitlement. Grants must all target
// the same feature slug.
func Resolve(projectID, customerID string, grants []grantdomain.Grant, now time.Time) (*entitlementdomain.Entitlement, error) {
	if len(grants) == 0 {
		return nil, entitlementdomain.ErrNoGrants
	}

	slug := grants[0].PlanVersion.FeatureSlug
	for _, g := range grants[1:] {
		if g.PlanVersion.FeatureSlug != slug {
			return nil, entitlementdomain.ErrFeatureMismatch
		}
	}

	sorted := make([]grantdomain.Grant, len(grants))
	copy(sorted, grants)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority() != sorted[j].Priority() {
			return sorted[i].Priority() > sorted[j].Priority()
		}
		if !sorted[i].EffectiveAt.Equal(sorted[j].EffectiveAt) {
			return sorted[i].EffectiveAt.Before(sorted[j].EffectiveAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	winner := sorted[0]
	policy := DerivePolicy(winner.PlanVersion.FeatureType, winner.PlanVersion.UsageMode)

	var (
		retained    []grantdomain.Grant
		limit       *decimal.Decimal
		effectiveAt time.Time
		expiresAt   *time.Time
	)

	switch policy {
	case entitlementdomain.MergeSum:
		retained = sorted
		limit = sumLimits(sorted)
		effectiveAt, expiresAt = mergedRange(sorted)
	case entitlementdomain.MergeMax:
		pick := pickByLimit(sorted, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) })
		retained = []grantdomain.Grant{pick}
		limit = pick.Limit
		effectiveAt, expiresAt = pick.EffectiveAt, pick.ExpiresAt
	case entitlementdomain.MergeMin:
		pick := pickByLimit(sorted, func(a, b decimal.Decimal) bool { return a.LessThan(b) })
		retained = []grantdomain.Grant{pick}
		limit = pick.Limit
		effectiveAt, expiresAt = pick.EffectiveAt, pick.ExpiresAt
	default: // replace
		retained = []grantdomain.Grant{winner}
		limit = winner.Limit
		effectiveAt, expiresAt = winner.EffectiveAt, winner.ExpiresAt
	}

	snapshots := snapshot(retained)
	canonical, err := json.Marshal(snapshots)
	if err != nil {
		return nil, err
	}

	pv := winner.PlanVersion
	ent := &entitlementdomain.Entitlement{
		ID:                fmt.Sprintf("%s:%s:%s", projectID, customerID, slug),
		ProjectID:         projectID,
		CustomerID:        customerID,
		FeatureSlug:       slug,
		FeatureType:       pv.FeatureType,
		UsageMode:         pv.UsageMode,
		Limit:             limit,
		AggregationMethod: pv.AggregationMethod,
		ResetConfig:       pv.Reset,
		MergingPolicy:     policy,
		Overage:           mergeOverage(policy, pv.Metadata.OverageStrategy, grants),
		NotifyThreshold:   threshold(pv.Metadata.NotifyUsageThreshold),
		BlockCustomer:     pv.Metadata.BlockCustomer,
		Realtime:          pv.Metadata.Realtime,
		Grants:            snapshots,
		Version:           hashOf(canonical),
		EffectiveAt:       effectiveAt,
		ExpiresAt:         expiresAt,
		ComputedAt:        now,
		UpdatedAt:         now,
	}
	return ent, nil
}

func sumLimits(grants []grantdomain.Grant) *decimal.Decimal {
	total := decimal.Zero
	seen := false
	for _, g := range grants {
		if g.Limit == nil {
			continue
		}
		total = total.Add(*g.Limit)
		seen = true
	}
	if !seen {
		return nil
	}
	return &total
}

// pickByLimit selects the grant with the best non-null limit; the input is
// priority-ordered so ties keep the earlier (higher-priority) grant.
func pickByLimit(sorted []grantdomain.Grant, better func(a, b decimal.Decimal) bool) grantdomain.Grant {
	pick := sorted[0]
	for _, g := range sorted[1:] {
		if g.Limit == nil {
			continue
		}
		if pick.Limit == nil || better(*g.Limit, *pick.Limit) {
			pick = g
		}
	}
	return pick
}

func mergedRange(grants []grantdomain.Grant) (time.Time, *time.Time) {
	start := grants[0].EffectiveAt
	var end *time.Time
	for _, g := range grants {
		if g.EffectiveAt.Before(start) {
			start = g.EffectiveAt
		}
		if g.ExpiresAt != nil && (end == nil || g.ExpiresAt.After(*end)) {
			e := *g.ExpiresAt
			end = &e
		}
	}
	return start, end
}

func mergeOverage(policy entitlementdomain.MergingPolicy, winner entitlementdomain.OverageStrategy, grants []grantdomain.Grant) entitlementdomain.OverageStrategy {
	has := func(s entitlementdomain.OverageStrategy) bool {
		for _, g := range grants {
			if g.PlanVersion.Metadata.OverageStrategy == s {
				return true
			}
		}
		return false
	}

	switch policy {
	case entitlementdomain.MergeSum, entitlementdomain.MergeMax:
		if has(entitlementdomain.OverageAlways) {
			return entitlementdomain.OverageAlways
		}
		if has(entitlementdomain.OverageLastCall) {
			return entitlementdomain.OverageLastCall
		}
		return winner
	case entitlementdomain.MergeMin:
		if has(entitlementdomain.OverageNone) {
			return entitlementdomain.OverageNone
		}
		if has(entitlementdomain.OverageLastCall) {
			return entitlementdomain.OverageLastCall
		}
		return entitlementdomain.OverageAlways
	default:
		return winner
	}
}

func threshold(configured float64) float64 {
	if configured <= 0 || configured > 1 {
		return entitlementdomain.DefaultNotifyThreshold
	}
	return configured
}

func snapshot(grants []grantdomain.Grant) []entitlementdomain.GrantSnapshot {
	out := make([]entitlementdomain.GrantSnapshot, 0, len(grants))
	for _, g := range grants {
		out = append(out, entitlementdomain.GrantSnapshot{
			ID:          g.ID.String(),
			Type:        string(g.Type),
			Name:        g.Name,
			EffectiveAt: g.EffectiveAt,
			ExpiresAt:   g.ExpiresAt,
			Limit:       g.Limit,
			Priority:    g.Priority(),
			Config:      g.PlanVersion.Config,
		})
	}
	return out
}

// Renew rolls lapsed auto-renewing grants into the window containing now.
// Subscription and trial grants are excluded: their lifecycle is owned by
// plan events. The returned copies carry zero IDs; the caller assigns ids
// and persists them.
func Renew(grants []grantdomain.Grant, now time.Time) []grantdomain.Grant {
	var renewed []grantdomain.Grant
	for _, g := range grants {
		if g.ActiveAt(now) || !g.Renewable() || g.ExpiresAt == nil || now.Before(*g.ExpiresAt) {
			continue
		}
		cfg := cycle.Config{
			Interval:      cycle.Interval(g.PlanVersion.Billing.Interval),
			IntervalCount: g.PlanVersion.Billing.IntervalCount,
			Anchor:        g.Anchor,
			PlanType:      g.PlanVersion.Billing.PlanType,
		}
		win := cycle.Compute(g.EffectiveAt, nil, now, cfg, nil)
		if win == nil {
			continue
		}
		next := g
		next.ID = 0
		next.EffectiveAt = win.Start
		end := win.End
		next.ExpiresAt = &end
		next.CreatedAt = now
		next.UpdatedAt = now
		renewed = append(renewed, next)
	}
	return renewed
}
