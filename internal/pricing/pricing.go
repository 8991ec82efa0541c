// Package pricing computes the cost of metered usage against the pricing
// shape snapshotted on the winning grant.
package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
)

// Charge is the cost attribution of one usage report.
type Charge struct {
	// Cost is the marginal cost of the report: total(after) - total(before).
	Cost decimal.Decimal
	// Rate is the unit price of the tier the counter ended in.
	Rate decimal.Decimal
	// RateAmount is the flat component of that tier, when present.
	RateAmount decimal.Decimal
	Currency   string
}

// CostOf prices a usage transition from usageBefore to usageAfter. Negative
// transitions (refunds) produce a negative cost.
func CostOf(cfg entitlementdomain.PricingConfig, usageBefore, usageAfter decimal.Decimal) Charge {
	charge := Charge{Currency: cfg.Currency}

	switch {
	case len(cfg.Tiers) > 0:
		before := tieredTotal(cfg.Tiers, usageBefore)
		after := tieredTotal(cfg.Tiers, usageAfter)
		charge.Cost = after.Sub(before)
		tier := tierFor(cfg.Tiers, usageAfter)
		charge.Rate = tier.UnitPrice
		if tier.FlatPrice != nil {
			charge.RateAmount = *tier.FlatPrice
		}
	case len(cfg.Packages) > 0:
		pkg := cfg.Packages[0]
		before := packageTotal(pkg, usageBefore)
		after := packageTotal(pkg, usageAfter)
		charge.Cost = after.Sub(before)
		charge.Rate = pkg.Price
	case cfg.FlatPrice != nil:
		// Flat prices do not scale with usage; the marginal cost of a
		// report is zero.
		charge.RateAmount = *cfg.FlatPrice
	}
	return charge
}

// TotalOf prices an absolute usage level, for billing summaries.
func TotalOf(cfg entitlementdomain.PricingConfig, usage decimal.Decimal) decimal.Decimal {
	switch {
	case len(cfg.Tiers) > 0:
		return tieredTotal(cfg.Tiers, usage)
	case len(cfg.Packages) > 0:
		return packageTotal(cfg.Packages[0], usage)
	case cfg.FlatPrice != nil:
		return *cfg.FlatPrice
	default:
		return decimal.Zero
	}
}

// tieredTotal walks the graduated tiers and sums each tier's share of usage.
// A tier's flat price is charged once the counter enters the tier.
func tieredTotal(tiers []entitlementdomain.PriceTier, usage decimal.Decimal) decimal.Decimal {
	if usage.Sign() <= 0 {
		return decimal.Zero
	}
	sorted := sortedTiers(tiers)

	total := decimal.Zero
	for _, tier := range sorted {
		first := decimal.NewFromFloat(tier.FirstUnit)
		if usage.LessThan(first) {
			break
		}
		upper := usage
		if tier.LastUnit != nil {
			last := decimal.NewFromFloat(*tier.LastUnit)
			if upper.GreaterThan(last) {
				upper = last
			}
		}
		// Units billed inside this tier: [first, upper].
		units := upper.Sub(first).Add(decimal.NewFromInt(1))
		if units.Sign() > 0 {
			total = total.Add(units.Mul(tier.UnitPrice))
		}
		if tier.FlatPrice != nil {
			total = total.Add(*tier.FlatPrice)
		}
	}
	return total
}

// tierFor returns the tier containing the usage level, or the last tier when
// usage runs past every bounded tier.
func tierFor(tiers []entitlementdomain.PriceTier, usage decimal.Decimal) entitlementdomain.PriceTier {
	sorted := sortedTiers(tiers)
	pick := sorted[0]
	for _, tier := range sorted {
		first := decimal.NewFromFloat(tier.FirstUnit)
		if usage.LessThan(first) {
			break
		}
		pick = tier
	}
	return pick
}

func sortedTiers(tiers []entitlementdomain.PriceTier) []entitlementdomain.PriceTier {
	sorted := make([]entitlementdomain.PriceTier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FirstUnit < sorted[j].FirstUnit
	})
	return sorted
}

// packageTotal bills usage in whole blocks: any part of a block consumes it.
func packageTotal(pkg entitlementdomain.PricePackage, usage decimal.Decimal) decimal.Decimal {
	if usage.Sign() <= 0 || pkg.Size <= 0 {
		return decimal.Zero
	}
	size := decimal.NewFromFloat(pkg.Size)
	blocks := usage.Div(size).Ceil()
	return blocks.Mul(pkg.Price)
}
