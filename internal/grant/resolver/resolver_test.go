package resolver

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/unprice/internal/grant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v int64) *decimal.Decimal {
	d := decimal.NewFromInt(v)
	return &d
}

func usageGrant(id int64, grantType grantdomain.GrantType, limit *decimal.Decimal) grantdomain.Grant {
	return grantdomain.Grant{
		ID:          snowflake.ID(id),
		ProjectID:   "proj_1",
		SubjectKind: grantdomain.SubjectCustomer,
		SubjectID:   "cust_1",
		Type:        grantType,
		Name:        string(grantType),
		Limit:       limit,
		EffectiveAt: time.Unix(0, 0).UTC(),
		PlanVersion: grantdomain.FeaturePlanVersion{
			ID:                "fpv_1",
			FeatureSlug:       "api_calls",
			FeatureType:       entitlementdomain.FeatureTypeUsage,
			AggregationMethod: entitlementdomain.AggregationSum,
			UsageMode:         entitlementdomain.UsageModeUnit,
			Metadata: entitlementdomain.FeatureMetadata{
				OverageStrategy: entitlementdomain.OverageNone,
			},
		},
	}
}

func tierGrant(id int64, grantType grantdomain.GrantType, limit *decimal.Decimal) grantdomain.Grant {
	g := usageGrant(id, grantType, limit)
	g.PlanVersion.FeatureSlug = "seats"
	g.PlanVersion.FeatureType = entitlementdomain.FeatureTypeTier
	g.PlanVersion.UsageMode = ""
	return g
}

func TestDerivePolicy(t *testing.T) {
	assert.Equal(t, entitlementdomain.MergeMax,
		DerivePolicy(entitlementdomain.FeatureTypeUsage, entitlementdomain.UsageModeTier))
	assert.Equal(t, entitlementdomain.MergeSum,
		DerivePolicy(entitlementdomain.FeatureTypeUsage, entitlementdomain.UsageModeUnit))
	assert.Equal(t, entitlementdomain.MergeMax,
		DerivePolicy(entitlementdomain.FeatureTypeTier, ""))
	assert.Equal(t, entitlementdomain.MergeMax,
		DerivePolicy(entitlementdomain.FeatureTypePackage, ""))
	assert.Equal(t, entitlementdomain.MergeReplace,
		DerivePolicy(entitlementdomain.FeatureTypeFlat, ""))
}

func TestResolveSumPolicy(t *testing.T) {
	now := time.Unix(100, 0).UTC()
	subscription := usageGrant(1, grantdomain.GrantSubscription, dec(1000))
	promotion := usageGrant(2, grantdomain.GrantPromotion, dec(500))

	ent, err := Resolve("proj_1", "cust_1", []grantdomain.Grant{subscription, promotion}, now)
	require.NoError(t, err)

	assert.Equal(t, entitlementdomain.MergeSum, ent.MergingPolicy)
	require.NotNil(t, ent.Limit)
	assert.True(t, ent.Limit.Equal(decimal.NewFromInt(1500)))
	require.Len(t, ent.Grants, 2)
	// Priority-sorted descending: promotion (70) before subscription (10).
	assert.Equal(t, promotion.ID.String(), ent.Grants[0].ID)
	assert.Equal(t, subscription.ID.String(), ent.Grants[1].ID)
	// Pricing config comes from the winning (highest priority) grant.
	require.NotNil(t, ent.Winner())
	assert.Equal(t, promotion.ID.String(), ent.Winner().ID)
}

func TestResolveMaxPolicyKeepsSingleGrant(t *testing.T) {
	now := time.Unix(100, 0).UTC()
	small := tierGrant(1, grantdomain.GrantSubscription, dec(10))
	large := tierGrant(2, grantdomain.GrantPromotion, dec(50))

	ent, err := Resolve("proj_1", "cust_1", []grantdomain.Grant{small, large}, now)
	require.NoError(t, err)

	assert.Equal(t, entitlementdomain.MergeMax, ent.MergingPolicy)
	require.NotNil(t, ent.Limit)
	assert.True(t, ent.Limit.Equal(decimal.NewFromInt(50)))
	require.Len(t, ent.Grants, 1)
	assert.Equal(t, large.ID.String(), ent.Grants[0].ID)
}

func TestResolveReplaceKeepsWinnerOnly(t *testing.T) {
	now := time.Unix(100, 0).UTC()
	base := usageGrant(1, grantdomain.GrantSubscription, dec(1))
	base.PlanVersion.FeatureType = entitlementdomain.FeatureTypeFlat
	manual := usageGrant(2, grantdomain.GrantManual, dec(1))
	manual.PlanVersion.FeatureType = entitlementdomain.FeatureTypeFlat

	ent, err := Resolve("proj_1", "cust_1", []grantdomain.Grant{base, manual}, now)
	require.NoError(t, err)

	assert.Equal(t, entitlementdomain.MergeReplace, ent.MergingPolicy)
	require.Len(t, ent.Grants, 1)
	assert.Equal(t, manual.ID.String(), ent.Grants[0].ID)
}

func TestResolveErrors(t *testing.T) {
	now := time.Unix(100, 0).UTC()

	_, err := Resolve("proj_1", "cust_1", nil, now)
	assert.ErrorIs(t, err, entitlementdomain.ErrNoGrants)

	a := usageGrant(1, grantdomain.GrantSubscription, dec(10))
	b := usageGrant(2, grantdomain.GrantAddon, dec(10))
	b.PlanVersion.FeatureSlug = "other_feature"
	_, err = Resolve("proj_1", "cust_1", []grantdomain.Grant{a, b}, now)
	assert.ErrorIs(t, err, entitlementdomain.ErrFeatureMismatch)
}

func TestResolveOverageMergePromotes(t *testing.T) {
	now := time.Unix(100, 0).UTC()
	a := usageGrant(1, grantdomain.GrantSubscription, dec(100))
	a.PlanVersion.Metadata.OverageStrategy = entitlementdomain.OverageNone
	b := usageGrant(2, grantdomain.GrantAddon, dec(100))
	b.PlanVersion.Metadata.OverageStrategy = entitlementdomain.OverageLastCall

	ent, err := Resolve("proj_1", "cust_1", []grantdomain.Grant{a, b}, now)
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.OverageLastCall, ent.Overage)

	b.PlanVersion.Metadata.OverageStrategy = entitlementdomain.OverageAlways
	ent, err = Resolve("proj_1", "cust_1", []grantdomain.Grant{a, b}, now)
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.OverageAlways, ent.Overage)
}

func TestResolveVersionTracksGrantChanges(t *testing.T) {
	now := time.Unix(100, 0).UTC()
	a := usageGrant(1, grantdomain.GrantSubscription, dec(100))

	first, err := Resolve("proj_1", "cust_1", []grantdomain.Grant{a}, now)
	require.NoError(t, err)

	same, err := Resolve("proj_1", "cust_1", []grantdomain.Grant{a}, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first.Version, same.Version)

	a.Limit = dec(200)
	changed, err := Resolve("proj_1", "cust_1", []grantdomain.Grant{a}, now)
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, changed.Version)
}

func TestResolveIsFixedPoint(t *testing.T) {
	now := time.Unix(100, 0).UTC()
	grants := []grantdomain.Grant{
		usageGrant(1, grantdomain.GrantSubscription, dec(1000)),
		usageGrant(2, grantdomain.GrantPromotion, dec(500)),
		usageGrant(3, grantdomain.GrantAddon, nil),
	}

	first, err := Resolve("proj_1", "cust_1", grants, now)
	require.NoError(t, err)

	// Re-resolving over the retained snapshot grants yields the same merge.
	var retained []grantdomain.Grant
	for _, g := range grants {
		for _, snap := range first.Grants {
			if g.ID.String() == snap.ID {
				retained = append(retained, g)
			}
		}
	}
	second, err := Resolve("proj_1", "cust_1", retained, now)
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.MergingPolicy, second.MergingPolicy)
	if first.Limit == nil {
		assert.Nil(t, second.Limit)
	} else {
		assert.True(t, first.Limit.Equal(*second.Limit))
	}
}

func TestRenewAdvancesLapsedPromotions(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	expired := start.AddDate(0, 1, 0)
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	g := usageGrant(1, grantdomain.GrantPromotion, dec(100))
	g.AutoRenew = true
	g.Anchor = start
	g.EffectiveAt = start
	g.ExpiresAt = &expired
	g.PlanVersion.Billing = entitlementdomain.BillingConfig{Interval: "month", IntervalCount: 1}

	renewed := Renew([]grantdomain.Grant{g}, now)
	require.Len(t, renewed, 1)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), renewed[0].EffectiveAt)
	require.NotNil(t, renewed[0].ExpiresAt)
	assert.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), *renewed[0].ExpiresAt)

	// Subscriptions never auto-renew through the resolver.
	g.Type = grantdomain.GrantSubscription
	assert.Empty(t, Renew([]grantdomain.Grant{g}, now))
}
