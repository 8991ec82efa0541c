package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/unprice/internal/actorstore"
	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	cachepkg "github.com/smallbiznis/unprice/internal/cache"
	"github.com/smallbiznis/unprice/internal/clock"
	"github.com/smallbiznis/unprice/internal/config"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/unprice/internal/grant/domain"
	grantrepo "github.com/smallbiznis/unprice/internal/grant/repository"
	"github.com/smallbiznis/unprice/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type analyticsStub struct {
	cursor analyticsdomain.UsageCursorResult
	rows   []analyticsdomain.BillingUsageRow
	err    error
}

func (s *analyticsStub) GetFeaturesUsageCursor(context.Context, analyticsdomain.UsageCursorQuery) (analyticsdomain.UsageCursorResult, error) {
	return s.cursor, s.err
}

func (s *analyticsStub) GetBillingUsage(context.Context, string, string, time.Time) ([]analyticsdomain.BillingUsageRow, error) {
	return s.rows, s.err
}

func (s *analyticsStub) IngestUsageRecords(context.Context, []entitlementdomain.UsageRecord) error {
	return nil
}

func (s *analyticsStub) IngestVerifications(context.Context, []entitlementdomain.Verification) error {
	return nil
}

type gateStub struct {
	disabled bool
}

func (g *gateStub) IsDisabled(context.Context, string, string) (bool, error) {
	return g.disabled, nil
}

type harness struct {
	svc       entitlementdomain.Service
	db        *gorm.DB
	store     *actorstore.Store
	clk       *clock.FakeClock
	analytics *analyticsStub
	gate      *gateStub
	node      *snowflake.Node
	t0        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s_grants?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&grantdomain.Grant{}))

	store, err := actorstore.Open(fmt.Sprintf("file:%s_actor?mode=memory&cache=shared", name), zap.NewNop())
	require.NoError(t, err)

	t0 := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(t0)
	stub := &analyticsStub{}

	cfg := config.Config{Cache: config.CacheConfig{
		EntitlementTTL:  time.Minute,
		EntitlementSWR:  5 * time.Minute,
		EntitlementsTTL: time.Minute,
		NegativeTTL:     time.Minute,
		ACLTTL:          time.Minute,
		CurrentUsageTTL: 30 * time.Second,
		CurrentUsageSWR: time.Minute,
		RetryAttempts:   1,
	}}

	node, err := snowflake.NewNode(7)
	require.NoError(t, err)

	gate := &gateStub{}
	svc := NewService(ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     clk,
		Config:    cfg,
		GenID:     node,
		Grants:    grantrepo.New(),
		Analytics: stub,
		Cache:     cachepkg.NewEntitlementCache(nil, cfg.Cache, nil, zap.NewNop()),
		Store:     store,
		Reconciler: reconcile.New(reconcile.Param{
			Analytics: stub,
			Clock:     clk,
			Log:       zap.NewNop(),
		}),
		Customers: gate,
	})

	return &harness{svc: svc, db: db, store: store, clk: clk, analytics: stub, gate: gate, node: node, t0: t0}
}

type grantOpt func(*grantdomain.Grant)

func withLimit(v int64) grantOpt {
	return func(g *grantdomain.Grant) {
		limit := decimal.NewFromInt(v)
		g.Limit = &limit
	}
}

func withType(t grantdomain.GrantType) grantOpt {
	return func(g *grantdomain.Grant) { g.Type = t }
}

func withFeatureType(ft entitlementdomain.FeatureType) grantOpt {
	return func(g *grantdomain.Grant) { g.PlanVersion.FeatureType = ft }
}

func withOverage(s entitlementdomain.OverageStrategy) grantOpt {
	return func(g *grantdomain.Grant) { g.PlanVersion.Metadata.OverageStrategy = s }
}

func withAggregation(m entitlementdomain.AggregationMethod) grantOpt {
	return func(g *grantdomain.Grant) { g.PlanVersion.AggregationMethod = m }
}

func withMonthlyReset() grantOpt {
	return func(g *grantdomain.Grant) {
		g.PlanVersion.Reset = &entitlementdomain.ResetConfig{
			Interval:      "month",
			IntervalCount: 1,
			Anchor:        g.Anchor,
		}
	}
}

func withUnitPrice(price string) grantOpt {
	return func(g *grantdomain.Grant) {
		g.PlanVersion.Config = entitlementdomain.PricingConfig{
			Tiers: []entitlementdomain.PriceTier{
				{FirstUnit: 1, UnitPrice: decimal.RequireFromString(price)},
			},
			Currency: "USD",
		}
	}
}

func (h *harness) seedGrant(t *testing.T, slug string, opts ...grantOpt) grantdomain.Grant {
	t.Helper()
	g := grantdomain.Grant{
		ID:                   h.node.Generate(),
		ProjectID:            "proj_1",
		SubjectKind:          grantdomain.SubjectCustomer,
		SubjectID:            "cust_1",
		Type:                 grantdomain.GrantSubscription,
		FeaturePlanVersionID: "fpv_" + slug,
		Name:                 "Pro Plan",
		Anchor:               h.t0.Add(-24 * time.Hour),
		EffectiveAt:          h.t0.Add(-24 * time.Hour),
		CreatedAt:            h.t0,
		UpdatedAt:            h.t0,
		PlanVersion: grantdomain.FeaturePlanVersion{
			ID:                "fpv_" + slug,
			FeatureSlug:       slug,
			FeatureType:       entitlementdomain.FeatureTypeUsage,
			AggregationMethod: entitlementdomain.AggregationSum,
			UsageMode:         entitlementdomain.UsageModeUnit,
		},
	}
	for _, opt := range opts {
		opt(&g)
	}
	require.NoError(t, h.db.Create(&g).Error)
	return g
}

func TestVerifyAllowsWithinLimit(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100))

	usage := decimal.NewFromInt(10)
	res, err := h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
		Usage:       &usage,
		RequestID:   "req_1",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Limit)
	assert.True(t, res.Limit.Equal(decimal.NewFromInt(100)))
	require.NotNil(t, res.Remaining)
	assert.True(t, res.Remaining.Equal(decimal.NewFromInt(90)))

	// First touch materialized the state.
	key := actorstore.MakeKey("proj_1", "cust_1", "api_calls")
	state, err := h.store.GetState(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, state.Meter)
	assert.True(t, state.Meter.Usage.IsZero())
}

func TestVerifyUnknownFeatureDenied(t *testing.T) {
	h := newHarness(t)

	res, err := h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "missing",
		RequestID:   "req_1",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlementdomain.DenyEntitlementNotFound, res.DeniedReason)

	// Served from the negative cache on the second call.
	res, err = h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "missing",
		RequestID:   "req_2",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlementdomain.DenyEntitlementNotFound, res.DeniedReason)
}

func TestReportUsageConsumesAndPrices(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100), withUnitPrice("0.01"))

	res, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(10),
		IdempotenceKey: "idem_1",
		RequestID:      "req_1",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.Usage.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, res.Cost)
	assert.True(t, res.Cost.Equal(decimal.RequireFromString("0.1")))

	pending, err := h.store.PendingUsage(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "idem_1", pending[0].IdempotenceKey)
	assert.True(t, pending[0].Metadata.Cost.Equal(decimal.RequireFromString("0.1")))
}

func TestReportUsageMissingIdempotenceKey(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100))

	_, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
		Usage:       decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidRequest)
}

func TestReportUsageIdempotentReplay(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100))

	req := entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(10),
		IdempotenceKey: "idem_1",
		RequestID:      "req_1",
	}
	first, err := h.svc.ReportUsage(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.AlreadyRecorded)

	req.RequestID = "req_2"
	second, err := h.svc.ReportUsage(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRecorded)
	assert.True(t, second.Allowed)
	assert.True(t, second.Usage.Equal(decimal.NewFromInt(10)))
	assert.Nil(t, second.Cost)

	pending, err := h.store.PendingUsage(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestReportUsageDeniedOverLimit(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(10), withOverage(entitlementdomain.OverageNone))

	first, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(7),
		IdempotenceKey: "idem_1",
	})
	require.NoError(t, err)
	require.True(t, first.Allowed)

	second, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(5),
		IdempotenceKey: "idem_2",
	})
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, entitlementdomain.DenyLimitExceeded, second.DeniedReason)
	assert.True(t, second.Usage.Equal(decimal.NewFromInt(7)))

	// The denied report buffered nothing.
	pending, err := h.store.PendingUsage(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestVerifyAtLimitDefaultsUsageToOne(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(10), withOverage(entitlementdomain.OverageNone))

	report, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(10),
		IdempotenceKey: "idem_1",
	})
	require.NoError(t, err)
	require.True(t, report.Allowed)

	// No usage on the request means one unit; at the limit that must deny.
	res, err := h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlementdomain.DenyLimitExceeded, res.DeniedReason)
	assert.True(t, res.Usage.Equal(decimal.NewFromInt(10)))

	// An explicit zero proposal is a pure read and passes.
	zero := decimal.NewFromInt(0)
	res, err = h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
		Usage:       &zero,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestVerifyServedFromCacheTier(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100))

	res, err := h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// Drop the durable state and the grants underneath it. The cache tier
	// alone must keep answering.
	key := actorstore.MakeKey("proj_1", "cust_1", "api_calls")
	require.NoError(t, h.store.DeleteState(context.Background(), key))
	require.NoError(t, h.db.Where("project_id = ?", "proj_1").Delete(&grantdomain.Grant{}).Error)

	res, err = h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	require.NotNil(t, res.Limit)
	assert.True(t, res.Limit.Equal(decimal.NewFromInt(100)))
}

func TestVerifyDisabledCustomerDenied(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100))
	h.gate.disabled = true

	res, err := h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, entitlementdomain.DenyRevoked, res.DeniedReason)

	report, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(1),
		IdempotenceKey: "idem_1",
	})
	require.NoError(t, err)
	assert.False(t, report.Allowed)
	assert.Equal(t, entitlementdomain.DenyRevoked, report.DeniedReason)

	// Re-enabling drops the cached gate and the customer is served again.
	h.gate.disabled = false
	require.NoError(t, h.svc.ResetEntitlements(context.Background(), "proj_1", "cust_1"))

	res, err = h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestCycleRolloverResetsPeriodMeter(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100), withMonthlyReset())
	h.seedGrant(t, "total_exports", withLimit(100),
		withAggregation(entitlementdomain.AggregationSumAll))

	for _, slug := range []string{"api_calls", "total_exports"} {
		res, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
			ProjectID:      "proj_1",
			CustomerID:     "cust_1",
			FeatureSlug:    slug,
			Usage:          decimal.NewFromInt(40),
			IdempotenceKey: "idem_" + slug,
		})
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	h.clk.Advance(32 * 24 * time.Hour)
	zero := decimal.NewFromInt(0)

	// The monthly meter starts the new cycle from scratch.
	res, err := h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
		Usage:       &zero,
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.True(t, res.Usage.IsZero())
	require.NotNil(t, res.Remaining)
	assert.True(t, res.Remaining.Equal(decimal.NewFromInt(100)))

	// The lifetime meter carries its counter across the boundary.
	res, err = h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "total_exports",
		Usage:       &zero,
	})
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.True(t, res.Usage.Equal(decimal.NewFromInt(40)))
	require.NotNil(t, res.Remaining)
	assert.True(t, res.Remaining.Equal(decimal.NewFromInt(60)))
}

func TestVerifyFlatFeature(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "sso", withLimit(1),
		withFeatureType(entitlementdomain.FeatureTypeFlat),
		func(g *grantdomain.Grant) {
			g.PlanVersion.AggregationMethod = entitlementdomain.AggregationNone
		})

	res, err := h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "sso",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, entitlementdomain.FeatureTypeFlat, res.FeatureType)
}

func TestGetActiveEntitlements(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "seats", withLimit(5))
	h.seedGrant(t, "api_calls", withLimit(100))

	list, err := h.svc.GetActiveEntitlements(context.Background(), "proj_1", "cust_1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "api_calls", list[0].FeatureSlug)
	assert.Equal(t, "seats", list[1].FeatureSlug)
	assert.NotEmpty(t, list[0].Version)
}

func TestGrantChangeDetectedAfterTTL(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100))

	res, err := h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Limit)
	require.True(t, res.Limit.Equal(decimal.NewFromInt(100)))

	// An addon lands; the cached state serves until the TTL lapses.
	h.seedGrant(t, "api_calls", withLimit(50), withType(grantdomain.GrantAddon))
	h.clk.Advance(2 * time.Minute)

	res, err = h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Limit)
	assert.True(t, res.Limit.Equal(decimal.NewFromInt(150)))
}

func TestResetEntitlements(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100))

	_, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(10),
		IdempotenceKey: "idem_1",
	})
	require.NoError(t, err)

	require.NoError(t, h.svc.ResetEntitlements(context.Background(), "proj_1", "cust_1"))

	states, err := h.store.ListStates(context.Background(), "proj_1", "cust_1")
	require.NoError(t, err)
	assert.Empty(t, states)

	// Resetting twice is a no-op.
	require.NoError(t, h.svc.ResetEntitlements(context.Background(), "proj_1", "cust_1"))

	// The next report rebuilds state from grants; the old idempotence key
	// was wiped with the customer.
	res, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(3),
		IdempotenceKey: "idem_1",
	})
	require.NoError(t, err)
	assert.False(t, res.AlreadyRecorded)
	assert.True(t, res.Usage.Equal(decimal.NewFromInt(3)))
}

func TestAutoRenewRollsLapsedGrant(t *testing.T) {
	h := newHarness(t)
	expired := h.t0.Add(-time.Hour)
	h.seedGrant(t, "api_calls", withLimit(100),
		withType(grantdomain.GrantPromotion),
		func(g *grantdomain.Grant) {
			g.AutoRenew = true
			g.EffectiveAt = h.t0.Add(-31 * 24 * time.Hour)
			g.ExpiresAt = &expired
			g.PlanVersion.Billing = entitlementdomain.BillingConfig{
				Interval:      "month",
				IntervalCount: 1,
			}
		})

	res, err := h.svc.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// The renewal was persisted as a new grant row.
	var count int64
	require.NoError(t, h.db.Model(&grantdomain.Grant{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestGetCurrentUsageGroupsFeatures(t *testing.T) {
	h := newHarness(t)
	h.seedGrant(t, "api_calls", withLimit(100), withUnitPrice("0.01"))
	h.analytics.rows = []analyticsdomain.BillingUsageRow{}

	_, err := h.svc.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(20),
		IdempotenceKey: "idem_1",
	})
	require.NoError(t, err)

	usage, err := h.svc.GetCurrentUsage(context.Background(), "proj_1", "cust_1")
	require.NoError(t, err)
	require.Len(t, usage.Groups, 1)
	require.Len(t, usage.Groups[0].Features, 1)
	f := usage.Groups[0].Features[0]
	assert.Equal(t, "api_calls", f.FeatureSlug)
	assert.True(t, f.Usage.Equal(decimal.NewFromInt(20)))
	assert.True(t, f.Live)
	assert.True(t, f.Cost.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, "USD", usage.Currency)
}
