// Package service orchestrates entitlement decisions: it resolves grants,
// drives the usage meter, keeps the tiered cache coherent and schedules
// background reconciliation.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/unprice/internal/actorstore"
	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	cachepkg "github.com/smallbiznis/unprice/internal/cache"
	"github.com/smallbiznis/unprice/internal/clock"
	"github.com/smallbiznis/unprice/internal/config"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/unprice/internal/grant/domain"
	"github.com/smallbiznis/unprice/internal/grant/resolver"
	"github.com/smallbiznis/unprice/internal/meter"
	"github.com/smallbiznis/unprice/internal/observability/metrics"
	"github.com/smallbiznis/unprice/internal/pricing"
	"github.com/smallbiznis/unprice/internal/reconcile"
	"github.com/smallbiznis/unprice/internal/reqctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// renewLookback is how far back the grant query reaches so lapsed
// auto-renewing grants can be rolled into the current cycle.
const renewLookback = 35 * 24 * time.Hour

// minIdempotenceTTL floors idempotence-key retention.
const minIdempotenceTTL = time.Hour

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newRecordID mints a ULID seeded from the event timestamp so record ids
// sort in event order.
func newRecordID(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), entropy).String()
}

// ulidFloor is the smallest ULID carrying t's timestamp.
func ulidFloor(t time.Time) string {
	var id ulid.ULID
	_ = id.SetTime(ulid.Timestamp(t))
	return id.String()
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger
	clk clock.Clock
	cfg config.Config

	genID      *snowflake.Node
	grants     grantdomain.Repository
	analytics  analyticsdomain.Client
	cache      *cachepkg.EntitlementCache
	store      *actorstore.Store
	reconciler *reconcile.Reconciler
	metrics    *metrics.Metrics
	customers  entitlementdomain.CustomerGate
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Config     config.Config
	GenID      *snowflake.Node
	Grants     grantdomain.Repository
	Analytics  analyticsdomain.Client
	Cache      *cachepkg.EntitlementCache
	Store      *actorstore.Store
	Reconciler *reconcile.Reconciler
	Metrics    *metrics.Metrics
	Customers  entitlementdomain.CustomerGate `optional:"true"`
}

func NewService(p ServiceParam) entitlementdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("entitlement.service"),
		clk:        p.Clock,
		cfg:        p.Config,
		genID:      p.GenID,
		grants:     p.Grants,
		analytics:  p.Analytics,
		cache:      p.Cache,
		store:      p.Store,
		reconciler: p.Reconciler,
		metrics:    p.Metrics,
		customers:  p.Customers,
	}
}

func (s *Service) at(ts time.Time) time.Time {
	if ts.IsZero() {
		return s.clk.Now()
	}
	return ts.UTC()
}

// Verify answers whether a feature is currently allowed for a customer.
// The meter is never advanced; only a meter initialized on first touch is
// persisted.
func (s *Service) Verify(ctx context.Context, req entitlementdomain.VerifyRequest) (entitlementdomain.VerifyResult, error) {
	started := s.clk.Now()
	if req.ProjectID == "" || req.CustomerID == "" || req.FeatureSlug == "" {
		return entitlementdomain.VerifyResult{}, entitlementdomain.ErrInvalidRequest
	}
	now := s.at(req.Timestamp)
	if s.customerDisabled(ctx, req.ProjectID, req.CustomerID) {
		return s.denyVerify(ctx, req, now, started, entitlementdomain.DenyRevoked, "customer disabled"), nil
	}

	state, err := s.getStateWithRevalidation(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug, now)
	if err != nil {
		return entitlementdomain.VerifyResult{}, err
	}
	if state == nil {
		return s.denyVerify(ctx, req, now, started, entitlementdomain.DenyEntitlementNotFound, "entitlement not found"), nil
	}
	if reason, msg := s.validateEntitlementState(ctx, state, now); reason != "" {
		return s.denyVerify(ctx, req, now, started, reason, msg), nil
	}

	m := meter.New(state)
	res := m.Verify(now, req.Usage)
	state.Meter = ptrMeter(m.ToPersist())
	s.persistState(ctx, state)

	result := entitlementdomain.VerifyResult{
		Allowed:       res.Allowed,
		Message:       res.Message,
		DeniedReason:  res.DeniedReason,
		Usage:         res.Usage,
		Limit:         res.Limit,
		Remaining:     res.Remaining,
		OverThreshold: res.OverThreshold,
		Latency:       s.clk.Now().Sub(started),
		FeatureType:   state.FeatureType,
	}
	s.appendVerification(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug, req.RequestID, req.Metadata, now, result)
	s.metrics.RecordVerification(ctx, req.FeatureSlug, result.Allowed, result.Latency)

	if !res.Allowed && res.DeniedReason == entitlementdomain.DenyLimitExceeded && state.BlockCustomer {
		s.setUsageLimitReached(ctx, req.ProjectID, req.CustomerID, true)
	}
	s.backgroundReconcile(ctx, state)
	return result, nil
}

func (s *Service) denyVerify(ctx context.Context, req entitlementdomain.VerifyRequest, now, started time.Time, reason entitlementdomain.DenyReason, msg string) entitlementdomain.VerifyResult {
	result := entitlementdomain.VerifyResult{
		Allowed:      false,
		Message:      msg,
		DeniedReason: reason,
		Latency:      s.clk.Now().Sub(started),
	}
	s.appendVerification(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug, req.RequestID, req.Metadata, now, result)
	s.metrics.RecordVerification(ctx, req.FeatureSlug, false, result.Latency)
	return result
}

// ReportUsage records usage against the meter. Repeated calls with the same
// idempotence key return the current meter without recording anything.
func (s *Service) ReportUsage(ctx context.Context, req entitlementdomain.ReportUsageRequest) (entitlementdomain.ReportUsageResult, error) {
	if req.ProjectID == "" || req.CustomerID == "" || req.FeatureSlug == "" || req.IdempotenceKey == "" {
		return entitlementdomain.ReportUsageResult{}, entitlementdomain.ErrInvalidRequest
	}
	now := s.at(req.Timestamp)
	if s.customerDisabled(ctx, req.ProjectID, req.CustomerID) {
		return entitlementdomain.ReportUsageResult{
			Allowed:      false,
			DeniedReason: entitlementdomain.DenyRevoked,
			Message:      "customer disabled",
		}, nil
	}

	state, err := s.getStateWithRevalidation(ctx, req.ProjectID, req.CustomerID, req.FeatureSlug, now)
	if err != nil {
		return entitlementdomain.ReportUsageResult{}, err
	}
	if state == nil {
		return entitlementdomain.ReportUsageResult{
			Allowed:      false,
			DeniedReason: entitlementdomain.DenyEntitlementNotFound,
			Message:      "entitlement not found",
		}, nil
	}
	if reason, msg := s.validateEntitlementState(ctx, state, now); reason != "" {
		return entitlementdomain.ReportUsageResult{Allowed: false, DeniedReason: reason, Message: msg}, nil
	}

	key := actorstore.MakeKey(req.ProjectID, req.CustomerID, req.FeatureSlug)
	seen, err := s.store.ObserveIdempotenceKey(ctx, key+":"+req.IdempotenceKey, s.idempotenceTTL(state, now))
	if err != nil {
		return entitlementdomain.ReportUsageResult{}, err
	}

	m := meter.New(state)
	if seen {
		res := m.Current()
		s.metrics.RecordUsageReport(ctx, req.FeatureSlug, true)
		return entitlementdomain.ReportUsageResult{
			Allowed:         true,
			AlreadyRecorded: true,
			Usage:           res.Usage,
			Limit:           res.Limit,
			Remaining:       res.Remaining,
			Message:         "already recorded",
		}, nil
	}

	usageBefore := m.ToPersist().Usage
	res := m.Consume(req.Usage, now)
	result := entitlementdomain.ReportUsageResult{
		Allowed:           res.Allowed,
		Remaining:         res.Remaining,
		Message:           res.Message,
		DeniedReason:      res.DeniedReason,
		Usage:             res.Usage,
		Limit:             res.Limit,
		NotifiedOverLimit: res.OverThreshold,
	}

	if res.Allowed {
		var charge pricing.Charge
		if winner := state.Winner(); winner != nil {
			charge = pricing.CostOf(winner.Config, usageBefore, res.Usage)
		}
		result.Cost = &charge.Cost

		record := entitlementdomain.UsageRecord{
			ID:             newRecordID(now),
			CustomerID:     req.CustomerID,
			ProjectID:      req.ProjectID,
			FeatureSlug:    req.FeatureSlug,
			Usage:          req.Usage,
			Timestamp:      now,
			IdempotenceKey: req.IdempotenceKey,
			RequestID:      req.RequestID,
			CreatedAt:      s.clk.Now(),
			Metadata: entitlementdomain.RecordMetadata{
				Cost:         charge.Cost,
				Rate:         charge.Rate,
				RateAmount:   charge.RateAmount,
				RateCurrency: charge.Currency,
				Extra:        req.Metadata,
			},
		}
		if err := s.store.AppendUsage(ctx, key, record); err != nil {
			// The decision stands; the record is retried by the flush loop
			// only if it made it into the buffer, so log loudly.
			s.log.Error("usage record append failed",
				zap.String("record_id", record.ID), zap.Error(err))
		}

		state.Meter = ptrMeter(m.ToPersist())
		s.persistState(ctx, state)

		// A refund that frees headroom lifts the customer block.
		if req.Usage.IsNegative() && res.Remaining != nil && res.Remaining.IsPositive() {
			s.setUsageLimitReached(ctx, req.ProjectID, req.CustomerID, false)
		}
	} else if res.DeniedReason == entitlementdomain.DenyLimitExceeded && state.BlockCustomer {
		s.setUsageLimitReached(ctx, req.ProjectID, req.CustomerID, true)
	}

	s.metrics.RecordUsageReport(ctx, req.FeatureSlug, false)
	s.backgroundReconcile(ctx, state)
	return result, nil
}

// getStateWithRevalidation is the single entry to entitlement state: it
// reads through the cache tiers into the durable store, lazily computes,
// revalidates and cycle-resets. nil with no error means the customer has no
// entitlement for the feature.
func (s *Service) getStateWithRevalidation(ctx context.Context, projectID, customerID, slug string, now time.Time) (*entitlementdomain.EntitlementState, error) {
	featureKey := cachepkg.FeatureKey(projectID, customerID, slug)
	if neg, found, _ := s.cache.Negative.Get(ctx, featureKey, nil); found && neg {
		return nil, nil
	}

	if cached, found, _ := s.cache.Entitlement.Get(ctx, featureKey, nil); found && cached != nil && cached.Meter != nil {
		return s.refreshState(ctx, cloneState(cached), now)
	}

	key := actorstore.MakeKey(projectID, customerID, slug)
	state, err := s.store.GetState(ctx, key)
	if errors.Is(err, actorstore.ErrNotFound) {
		return s.computeState(ctx, projectID, customerID, slug, now)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entitlementdomain.ErrFetchFailed, err)
	}
	return s.refreshState(ctx, state, now)
}

// refreshState runs the expiry/revalidation/cycle ladder over loaded state.
func (s *Service) refreshState(ctx context.Context, state *entitlementdomain.EntitlementState, now time.Time) (*entitlementdomain.EntitlementState, error) {
	if state.ExpiresAt != nil && !now.Before(*state.ExpiresAt) {
		return s.recomputeState(ctx, state, now)
	}
	if !now.Before(state.NextRevalidateAt) || state.Meter == nil {
		return s.revalidateState(ctx, state, now)
	}

	if s.ensureCycle(ctx, state, now) {
		s.persistState(ctx, state)
	}
	return state, nil
}

// computeState resolves grants into a fresh entitlement, initializes its
// meter from analytics and persists it. A customer without grants for the
// feature is negative-cached.
func (s *Service) computeState(ctx context.Context, projectID, customerID, slug string, now time.Time) (*entitlementdomain.EntitlementState, error) {
	ent, err := s.resolveEntitlement(ctx, projectID, customerID, slug, now)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		s.cache.Negative.Set(ctx, cachepkg.FeatureKey(projectID, customerID, slug), true)
		return nil, nil
	}
	state := &entitlementdomain.EntitlementState{Entitlement: *ent}
	s.initializeMeter(ctx, state, now)
	s.persistState(ctx, state)
	return state, nil
}

// recomputeState replaces an expired entitlement. When no grant survives
// the state is deleted and nil is returned.
func (s *Service) recomputeState(ctx context.Context, state *entitlementdomain.EntitlementState, now time.Time) (*entitlementdomain.EntitlementState, error) {
	ent, err := s.resolveEntitlement(ctx, state.ProjectID, state.CustomerID, state.FeatureSlug, now)
	if err != nil {
		return nil, err
	}
	key := actorstore.MakeKey(state.ProjectID, state.CustomerID, state.FeatureSlug)
	if ent == nil {
		if err := s.store.DeleteState(ctx, key); err != nil {
			s.log.Warn("expired state delete failed", zap.String("key", key), zap.Error(err))
		}
		s.cache.Entitlement.Delete(ctx, cachepkg.FeatureKey(state.ProjectID, state.CustomerID, state.FeatureSlug))
		s.cache.Negative.Set(ctx, cachepkg.FeatureKey(state.ProjectID, state.CustomerID, state.FeatureSlug), true)
		return nil, nil
	}
	fresh := &entitlementdomain.EntitlementState{Entitlement: *ent}
	s.initializeMeter(ctx, fresh, now)
	s.persistState(ctx, fresh)
	return fresh, nil
}

// revalidateState compares the stored version against a re-resolve. On a
// mismatch the entitlement is replaced and the meter re-initialized; on a
// match only the revalidation horizon moves.
func (s *Service) revalidateState(ctx context.Context, state *entitlementdomain.EntitlementState, now time.Time) (*entitlementdomain.EntitlementState, error) {
	ent, err := s.resolveEntitlement(ctx, state.ProjectID, state.CustomerID, state.FeatureSlug, now)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return s.recomputeState(ctx, state, now)
	}

	if ent.Version != state.Version || state.Meter == nil {
		fresh := &entitlementdomain.EntitlementState{Entitlement: *ent}
		s.initializeMeter(ctx, fresh, now)
		s.persistState(ctx, fresh)
		s.backgroundReconcile(ctx, fresh)
		return fresh, nil
	}

	state.NextRevalidateAt = now.Add(s.revalidateEvery())
	state.UpdatedAt = now
	s.ensureCycle(ctx, state, now)
	s.persistState(ctx, state)
	s.backgroundReconcile(ctx, state)
	return state, nil
}

func (s *Service) revalidateEvery() time.Duration {
	if s.cfg.Cache.EntitlementTTL > 0 {
		return s.cfg.Cache.EntitlementTTL
	}
	return time.Minute
}

// ensureCycle re-initializes period-scoped meters when the cycle window
// rolled over since the meter was last touched. Reports whether it did.
func (s *Service) ensureCycle(ctx context.Context, state *entitlementdomain.EntitlementState, now time.Time) bool {
	agg := entitlementdomain.AggregationFor(state.AggregationMethod)
	if !agg.Resets || state.Meter == nil {
		return false
	}
	win := entitlementdomain.CycleWindow(state.Entitlement, now)
	if win == nil {
		return false
	}
	if state.Meter.LastCycleStart != nil && state.Meter.LastCycleStart.Equal(win.Start) {
		return false
	}
	s.initializeMeter(ctx, state, now)
	return true
}

// initializeMeter seeds the meter from settled analytics usage in the
// current cycle. Analytics downtime leaves an empty cursor so the
// reconciler keeps escalating until initialization succeeds.
func (s *Service) initializeMeter(ctx context.Context, state *entitlementdomain.EntitlementState, now time.Time) {
	cycleStart := entitlementdomain.CycleStart(state.Entitlement, now)
	watermark := now.Add(-reconcile.WatermarkDelay)
	if watermark.Before(cycleStart) {
		watermark = cycleStart
	}
	beforeRecordID := ulidFloor(watermark)

	res, err := s.analytics.GetFeaturesUsageCursor(ctx, analyticsdomain.UsageCursorQuery{
		ProjectID:      state.ProjectID,
		CustomerID:     state.CustomerID,
		FeatureSlug:    state.FeatureSlug,
		Aggregation:    state.AggregationMethod,
		CycleStart:     cycleStart,
		BeforeRecordID: beforeRecordID,
	})
	if err != nil {
		s.log.Warn("meter initialization from analytics failed",
			zap.String("entitlement_id", state.ID), zap.Error(err))
		state.Meter = &entitlementdomain.MeterState{
			LastUpdated:    now,
			LastCycleStart: &cycleStart,
		}
		return
	}

	lastID := res.LastRecordID
	if lastID == "" {
		lastID = beforeRecordID
	}
	state.Meter = &entitlementdomain.MeterState{
		Usage:            res.Total,
		SnapshotUsage:    res.Total,
		LastReconciledID: lastID,
		LastUpdated:      now,
		LastCycleStart:   &cycleStart,
	}
}

// resolveEntitlement loads grants (rolling lapsed auto-renew grants
// forward) and merges the ones matching the feature. nil means no active
// grant for the feature.
func (s *Service) resolveEntitlement(ctx context.Context, projectID, customerID, slug string, now time.Time) (*entitlementdomain.Entitlement, error) {
	grants, err := s.loadGrants(ctx, projectID, customerID, now)
	if err != nil {
		return nil, err
	}

	var matching []grantdomain.Grant
	for _, g := range grants {
		if g.PlanVersion.FeatureSlug == slug && g.ActiveAt(now) {
			matching = append(matching, g)
		}
	}
	if len(matching) == 0 {
		return nil, nil
	}

	ent, err := resolver.Resolve(projectID, customerID, matching, now)
	if err != nil {
		return nil, err
	}
	ent.NextRevalidateAt = now.Add(s.revalidateEvery())
	return ent, nil
}

// loadGrants fetches grants for the customer and project layers over a
// window wide enough to catch recently lapsed auto-renewing grants, and
// rolls those into the current cycle.
func (s *Service) loadGrants(ctx context.Context, projectID, customerID string, now time.Time) ([]grantdomain.Grant, error) {
	subjects := []grantdomain.Subject{
		{Kind: grantdomain.SubjectCustomer, ID: customerID},
		{Kind: grantdomain.SubjectProject, ID: projectID},
	}
	from := now.Add(-renewLookback)
	to := now.Add(time.Nanosecond)
	grants, err := s.grants.ListActiveForSubjects(ctx, s.db, projectID, subjects, from, &to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entitlementdomain.ErrFetchFailed, err)
	}

	for _, renewed := range resolver.Renew(grants, now) {
		renewed.ID = s.genID.Generate()
		if err := s.grants.Insert(ctx, s.db, &renewed); err != nil {
			s.log.Warn("grant renewal insert failed",
				zap.String("grant_name", renewed.Name), zap.Error(err))
			continue
		}
		grants = append(grants, renewed)
	}
	return grants, nil
}

// validateEntitlementState rejects states whose window no longer covers
// now or whose grants all lapsed since computation.
func (s *Service) validateEntitlementState(ctx context.Context, state *entitlementdomain.EntitlementState, now time.Time) (entitlementdomain.DenyReason, string) {
	if now.Before(state.EffectiveAt) {
		return entitlementdomain.DenyNotActive, "entitlement not yet active"
	}
	if state.ExpiresAt != nil && !now.Before(*state.ExpiresAt) {
		return entitlementdomain.DenyExpired, "entitlement expired"
	}

	active := 0
	for _, g := range state.Grants {
		if !now.Before(g.EffectiveAt) && (g.ExpiresAt == nil || now.Before(*g.ExpiresAt)) {
			active++
		}
	}
	if active == len(state.Grants) {
		return "", ""
	}

	// A contributing grant lapsed between computation and use: re-merge.
	fresh, err := s.revalidateState(ctx, state, now)
	if err != nil || fresh == nil {
		return entitlementdomain.DenyExpired, "no active grants"
	}
	*state = *fresh
	return "", ""
}

// persistState writes the hot state to the durable store and mirrors it
// into the cache tiers so the next read skips the store entirely.
func (s *Service) persistState(ctx context.Context, state *entitlementdomain.EntitlementState) {
	key := actorstore.MakeKey(state.ProjectID, state.CustomerID, state.FeatureSlug)
	if err := s.store.PutState(ctx, key, state); err != nil {
		s.log.Error("state persist failed", zap.String("key", key), zap.Error(err))
	}
	s.cache.Entitlement.Set(ctx, cachepkg.FeatureKey(state.ProjectID, state.CustomerID, state.FeatureSlug), cloneState(state))
	s.cache.Negative.Delete(ctx, cachepkg.FeatureKey(state.ProjectID, state.CustomerID, state.FeatureSlug))
}

// cloneState copies a state so cache entries and their readers never share
// the mutable meter.
func cloneState(state *entitlementdomain.EntitlementState) *entitlementdomain.EntitlementState {
	out := *state
	if state.Meter != nil {
		m := *state.Meter
		out.Meter = &m
	}
	return &out
}

func (s *Service) appendVerification(ctx context.Context, projectID, customerID, slug, requestID string, extra map[string]any, now time.Time, result entitlementdomain.VerifyResult) {
	if requestID == "" {
		if req, ok := reqctx.FromContext(ctx); ok {
			requestID = req.RequestID
		}
	}
	v := entitlementdomain.Verification{
		CustomerID:   customerID,
		ProjectID:    projectID,
		FeatureSlug:  slug,
		Timestamp:    now,
		Allowed:      result.Allowed,
		DeniedReason: result.DeniedReason,
		Latency:      result.Latency,
		RequestID:    requestID,
		CreatedAt:    s.clk.Now(),
		Metadata: entitlementdomain.VerificationMetadata{
			Usage:     result.Usage,
			Remaining: result.Remaining,
			Extra:     extra,
		},
	}
	key := actorstore.MakeKey(projectID, customerID, slug)
	if err := s.store.AppendVerification(ctx, key, v); err != nil {
		s.log.Warn("verification append failed", zap.String("key", key), zap.Error(err))
	}
}

// idempotenceTTL is twice the cycle length, floored at one hour. Lifetime
// meters keep keys for a day.
func (s *Service) idempotenceTTL(state *entitlementdomain.EntitlementState, now time.Time) time.Duration {
	win := entitlementdomain.CycleWindow(state.Entitlement, now)
	if win == nil {
		return 24 * time.Hour
	}
	ttl := 2 * win.End.Sub(win.Start)
	if ttl < minIdempotenceTTL {
		return minIdempotenceTTL
	}
	return ttl
}

// customerDisabled consults the registry gate through the cached ACL. A
// gate read failure fails open: a registry outage must not take down the
// decision path.
func (s *Service) customerDisabled(ctx context.Context, projectID, customerID string) bool {
	if s.customers == nil {
		return false
	}
	acl, err := s.GetAccessControlList(ctx, projectID, customerID)
	if err != nil {
		s.log.Warn("customer gate read failed",
			zap.String("customer_id", customerID), zap.Error(err))
		return false
	}
	return acl.Disabled
}

// setUsageLimitReached flips the cached ACL in the background, detached
// from the request lifetime. The remaining gate flags are preserved.
func (s *Service) setUsageLimitReached(ctx context.Context, projectID, customerID string, reached bool) {
	detached := reqctx.Detach(ctx)
	go func() {
		acl, err := s.GetAccessControlList(detached, projectID, customerID)
		if err != nil || acl == nil {
			acl = &entitlementdomain.AccessControlList{SubscriptionStatus: "active"}
		}
		updated := *acl
		updated.UsageLimitReached = reached
		s.cache.ACL.Set(detached, cachepkg.CustomerKey(projectID, customerID), &updated)
	}()
}

// backgroundReconcile realigns the meter with analytics without blocking
// the caller. Errors are logged inside the reconciler.
func (s *Service) backgroundReconcile(ctx context.Context, state *entitlementdomain.EntitlementState) {
	if state.Meter == nil {
		return
	}
	snapshot := *state
	m := *state.Meter
	snapshot.Meter = &m
	usageBefore := m.Usage

	detached := reqctx.Detach(ctx)
	go func() {
		runCtx, cancel := context.WithTimeout(detached, 15*time.Second)
		defer cancel()
		changed, err := s.reconciler.Reconcile(runCtx, &snapshot)
		if err != nil || !changed {
			return
		}
		key := actorstore.MakeKey(snapshot.ProjectID, snapshot.CustomerID, snapshot.FeatureSlug)
		current, err := s.store.GetState(runCtx, key)
		if err != nil {
			return
		}
		// Fold only the reconciled correction onto the freshest state so
		// local usage that landed meanwhile is preserved. The reconciler
		// re-baselined the snapshot, so its counter is the new baseline.
		if current.Meter == nil || current.Meter.LastReconciledID > snapshot.Meter.LastReconciledID {
			return
		}
		drift := snapshot.Meter.Usage.Sub(usageBefore)
		current.Meter.Usage = current.Meter.Usage.Add(drift)
		current.Meter.SnapshotUsage = snapshot.Meter.SnapshotUsage
		current.Meter.LastReconciledID = snapshot.Meter.LastReconciledID
		current.Meter.LastUpdated = s.clk.Now()
		s.persistState(runCtx, current)
	}()
}

// GetCurrentUsage assembles the billing-period summary, combining live
// meters with analytics-derived totals for idle features.
func (s *Service) GetCurrentUsage(ctx context.Context, projectID, customerID string) (*entitlementdomain.CurrentUsage, error) {
	customerKey := cachepkg.CustomerKey(projectID, customerID)
	usage, found, err := s.cache.CurrentUsage.Get(ctx, customerKey, func(loadCtx context.Context) (*entitlementdomain.CurrentUsage, bool, error) {
		return s.buildCurrentUsage(loadCtx, projectID, customerID)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, entitlementdomain.ErrNotFound
	}
	return usage, nil
}

func (s *Service) buildCurrentUsage(ctx context.Context, projectID, customerID string) (*entitlementdomain.CurrentUsage, bool, error) {
	now := s.clk.Now()
	states, err := s.store.ListStates(ctx, projectID, customerID)
	if err != nil {
		return nil, false, err
	}
	if len(states) == 0 {
		if err := s.hydrateStates(ctx, projectID, customerID, now); err != nil {
			return nil, false, err
		}
		if states, err = s.store.ListStates(ctx, projectID, customerID); err != nil {
			return nil, false, err
		}
		if len(states) == 0 {
			return nil, false, nil
		}
	}

	earliestCycle := now
	for _, st := range states {
		if cs := entitlementdomain.CycleStart(st.Entitlement, now); cs.Before(earliestCycle) {
			earliestCycle = cs
		}
	}
	rows, err := s.analytics.GetBillingUsage(ctx, projectID, customerID, earliestCycle)
	if err != nil {
		s.log.Warn("billing usage read failed", zap.Error(err))
	}
	settled := make(map[string]analyticsdomain.BillingUsageRow, len(rows))
	for _, row := range rows {
		settled[row.FeatureSlug] = row
	}

	summary := &entitlementdomain.CurrentUsage{}
	groups := map[entitlementdomain.FeatureType][]entitlementdomain.CurrentUsageFeature{}
	periodSet := false

	for _, st := range states {
		feature := entitlementdomain.CurrentUsageFeature{
			FeatureSlug: st.FeatureSlug,
			FeatureType: st.FeatureType,
			Limit:       st.Limit,
		}
		live := st.Meter != nil && st.Meter.LastReconciledID != ""
		feature.Live = live
		switch {
		case live:
			feature.Usage = st.Meter.Usage
		default:
			if row, ok := settled[st.FeatureSlug]; ok {
				feature.Usage = row.Usage
			}
		}
		if st.Limit != nil {
			remaining := st.Limit.Sub(feature.Usage)
			feature.Remaining = &remaining
		}
		if winner := st.Winner(); winner != nil {
			feature.Cost = pricing.TotalOf(winner.Config, feature.Usage)
			if summary.Currency == "" {
				summary.Currency = winner.Config.Currency
			}
			if summary.PlanName == "" && winner.Type == string(grantdomain.GrantSubscription) {
				summary.PlanName = winner.Name
			}
		}
		accumulateSummary(&summary.PriceSummary, st, feature.Cost)
		groups[st.FeatureType] = append(groups[st.FeatureType], feature)

		if !periodSet && st.ResetConfig != nil {
			if win := entitlementdomain.CycleWindow(st.Entitlement, now); win != nil {
				summary.BillingPeriod = st.ResetConfig.Interval
				end := win.End
				summary.RenewalDate = &end
				summary.DaysRemaining = int(end.Sub(now).Hours() / 24)
				periodSet = true
			}
		}
	}

	order := []entitlementdomain.FeatureType{
		entitlementdomain.FeatureTypeUsage,
		entitlementdomain.FeatureTypeTier,
		entitlementdomain.FeatureTypePackage,
		entitlementdomain.FeatureTypeFlat,
	}
	for _, ft := range order {
		features := groups[ft]
		if len(features) == 0 {
			continue
		}
		sort.Slice(features, func(i, j int) bool { return features[i].FeatureSlug < features[j].FeatureSlug })
		summary.Groups = append(summary.Groups, entitlementdomain.CurrentUsageGroup{
			Name:     string(ft),
			Features: features,
		})
	}
	return summary, true, nil
}

func accumulateSummary(sum *entitlementdomain.PriceSummary, st *entitlementdomain.EntitlementState, cost decimal.Decimal) {
	sum.TotalPrice = sum.TotalPrice.Add(cost)
	winner := st.Winner()
	if winner == nil {
		return
	}
	switch {
	case len(winner.Config.Tiers) > 0:
		sum.TieredTotal = sum.TieredTotal.Add(cost)
		sum.UsageTotal = sum.UsageTotal.Add(cost)
	case len(winner.Config.Packages) > 0:
		sum.PackageTotal = sum.PackageTotal.Add(cost)
		sum.UsageTotal = sum.UsageTotal.Add(cost)
	case winner.Config.FlatPrice != nil:
		sum.FlatTotal = sum.FlatTotal.Add(cost)
	}
}

// hydrateStates materializes actor state for every feature the customer
// has grants for. Used by read paths that may run before any verify.
func (s *Service) hydrateStates(ctx context.Context, projectID, customerID string, now time.Time) error {
	grants, err := s.loadGrants(ctx, projectID, customerID, now)
	if err != nil {
		return err
	}
	slugs := map[string]struct{}{}
	for _, g := range grants {
		if g.ActiveAt(now) {
			slugs[g.PlanVersion.FeatureSlug] = struct{}{}
		}
	}
	for slug := range slugs {
		if _, err := s.getStateWithRevalidation(ctx, projectID, customerID, slug, now); err != nil {
			return err
		}
	}
	return nil
}

// GetActiveEntitlements lists the customer's current entitlements in the
// minimal projection. An empty list is a real (cacheable) answer.
func (s *Service) GetActiveEntitlements(ctx context.Context, projectID, customerID string) ([]entitlementdomain.MinimalEntitlement, error) {
	customerKey := cachepkg.CustomerKey(projectID, customerID)
	list, _, err := s.cache.Entitlements.Get(ctx, customerKey, func(loadCtx context.Context) ([]entitlementdomain.MinimalEntitlement, bool, error) {
		now := s.clk.Now()
		grants, err := s.loadGrants(loadCtx, projectID, customerID, now)
		if err != nil {
			return nil, false, err
		}
		bySlug := map[string][]grantdomain.Grant{}
		for _, g := range grants {
			if g.ActiveAt(now) {
				bySlug[g.PlanVersion.FeatureSlug] = append(bySlug[g.PlanVersion.FeatureSlug], g)
			}
		}
		out := make([]entitlementdomain.MinimalEntitlement, 0, len(bySlug))
		for slug, group := range bySlug {
			ent, err := resolver.Resolve(projectID, customerID, group, now)
			if err != nil {
				s.log.Warn("entitlement resolve failed during listing",
					zap.String("feature_slug", slug), zap.Error(err))
				continue
			}
			out = append(out, entitlementdomain.MinimalEntitlement{
				FeatureSlug: ent.FeatureSlug,
				FeatureType: ent.FeatureType,
				Limit:       ent.Limit,
				Version:     ent.Version,
				ExpiresAt:   ent.ExpiresAt,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].FeatureSlug < out[j].FeatureSlug })
		return out, true, nil
	})
	return list, err
}

// GetAccessControlList returns the cached edge gate for a customer,
// deriving it from live meters on a miss.
func (s *Service) GetAccessControlList(ctx context.Context, projectID, customerID string) (*entitlementdomain.AccessControlList, error) {
	customerKey := cachepkg.CustomerKey(projectID, customerID)
	acl, found, err := s.cache.ACL.Get(ctx, customerKey, func(loadCtx context.Context) (*entitlementdomain.AccessControlList, bool, error) {
		now := s.clk.Now()
		states, err := s.store.ListStates(loadCtx, projectID, customerID)
		if err != nil {
			return nil, false, err
		}
		acl := &entitlementdomain.AccessControlList{SubscriptionStatus: "none"}
		if s.customers != nil {
			disabled, err := s.customers.IsDisabled(loadCtx, projectID, customerID)
			if err != nil {
				return nil, false, err
			}
			acl.Disabled = disabled
		}
		for _, st := range states {
			if st.Active(now) {
				acl.SubscriptionStatus = "active"
			}
			if !st.BlockCustomer || st.Limit == nil || st.Meter == nil {
				continue
			}
			if st.Meter.Usage.GreaterThan(*st.Limit) {
				acl.UsageLimitReached = true
			}
		}
		return acl, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return &entitlementdomain.AccessControlList{SubscriptionStatus: "none"}, nil
	}
	return acl, nil
}

// ResetEntitlements wipes every cached and stored view of the customer.
// Idempotent: resetting an unknown customer is a no-op.
func (s *Service) ResetEntitlements(ctx context.Context, projectID, customerID string) error {
	states, err := s.store.ListStates(ctx, projectID, customerID)
	if err != nil {
		return err
	}
	slugs := make([]string, 0, len(states))
	for _, st := range states {
		slugs = append(slugs, st.FeatureSlug)
	}
	s.cache.InvalidateCustomer(ctx, projectID, customerID, slugs)
	return s.store.Reset(ctx, projectID, customerID)
}

func ptrMeter(m entitlementdomain.MeterState) *entitlementdomain.MeterState {
	return &m
}
