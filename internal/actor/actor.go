// Package actor hosts one lightweight actor per customer. Each actor
// serializes verify/report traffic through a mailbox so a customer's meter
// is only ever touched by one goroutine, and an alarm loop ships buffered
// records to analytics.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/unprice/internal/actorstore"
	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	"github.com/smallbiznis/unprice/internal/clock"
	"github.com/smallbiznis/unprice/internal/config"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"github.com/smallbiznis/unprice/internal/observability/metrics"
	"github.com/smallbiznis/unprice/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrCustomerBusy means another process holds the customer's lease.
	ErrCustomerBusy = errors.New("customer_owned_elsewhere")
	ErrShuttingDown = errors.New("actor_host_stopping")
)

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context)
	done chan struct{}
}

type actor struct {
	key        string
	projectID  string
	customerID string
	mailbox    chan task
	closed     chan struct{}
	leaseToken string

	bmu           sync.Mutex
	lastBroadcast time.Time
	pending       *UsageEvent
	btimer        *time.Timer
}

// Host owns the per-customer actors of this process.
type Host struct {
	svc       entitlementdomain.Service
	store     *actorstore.Store
	analytics analyticsdomain.Client
	locker    *ratelimit.Locker
	hub       *Hub
	metrics   *metrics.Metrics
	clk       clock.Clock
	log       *zap.Logger
	cfg       config.ActorConfig

	mu     sync.Mutex
	actors map[string]*actor
	stop   chan struct{}
	wg     sync.WaitGroup

	hintMu    sync.Mutex
	hintTimer *time.Timer
	kick      chan struct{}
}

type HostParam struct {
	fx.In

	Lifecycle fx.Lifecycle
	Service   entitlementdomain.Service
	Store     *actorstore.Store
	Analytics analyticsdomain.Client
	Locker    *ratelimit.Locker `optional:"true"`
	Hub       *Hub
	Metrics   *metrics.Metrics `optional:"true"`
	Clock     clock.Clock
	Config    config.Config
	Log       *zap.Logger
}

func NewHost(p HostParam) *Host {
	h := &Host{
		svc:       p.Service,
		store:     p.Store,
		analytics: p.Analytics,
		locker:    p.Locker,
		hub:       p.Hub,
		metrics:   p.Metrics,
		clk:       p.Clock,
		log:       p.Log.Named("actor.host"),
		cfg:       p.Config.Actor,
		actors:    make(map[string]*actor),
		stop:      make(chan struct{}),
		kick:      make(chan struct{}, 1),
	}
	if p.Lifecycle != nil {
		p.Lifecycle.Append(fx.Hook{
			OnStart: func(context.Context) error {
				h.StartFlushLoop()
				return nil
			},
			OnStop: h.Shutdown,
		})
	}
	return h
}

// StartFlushLoop replays any records buffered before the last shutdown and
// then flushes on the alarm interval.
func (h *Host) StartFlushLoop() {
	h.wg.Add(1)
	go h.flushLoop()
}

// Shutdown drains the actors, performs a final flush and releases leases.
func (h *Host) Shutdown(ctx context.Context) error {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	actors := make([]*actor, 0, len(h.actors))
	for _, a := range h.actors {
		actors = append(actors, a)
	}
	h.actors = make(map[string]*actor)
	h.mu.Unlock()

	for _, a := range actors {
		h.releaseLease(ctx, a)
	}
	h.flush(ctx)
	return nil
}

func (h *Host) flushInterval() time.Duration {
	interval := h.cfg.FlushInterval
	if min := h.cfg.FlushMin; min > 0 && interval < min {
		interval = min
	}
	if max := h.cfg.FlushMax; max > 0 && interval > max {
		interval = max
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return interval
}

func (h *Host) flushLoop() {
	defer h.wg.Done()

	// Replay whatever the previous incarnation left behind.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	h.flush(ctx)
	cancel()

	ticker := time.NewTicker(h.flushInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			h.flush(ctx)
			cancel()
		case <-h.kick:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			h.flush(ctx)
			cancel()
		case <-h.stop:
			return
		}
	}
}

// scheduleFlush arms an early alarm when a request asked for its records to
// be shipped sooner than the next tick. The hint is clamped to the
// [FlushMin, FlushMax] window; an already-armed alarm covers later hints.
func (h *Host) scheduleFlush(after time.Duration) {
	min := h.cfg.FlushMin
	if min <= 0 {
		min = 5 * time.Second
	}
	max := h.cfg.FlushMax
	if max <= 0 {
		max = 30 * time.Minute
	}
	if after < min {
		after = min
	}
	if after > max {
		after = max
	}

	h.hintMu.Lock()
	defer h.hintMu.Unlock()
	if h.hintTimer != nil {
		return
	}
	h.hintTimer = time.AfterFunc(after, func() {
		h.hintMu.Lock()
		h.hintTimer = nil
		h.hintMu.Unlock()
		select {
		case h.kick <- struct{}{}:
		default:
		}
	})
}

// flush ships buffered usage and verification records to analytics and
// removes them from the buffer only after the ingest succeeded.
func (h *Host) flush(ctx context.Context) {
	records, err := h.store.PendingUsage(ctx)
	if err != nil {
		h.log.Warn("pending usage read failed", zap.Error(err))
	} else if len(records) > 0 {
		if err := h.analytics.IngestUsageRecords(ctx, records); err != nil {
			h.log.Warn("usage flush failed, keeping buffer",
				zap.Int("records", len(records)), zap.Error(err))
		} else {
			ids := make([]string, 0, len(records))
			for _, r := range records {
				ids = append(ids, r.ID)
			}
			if err := h.store.MarkUsageFlushed(ctx, ids); err != nil {
				h.log.Error("flushed usage not marked", zap.Error(err))
			}
			h.metrics.RecordFlush(ctx, "usage", len(records))
		}
	}

	verifications, err := h.store.PendingVerifications(ctx)
	if err != nil {
		h.log.Warn("pending verifications read failed", zap.Error(err))
	} else if len(verifications) > 0 {
		if err := h.analytics.IngestVerifications(ctx, verifications); err != nil {
			h.log.Warn("verification flush failed, keeping buffer",
				zap.Int("records", len(verifications)), zap.Error(err))
		} else {
			ids := make([]string, 0, len(verifications))
			for _, v := range verifications {
				ids = append(ids, v.RequestID)
			}
			if err := h.store.MarkVerificationsFlushed(ctx, ids); err != nil {
				h.log.Error("flushed verifications not marked", zap.Error(err))
			}
			h.metrics.RecordFlush(ctx, "verification", len(verifications))
		}
	}

	if err := h.store.PurgeExpiredKeys(ctx, h.clk.Now()); err != nil {
		h.log.Warn("idempotence key purge failed", zap.Error(err))
	}
}

// actorFor returns the live actor for a customer, spawning one under the
// customer's lease when missing.
func (h *Host) actorFor(ctx context.Context, projectID, customerID string) (*actor, error) {
	key := streamKey(projectID, customerID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.actors[key]; ok {
		return a, nil
	}

	a := &actor{
		key:        key,
		projectID:  projectID,
		customerID: customerID,
		mailbox:    make(chan task, h.mailboxSize()),
		closed:     make(chan struct{}),
	}
	if h.locker != nil && h.cfg.LeaseTTL > 0 {
		token, ok, err := h.locker.TryLock(ctx, ratelimit.LeaseKey(projectID, customerID), h.cfg.LeaseTTL)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrCustomerBusy
		}
		a.leaseToken = token
	}

	h.actors[key] = a
	h.metrics.RecordActorSpawn(context.WithoutCancel(ctx))
	h.log.Debug("actor spawned", zap.String("key", key))

	h.wg.Add(1)
	go h.run(a)
	return a, nil
}

func (h *Host) mailboxSize() int {
	if h.cfg.MailboxSize > 0 {
		return h.cfg.MailboxSize
	}
	return 256
}

func (h *Host) idleEvictAfter() time.Duration {
	if h.cfg.IdleEvictAfter > 0 {
		return h.cfg.IdleEvictAfter
	}
	return 15 * time.Minute
}

// run is the actor's single-threaded loop: one task at a time, lease kept
// fresh, eviction when idle.
func (h *Host) run(a *actor) {
	defer h.wg.Done()

	idle := time.NewTimer(h.idleEvictAfter())
	defer idle.Stop()

	var leaseTick <-chan time.Time
	if a.leaseToken != "" {
		ticker := time.NewTicker(h.cfg.LeaseTTL / 2)
		defer ticker.Stop()
		leaseTick = ticker.C
	}

	for {
		select {
		case t := <-a.mailbox:
			t.fn(t.ctx)
			close(t.done)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.idleEvictAfter())

		case <-idle.C:
			if len(a.mailbox) > 0 {
				idle.Reset(h.idleEvictAfter())
				continue
			}
			h.evict(a)
			return

		case <-leaseTick:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			held, err := h.locker.Refresh(ctx, ratelimit.LeaseKey(a.projectID, a.customerID), a.leaseToken, h.cfg.LeaseTTL)
			cancel()
			if err != nil {
				h.log.Warn("lease refresh failed", zap.String("key", a.key), zap.Error(err))
				continue
			}
			if !held {
				h.log.Warn("lease lost, evicting actor", zap.String("key", a.key))
				h.evict(a)
				return
			}

		case <-h.stop:
			a.drain()
			return
		}
	}
}

func (h *Host) evict(a *actor) {
	h.mu.Lock()
	if h.actors[a.key] == a {
		delete(h.actors, a.key)
	}
	h.mu.Unlock()

	close(a.closed)
	a.drain()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.releaseLease(ctx, a)
	h.log.Debug("actor evicted", zap.String("key", a.key))
}

func (a *actor) drain() {
	for {
		select {
		case t := <-a.mailbox:
			t.fn(t.ctx)
			close(t.done)
		default:
			return
		}
	}
}

func (h *Host) releaseLease(ctx context.Context, a *actor) {
	if a.leaseToken == "" || h.locker == nil {
		return
	}
	if err := h.locker.Release(ctx, ratelimit.LeaseKey(a.projectID, a.customerID), a.leaseToken); err != nil {
		h.log.Warn("lease release failed", zap.String("key", a.key), zap.Error(err))
	}
}

// dispatch runs fn on the customer's actor goroutine and waits for it.
func (h *Host) dispatch(ctx context.Context, projectID, customerID string, fn func(ctx context.Context)) error {
	t := task{ctx: ctx, fn: fn, done: make(chan struct{})}
	for attempt := 0; attempt < 2; attempt++ {
		a, err := h.actorFor(ctx, projectID, customerID)
		if err != nil {
			return err
		}
		select {
		case a.mailbox <- t:
			select {
			case <-t.done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-a.closed:
			// The actor was evicted between lookup and send; respawn once.
			continue
		case <-h.stop:
			return ErrShuttingDown
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrShuttingDown
}

var _ entitlementdomain.Service = (*Host)(nil)

func (h *Host) Verify(ctx context.Context, req entitlementdomain.VerifyRequest) (entitlementdomain.VerifyResult, error) {
	var (
		res entitlementdomain.VerifyResult
		err error
	)
	if derr := h.dispatch(ctx, req.ProjectID, req.CustomerID, func(c context.Context) {
		res, err = h.svc.Verify(c, req)
	}); derr != nil {
		return entitlementdomain.VerifyResult{}, derr
	}
	if req.FlushTimeMs > 0 {
		h.scheduleFlush(time.Duration(req.FlushTimeMs) * time.Millisecond)
	}
	return res, err
}

func (h *Host) ReportUsage(ctx context.Context, req entitlementdomain.ReportUsageRequest) (entitlementdomain.ReportUsageResult, error) {
	var (
		res entitlementdomain.ReportUsageResult
		err error
	)
	if derr := h.dispatch(ctx, req.ProjectID, req.CustomerID, func(c context.Context) {
		res, err = h.svc.ReportUsage(c, req)
		if err != nil || res.AlreadyRecorded {
			return
		}
		h.broadcast(c, req, res)
	}); derr != nil {
		return entitlementdomain.ReportUsageResult{}, derr
	}
	if req.FlushTimeMs > 0 {
		h.scheduleFlush(time.Duration(req.FlushTimeMs) * time.Millisecond)
	}
	return res, err
}

// broadcast pushes a live event, debounced per customer so attached
// subscribers see at most one event per broadcast window.
func (h *Host) broadcast(ctx context.Context, req entitlementdomain.ReportUsageRequest, res entitlementdomain.ReportUsageResult) {
	key := streamKey(req.ProjectID, req.CustomerID)
	h.mu.Lock()
	a := h.actors[key]
	h.mu.Unlock()
	if a == nil || h.hub == nil {
		return
	}

	event := UsageEvent{
		ProjectID:   req.ProjectID,
		CustomerID:  req.CustomerID,
		FeatureSlug: req.FeatureSlug,
		Usage:       res.Usage,
		Remaining:   res.Remaining,
		Allowed:     res.Allowed,
		Timestamp:   h.clk.Now(),
	}

	a.bmu.Lock()
	defer a.bmu.Unlock()
	every := h.cfg.BroadcastEvery
	now := h.clk.Now()
	if every <= 0 || now.Sub(a.lastBroadcast) >= every {
		a.lastBroadcast = now
		a.pending = nil
		h.hub.Publish(event)
		return
	}

	a.pending = &event
	if a.btimer == nil {
		wait := every - now.Sub(a.lastBroadcast)
		a.btimer = time.AfterFunc(wait, func() {
			a.bmu.Lock()
			defer a.bmu.Unlock()
			a.btimer = nil
			if a.pending == nil {
				return
			}
			a.lastBroadcast = h.clk.Now()
			h.hub.Publish(*a.pending)
			a.pending = nil
		})
	}
}

func (h *Host) ResetEntitlements(ctx context.Context, projectID, customerID string) error {
	var err error
	if derr := h.dispatch(ctx, projectID, customerID, func(c context.Context) {
		err = h.svc.ResetEntitlements(c, projectID, customerID)
	}); derr != nil {
		return derr
	}
	return err
}

func (h *Host) GetCurrentUsage(ctx context.Context, projectID, customerID string) (*entitlementdomain.CurrentUsage, error) {
	return h.svc.GetCurrentUsage(ctx, projectID, customerID)
}

func (h *Host) GetActiveEntitlements(ctx context.Context, projectID, customerID string) ([]entitlementdomain.MinimalEntitlement, error) {
	return h.svc.GetActiveEntitlements(ctx, projectID, customerID)
}

func (h *Host) GetAccessControlList(ctx context.Context, projectID, customerID string) (*entitlementdomain.AccessControlList, error) {
	return h.svc.GetAccessControlList(ctx, projectID, customerID)
}
