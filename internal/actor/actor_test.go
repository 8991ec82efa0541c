package actor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/unprice/internal/actorstore"
	analyticsdomain "github.com/smallbiznis/unprice/internal/analytics/domain"
	"github.com/smallbiznis/unprice/internal/clock"
	"github.com/smallbiznis/unprice/internal/config"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"github.com/smallbiznis/unprice/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type serviceStub struct {
	inFlight   atomic.Int32
	overlapped atomic.Bool
	verifies   atomic.Int32
	reports    atomic.Int32
}

func (s *serviceStub) Verify(context.Context, entitlementdomain.VerifyRequest) (entitlementdomain.VerifyResult, error) {
	if s.inFlight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	time.Sleep(time.Millisecond)
	s.inFlight.Add(-1)
	s.verifies.Add(1)
	return entitlementdomain.VerifyResult{Allowed: true}, nil
}

func (s *serviceStub) ReportUsage(_ context.Context, req entitlementdomain.ReportUsageRequest) (entitlementdomain.ReportUsageResult, error) {
	s.reports.Add(1)
	return entitlementdomain.ReportUsageResult{Allowed: true, Usage: req.Usage}, nil
}

func (s *serviceStub) GetCurrentUsage(context.Context, string, string) (*entitlementdomain.CurrentUsage, error) {
	return &entitlementdomain.CurrentUsage{}, nil
}

func (s *serviceStub) GetActiveEntitlements(context.Context, string, string) ([]entitlementdomain.MinimalEntitlement, error) {
	return nil, nil
}

func (s *serviceStub) GetAccessControlList(context.Context, string, string) (*entitlementdomain.AccessControlList, error) {
	return &entitlementdomain.AccessControlList{}, nil
}

func (s *serviceStub) ResetEntitlements(context.Context, string, string) error { return nil }

type analyticsRecorder struct {
	mu            sync.Mutex
	usage         []entitlementdomain.UsageRecord
	verifications []entitlementdomain.Verification
	failIngest    bool
}

func (a *analyticsRecorder) GetFeaturesUsageCursor(context.Context, analyticsdomain.UsageCursorQuery) (analyticsdomain.UsageCursorResult, error) {
	return analyticsdomain.UsageCursorResult{}, nil
}

func (a *analyticsRecorder) GetBillingUsage(context.Context, string, string, time.Time) ([]analyticsdomain.BillingUsageRow, error) {
	return nil, nil
}

func (a *analyticsRecorder) IngestUsageRecords(_ context.Context, records []entitlementdomain.UsageRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failIngest {
		return errors.New("sink down")
	}
	a.usage = append(a.usage, records...)
	return nil
}

func (a *analyticsRecorder) IngestVerifications(_ context.Context, vs []entitlementdomain.Verification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failIngest {
		return errors.New("sink down")
	}
	a.verifications = append(a.verifications, vs...)
	return nil
}

func (a *analyticsRecorder) usageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.usage)
}

func newTestStore(t *testing.T) *actorstore.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := actorstore.Open(fmt.Sprintf("file:%s_actor?mode=memory&cache=shared", name), zap.NewNop())
	require.NoError(t, err)
	return store
}

func newTestHost(t *testing.T, svc entitlementdomain.Service, sink analyticsdomain.Client, locker *ratelimit.Locker, cfg config.ActorConfig) *Host {
	t.Helper()
	h := NewHost(HostParam{
		Service:   svc,
		Store:     newTestStore(t),
		Analytics: sink,
		Locker:    locker,
		Hub:       NewHub(),
		Clock:     clock.NewSystemClock(),
		Config:    config.Config{Actor: cfg},
		Log:       zap.NewNop(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
	})
	return h
}

func TestDispatchSerializesPerCustomer(t *testing.T) {
	stub := &serviceStub{}
	h := newTestHost(t, stub, &analyticsRecorder{}, nil, config.ActorConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Verify(context.Background(), entitlementdomain.VerifyRequest{
				ProjectID:   "proj_1",
				CustomerID:  "cust_1",
				FeatureSlug: "api_calls",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), stub.verifies.Load())
	assert.False(t, stub.overlapped.Load(), "two tasks entered the same actor concurrently")
}

func TestFlushShipsBufferedRecords(t *testing.T) {
	sink := &analyticsRecorder{}
	h := newTestHost(t, &serviceStub{}, sink, nil, config.ActorConfig{})

	key := actorstore.MakeKey("proj_1", "cust_1", "api_calls")
	require.NoError(t, h.store.AppendUsage(context.Background(), key, entitlementdomain.UsageRecord{
		ID:          "01HRECORD0000000000000001",
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
		Usage:       decimal.NewFromInt(5),
	}))
	require.NoError(t, h.store.AppendVerification(context.Background(), key, entitlementdomain.Verification{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
		RequestID:   "req_1",
		Allowed:     true,
	}))

	h.flush(context.Background())

	assert.Equal(t, 1, sink.usageCount())
	pending, err := h.store.PendingUsage(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	verifications, err := h.store.PendingVerifications(context.Background())
	require.NoError(t, err)
	assert.Empty(t, verifications)
}

func TestFlushKeepsBufferWhenSinkDown(t *testing.T) {
	sink := &analyticsRecorder{failIngest: true}
	h := newTestHost(t, &serviceStub{}, sink, nil, config.ActorConfig{})

	key := actorstore.MakeKey("proj_1", "cust_1", "api_calls")
	require.NoError(t, h.store.AppendUsage(context.Background(), key, entitlementdomain.UsageRecord{
		ID: "01HRECORD0000000000000001",
	}))

	h.flush(context.Background())

	pending, err := h.store.PendingUsage(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// The sink recovers; the next alarm drains the buffer.
	sink.mu.Lock()
	sink.failIngest = false
	sink.mu.Unlock()
	h.flush(context.Background())

	pending, err = h.store.PendingUsage(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 1, sink.usageCount())
}

func TestFlushHintShipsEarly(t *testing.T) {
	sink := &analyticsRecorder{}
	h := newTestHost(t, &serviceStub{}, sink, nil, config.ActorConfig{
		FlushMin:      10 * time.Millisecond,
		FlushInterval: time.Hour,
		FlushMax:      time.Hour,
	})

	key := actorstore.MakeKey("proj_1", "cust_1", "api_calls")
	require.NoError(t, h.store.AppendUsage(context.Background(), key, entitlementdomain.UsageRecord{
		ID: "01HRECORD0000000000000001",
	}))
	h.StartFlushLoop()

	// The startup replay drains the first record.
	require.Eventually(t, func() bool { return sink.usageCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// With the ticker an hour out, only the request's flush hint can ship
	// the second record.
	require.NoError(t, h.store.AppendUsage(context.Background(), key, entitlementdomain.UsageRecord{
		ID: "01HRECORD0000000000000002",
	}))
	_, err := h.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(1),
		IdempotenceKey: "idem_1",
		FlushTimeMs:    1,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return sink.usageCount() == 2 },
		2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	stub := &serviceStub{}
	h := newTestHost(t, stub, &analyticsRecorder{}, nil, config.ActorConfig{})

	sub, backlog, err := h.hub.Subscribe("proj_1", "cust_1")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, backlog)

	_, err = h.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
		ProjectID:      "proj_1",
		CustomerID:     "cust_1",
		FeatureSlug:    "api_calls",
		Usage:          decimal.NewFromInt(3),
		IdempotenceKey: "idem_1",
	})
	require.NoError(t, err)

	select {
	case event := <-sub.Events():
		assert.Equal(t, "api_calls", event.FeatureSlug)
		assert.True(t, event.Usage.Equal(decimal.NewFromInt(3)))
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestBroadcastDebounced(t *testing.T) {
	stub := &serviceStub{}
	h := newTestHost(t, stub, &analyticsRecorder{}, nil, config.ActorConfig{
		BroadcastEvery: 30 * time.Millisecond,
	})

	sub, _, err := h.hub.Subscribe("proj_1", "cust_1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		_, err = h.ReportUsage(context.Background(), entitlementdomain.ReportUsageRequest{
			ProjectID:      "proj_1",
			CustomerID:     "cust_1",
			FeatureSlug:    "api_calls",
			Usage:          decimal.NewFromInt(1),
			IdempotenceKey: fmt.Sprintf("idem_%d", i),
		})
		require.NoError(t, err)
	}

	// First report broadcasts immediately; the burst collapses into one
	// trailing event.
	first := <-sub.Events()
	assert.True(t, first.Usage.Equal(decimal.NewFromInt(1)))
	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("debounced event never fired")
	}
}

func TestCustomerBusyWhenLeaseHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := ratelimit.NewLocker(client)

	// Another process holds the lease.
	_, ok, err := locker.TryLock(context.Background(), ratelimit.LeaseKey("proj_1", "cust_1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	h := newTestHost(t, &serviceStub{}, &analyticsRecorder{}, locker, config.ActorConfig{
		LeaseTTL: time.Minute,
	})

	_, err = h.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	assert.ErrorIs(t, err, ErrCustomerBusy)

	// A different customer is unaffected.
	_, err = h.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_2",
		FeatureSlug: "api_calls",
	})
	assert.NoError(t, err)
}

func TestIdleActorEvicted(t *testing.T) {
	stub := &serviceStub{}
	h := newTestHost(t, stub, &analyticsRecorder{}, nil, config.ActorConfig{
		IdleEvictAfter: 20 * time.Millisecond,
	})

	_, err := h.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.actors) == 0
	}, time.Second, 10*time.Millisecond)

	// Dispatch after eviction respawns transparently.
	_, err = h.Verify(context.Background(), entitlementdomain.VerifyRequest{
		ProjectID:   "proj_1",
		CustomerID:  "cust_1",
		FeatureSlug: "api_calls",
	})
	assert.NoError(t, err)
}
