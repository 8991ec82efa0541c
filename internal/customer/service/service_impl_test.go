package service

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/unprice/internal/clock"
	"github.com/smallbiznis/unprice/internal/customer/domain"
	"github.com/smallbiznis/unprice/internal/customer/repository"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type usageStub struct{}

func (usageStub) GetCurrentUsage(context.Context, string, string) (*entitlementdomain.CurrentUsage, error) {
	return &entitlementdomain.CurrentUsage{}, nil
}

type resetRecorder struct {
	calls []string
}

func (r *resetRecorder) ResetEntitlements(_ context.Context, projectID, customerID string) error {
	r.calls = append(r.calls, projectID+"/"+customerID)
	return nil
}

type harness struct {
	svc      domain.Service
	gate     entitlementdomain.CustomerGate
	db       *gorm.DB
	resetter *resetRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s_customers?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.Customer{}))

	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	repo := repository.Provide()
	resetter := &resetRecorder{}
	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clock.NewFakeClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)),
		GenID:    node,
		Repo:     repo,
		Usage:    usageStub{},
		Resetter: resetter,
	})

	return &harness{svc: svc, gate: NewGate(db, repo), db: db, resetter: resetter}
}

func (h *harness) createCustomer(t *testing.T, customerID string) {
	t.Helper()
	_, err := h.svc.Create(context.Background(), domain.CreateCustomerRequest{
		ProjectID:  "proj_1",
		CustomerID: customerID,
		Name:       "Acme",
		Email:      "billing@acme.test",
		Currency:   "USD",
	})
	require.NoError(t, err)
}

func TestSetDisabledFlipsGate(t *testing.T) {
	h := newHarness(t)
	h.createCustomer(t, "cust_1")

	disabled, err := h.gate.IsDisabled(context.Background(), "proj_1", "cust_1")
	require.NoError(t, err)
	assert.False(t, disabled)

	req := domain.GetCustomerRequest{ProjectID: "proj_1", CustomerID: "cust_1"}
	require.NoError(t, h.svc.SetDisabled(context.Background(), req, true))

	disabled, err = h.gate.IsDisabled(context.Background(), "proj_1", "cust_1")
	require.NoError(t, err)
	assert.True(t, disabled)

	require.NoError(t, h.svc.SetDisabled(context.Background(), req, false))

	disabled, err = h.gate.IsDisabled(context.Background(), "proj_1", "cust_1")
	require.NoError(t, err)
	assert.False(t, disabled)
}

func TestSetDisabledResetsEntitlements(t *testing.T) {
	h := newHarness(t)
	h.createCustomer(t, "cust_1")

	req := domain.GetCustomerRequest{ProjectID: "proj_1", CustomerID: "cust_1"}
	require.NoError(t, h.svc.SetDisabled(context.Background(), req, true))
	require.NoError(t, h.svc.SetDisabled(context.Background(), req, false))

	// Both gate toggles dropped the cached decision surface.
	assert.Equal(t, []string{"proj_1/cust_1", "proj_1/cust_1"}, h.resetter.calls)
}

func TestSetDisabledUnknownCustomer(t *testing.T) {
	h := newHarness(t)

	err := h.svc.SetDisabled(context.Background(), domain.GetCustomerRequest{
		ProjectID:  "proj_1",
		CustomerID: "ghost",
	}, true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, h.resetter.calls)
}

func TestGateUnregisteredCustomerNotGated(t *testing.T) {
	h := newHarness(t)

	disabled, err := h.gate.IsDisabled(context.Background(), "proj_1", "ghost")
	require.NoError(t, err)
	assert.False(t, disabled)
}
