package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) costmodeldomain.Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&costmodeldomain.CostModel{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	return NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node})
}

func validCreateRequest(name string) costmodeldomain.CreateRequest {
	return costmodeldomain.CreateRequest{
		ModelName:     name,
		ResourceType:  "DATA",
		BillingPeriod: costmodeldomain.PeriodMonthly,
		BaseCost:      decimal.NewFromInt(10),
		OverageRate:   decimal.RequireFromString("0.5"),
		IncludedUsage: decimal.NewFromInt(100),
		Currency:      "USD",
	}
}

func TestCreateAndGet(t *testing.T) {
	svc := newTestService(t)

	model, err := svc.Create(context.Background(), validCreateRequest("data-standard"))
	require.NoError(t, err)
	assert.True(t, model.Active)

	got, err := svc.GetByID(context.Background(), model.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "data-standard", got.ModelName)
	assert.Equal(t, costmodeldomain.PeriodMonthly, got.BillingPeriod)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create(context.Background(), validCreateRequest("data-standard"))
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), validCreateRequest("data-standard"))
	assert.ErrorIs(t, err, costmodeldomain.ErrDuplicateModelName)
}

func TestCreateValidation(t *testing.T) {
	svc := newTestService(t)

	tests := []struct {
		name    string
		mutate  func(*costmodeldomain.CreateRequest)
		wantErr error
	}{
		{
			name:    "empty name",
			mutate:  func(r *costmodeldomain.CreateRequest) { r.ModelName = " " },
			wantErr: costmodeldomain.ErrInvalidModelName,
		},
		{
			name:    "unknown resource type",
			mutate:  func(r *costmodeldomain.CreateRequest) { r.ResourceType = "FAX" },
			wantErr: costmodeldomain.ErrInvalidResourceType,
		},
		{
			name:    "unknown period",
			mutate:  func(r *costmodeldomain.CreateRequest) { r.BillingPeriod = "weekly-ish" },
			wantErr: costmodeldomain.ErrInvalidPeriod,
		},
		{
			name:    "negative base cost",
			mutate:  func(r *costmodeldomain.CreateRequest) { r.BaseCost = decimal.NewFromInt(-1) },
			wantErr: costmodeldomain.ErrInvalidBaseCost,
		},
		{
			name:    "bad currency",
			mutate:  func(r *costmodeldomain.CreateRequest) { r.Currency = "usd1" },
			wantErr: costmodeldomain.ErrInvalidCurrency,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validCreateRequest("m-" + tc.name)
			tc.mutate(&req)

			_, err := svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestUpdateDeactivates(t *testing.T) {
	svc := newTestService(t)

	model, err := svc.Create(context.Background(), validCreateRequest("data-standard"))
	require.NoError(t, err)

	inactive := false
	updated, err := svc.Update(context.Background(), costmodeldomain.UpdateRequest{
		ID:     model.ID.String(),
		Active: &inactive,
	})
	require.NoError(t, err)
	assert.False(t, updated.Active)
}

func TestResolveActivePrefersCustomerScopedModel(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.Create(context.Background(), validCreateRequest("data-global"))
	require.NoError(t, err)

	customer := "CUST-1"
	override := validCreateRequest("data-cust1")
	override.CustomerID = &customer
	override.OverageRate = decimal.RequireFromString("0.25")
	_, err = svc.Create(context.Background(), override)
	require.NoError(t, err)

	resolved, err := svc.ResolveActive(context.Background(), "CUST-1", "DATA")
	require.NoError(t, err)
	assert.Equal(t, "data-cust1", resolved.ModelName)

	global, err := svc.ResolveActive(context.Background(), "CUST-2", "DATA")
	require.NoError(t, err)
	assert.Equal(t, "data-global", global.ModelName)
}

func TestResolveActiveSkipsInactiveModels(t *testing.T) {
	svc := newTestService(t)

	inactive := false
	req := validCreateRequest("data-retired")
	req.Active = &inactive
	_, err := svc.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.ResolveActive(context.Background(), "CUST-1", "DATA")
	assert.ErrorIs(t, err, costmodeldomain.ErrModelNotFound)
}

func TestDelete(t *testing.T) {
	svc := newTestService(t)

	model, err := svc.Create(context.Background(), validCreateRequest("data-standard"))
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), model.ID.String()))

	_, err = svc.GetByID(context.Background(), model.ID.String())
	assert.ErrorIs(t, err, costmodeldomain.ErrModelNotFound)
}
