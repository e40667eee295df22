package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	billingcycledomain "github.com/telcobss/meterbill/internal/billingcycle/domain"
	cycleservice "github.com/telcobss/meterbill/internal/billingcycle/service"
	"github.com/telcobss/meterbill/internal/clock"
	"github.com/telcobss/meterbill/internal/config"
	costcalcdomain "github.com/telcobss/meterbill/internal/costcalc/domain"
	costcalcservice "github.com/telcobss/meterbill/internal/costcalc/service"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	costmodelservice "github.com/telcobss/meterbill/internal/costmodel/service"
	forecastdomain "github.com/telcobss/meterbill/internal/forecast/domain"
	forecastservice "github.com/telcobss/meterbill/internal/forecast/service"
	invoicedomain "github.com/telcobss/meterbill/internal/invoice/domain"
	invoiceservice "github.com/telcobss/meterbill/internal/invoice/service"
	ratingdomain "github.com/telcobss/meterbill/internal/rating/domain"
	ratingservice "github.com/telcobss/meterbill/internal/rating/service"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	usageservice "github.com/telcobss/meterbill/internal/usage/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type serverFixture struct {
	engine *gin.Engine
	db     *gorm.DB
	clock  *clock.FakeClock
}

func newServerFixture(t *testing.T, now time.Time) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&usagedomain.UsageRecord{},
		&costmodeldomain.CostModel{},
		&ratingdomain.UsagePeriodAccumulator{},
		&billingcycledomain.BillingCycle{},
		&invoicedomain.Invoice{},
		&costcalcdomain.CostCalculation{},
		&forecastdomain.CostForecast{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(now)
	cfg := config.Config{
		Ingest: config.IngestConfig{MaxFutureSkew: 5 * time.Minute},
		Billing: config.BillingConfig{
			PaymentTerms:    14 * 24 * time.Hour,
			GracePeriod:     5 * time.Minute,
			DeferStragglers: true,
		},
	}

	models := costmodelservice.NewService(costmodelservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
	})
	usageSvc := usageservice.NewService(usageservice.ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Config: cfg,
	})
	rater := ratingservice.NewService(ratingservice.ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fake,
		CostModels: models,
	})
	invoicer := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	cycles := cycleservice.NewService(cycleservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Config:  cfg,
		Rater:   rater,
		Invoice: invoicer,
	})
	calcs := costcalcservice.NewService(costcalcservice.ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fake,
	})
	forecasts := forecastservice.NewService(forecastservice.ServiceParam{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Config: cfg,
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := &Server{
		engine:       engine,
		cfg:          cfg,
		db:           db,
		genID:        node,
		usageSvc:     usageSvc,
		costModelSvc: models,
		ratingSvc:    rater,
		cycleSvc:     cycles,
		invoiceSvc:   invoicer,
		costCalcSvc:  calcs,
		forecastSvc:  forecasts,
	}
	srv.RegisterRoutes()

	return &serverFixture{engine: engine, db: db, clock: fake}
}

func (f *serverFixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) createCostModel(t *testing.T, resourceType string) {
	t.Helper()
	query := url.Values{}
	query.Set("modelName", strings.ToLower(resourceType)+"-standard")
	query.Set("resourceType", resourceType)
	query.Set("billingPeriod", "MONTHLY")
	query.Set("baseCost", "10")
	query.Set("overageRate", "0.5")
	query.Set("includedUsage", "100")
	query.Set("currency", "USD")

	rec := f.do(t, http.MethodPost, "/api/monitoring/cost-models?"+query.Encode(), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func ingestBody(customerID string, amount string, ts time.Time) string {
	return fmt.Sprintf(`{
		"customerId": %q,
		"usageType": "DATA",
		"usageAmount": %s,
		"unit": "MB",
		"timestamp": %q,
		"source": "MSC-01",
		"currency": "USD"
	}`, customerID, amount, ts.Format(time.RFC3339))
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestIngestUsageRecordRoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newServerFixture(t, now)

	rec := f.do(t, http.MethodPost, "/billing/usage-records", ingestBody("CUST-1", "60", now.Add(-time.Hour)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	created := decodeJSON(t, rec)
	id, ok := created["id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, id)
	assert.Equal(t, "PENDING", created["ratingStatus"])
	assert.Equal(t, false, created["isRated"])
	assert.Equal(t, "CUST-1", created["customerId"])
	// Money and usage amounts are JSON numbers on the wire.
	assert.Equal(t, float64(60), created["usageAmount"])

	rec = f.do(t, http.MethodGet, "/billing/usage-records/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	fetched := decodeJSON(t, rec)
	assert.Equal(t, id, fetched["id"])
	assert.Equal(t, "MSC-01", fetched["source"])
}

func TestIngestUsageRecordDuplicateReturnsExisting(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newServerFixture(t, now)

	body := ingestBody("CUST-1", "60", now.Add(-time.Hour))
	first := f.do(t, http.MethodPost, "/billing/usage-records", body)
	require.Equal(t, http.StatusCreated, first.Code)
	second := f.do(t, http.MethodPost, "/billing/usage-records", body)
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, decodeJSON(t, first)["id"], decodeJSON(t, second)["id"])

	rec := f.do(t, http.MethodGet, "/billing/usage-records?customerId=CUST-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeJSON(t, rec)
	assert.EqualValues(t, 1, page["totalElements"])
}

func TestIngestUsageRecordValidation(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	f := newServerFixture(t, now)

	rec := f.do(t, http.MethodPost, "/billing/usage-records", ingestBody("", "60", now.Add(-time.Hour)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	payload := decodeJSON(t, rec)
	errObj, ok := payload["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "validation_error", errObj["type"])
}

func TestGetUsageRecordNotFound(t *testing.T) {
	f := newServerFixture(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

	rec := f.do(t, http.MethodGet, "/billing/usage-records/123456789", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	errObj := decodeJSON(t, rec)["error"].(map[string]any)
	assert.Equal(t, "not_found", errObj["type"])
}

func TestUsageListRejectsUnknownSortField(t *testing.T) {
	f := newServerFixture(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

	rec := f.do(t, http.MethodGet, "/billing/usage-records?sort=rating_error,desc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBillingCycleWorkflowOverHTTP(t *testing.T) {
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	f := newServerFixture(t, now)
	f.createCostModel(t, "DATA")

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)

	for _, amount := range []string{"60", "80"} {
		ts := start.Add(24 * time.Hour)
		if amount == "80" {
			ts = start.Add(48 * time.Hour)
		}
		rec := f.do(t, http.MethodPost, "/billing/usage-records", ingestBody("CUST-1", amount, ts))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	createBody := fmt.Sprintf(`{"customerId":"CUST-1","startDate":%q,"endDate":%q}`,
		start.Format(time.RFC3339), end.Format(time.RFC3339))
	rec := f.do(t, http.MethodPost, "/billing/cycles", createBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cycle := decodeJSON(t, rec)
	cycleID := cycle["id"].(string)
	assert.Equal(t, "PENDING", cycle["status"])

	rec = f.do(t, http.MethodPost, "/billing/cycles/"+cycleID+"/process", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	processed := decodeJSON(t, rec)
	assert.Equal(t, "COMPLETED", processed["status"])
	assert.Equal(t, float64(30), processed["totalCost"])
	require.NotEmpty(t, processed["invoiceId"])

	invoiceID := processed["invoiceId"].(string)
	rec = f.do(t, http.MethodGet, "/billing/invoices/"+invoiceID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	invoice := decodeJSON(t, rec)
	assert.Equal(t, cycleID, invoice["cycleId"])

	// A second process call is an idempotent no-op.
	rec = f.do(t, http.MethodPost, "/billing/cycles/"+cycleID+"/process", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, invoiceID, decodeJSON(t, rec)["invoiceId"])
}

func TestCreateBillingCycleGapRejected(t *testing.T) {
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	f := newServerFixture(t, now)

	first := fmt.Sprintf(`{"customerId":"CUST-1","startDate":%q,"endDate":%q}`,
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC).Format(time.RFC3339))
	rec := f.do(t, http.MethodPost, "/billing/cycles", first)
	require.Equal(t, http.StatusCreated, rec.Code)

	gapped := fmt.Sprintf(`{"customerId":"CUST-1","startDate":%q,"endDate":%q}`,
		time.Date(2025, 3, 16, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC).Format(time.RFC3339))
	rec = f.do(t, http.MethodPost, "/billing/cycles", gapped)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := decodeJSON(t, rec)["error"].(map[string]any)
	assert.Equal(t, "validation_error", errObj["type"])
}

func TestCancelCompletedCycleConflicts(t *testing.T) {
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	f := newServerFixture(t, now)
	f.createCostModel(t, "DATA")

	createBody := fmt.Sprintf(`{"customerId":"CUST-1","startDate":%q,"endDate":%q}`,
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC).Format(time.RFC3339))
	rec := f.do(t, http.MethodPost, "/billing/cycles", createBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	cycleID := decodeJSON(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/billing/cycles/"+cycleID+"/process", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/billing/cycles/"+cycleID+"/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	errObj := decodeJSON(t, rec)["error"].(map[string]any)
	assert.Equal(t, "conflict", errObj["type"])
}

func TestCostModelCRUDOverHTTP(t *testing.T) {
	f := newServerFixture(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

	query := url.Values{}
	query.Set("modelName", "voice-standard")
	query.Set("resourceType", "VOICE")
	query.Set("billingPeriod", "MONTHLY")
	query.Set("baseCost", "5")
	query.Set("overageRate", "0.25")
	query.Set("includedUsage", "0")
	query.Set("currency", "USD")

	rec := f.do(t, http.MethodPost, "/api/monitoring/cost-models?"+query.Encode(), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	model := decodeJSON(t, rec)
	modelID := model["id"].(string)
	assert.Equal(t, "voice-standard", model["modelName"])

	// Duplicate name conflicts.
	rec = f.do(t, http.MethodPost, "/api/monitoring/cost-models?"+query.Encode(), "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/monitoring/cost-models/"+modelID+"?overageRate=0.30", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0.3, decodeJSON(t, rec)["overageRate"])

	rec = f.do(t, http.MethodGet, "/api/monitoring/cost-models?resourceType=VOICE", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeJSON(t, rec)["totalElements"])

	rec = f.do(t, http.MethodDelete, "/api/monitoring/cost-models/"+modelID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/monitoring/cost-models/"+modelID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCostCalculationLifecycleOverHTTP(t *testing.T) {
	now := time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)
	f := newServerFixture(t, now)
	f.createCostModel(t, "DATA")

	ts := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	rec := f.do(t, http.MethodPost, "/billing/usage-records", ingestBody("CUST-1", "140", ts))
	require.Equal(t, http.StatusCreated, rec.Code)
	recordID := decodeJSON(t, rec)["id"].(string)

	// Rate it so the snapshot has material.
	createBody := fmt.Sprintf(`{"customerId":"CUST-1","startDate":%q,"endDate":%q}`,
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC).Format(time.RFC3339))
	rec = f.do(t, http.MethodPost, "/billing/cycles", createBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	cycleID := decodeJSON(t, rec)["id"].(string)
	rec = f.do(t, http.MethodPost, "/billing/cycles/"+cycleID+"/process", "")
	require.Equal(t, http.StatusOK, rec.Code)

	query := url.Values{}
	query.Set("customerId", "CUST-1")
	query.Set("resourceType", "DATA")
	query.Set("billingPeriod", "MONTHLY")
	query.Set("periodStart", "2025-03-01")

	rec = f.do(t, http.MethodPost, "/api/monitoring/cost-calculations?"+query.Encode(), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	calc := decodeJSON(t, rec)
	calcID := calc["id"].(string)
	assert.Equal(t, "DRAFT", calc["status"])
	assert.Equal(t, float64(30), calc["totalCost"])

	rec = f.do(t, http.MethodPost, "/api/monitoring/cost-calculations/"+calcID+"/finalize", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "FINAL", decodeJSON(t, rec)["status"])

	// Frozen snapshots refuse recalculation.
	rec = f.do(t, http.MethodPost, "/api/monitoring/cost-calculations/"+calcID+"/recalculate", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	// And a repeated calculate command for the same window conflicts too.
	rec = f.do(t, http.MethodPost, "/api/monitoring/cost-calculations?"+query.Encode(), "")
	require.Equal(t, http.StatusConflict, rec.Code)

	_ = recordID
}

func TestGenerateForecastOverHTTP(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	f := newServerFixture(t, now)

	query := url.Values{}
	query.Set("customerId", "CUST-1")
	query.Set("resourceType", "DATA")
	query.Set("billingPeriod", "MONTHLY")
	query.Set("forecastStartDate", "2025-06-01")
	query.Set("forecastEndDate", "2025-06-15")
	query.Set("forecastModel", "LINEAR_REGRESSION")

	rec := f.do(t, http.MethodPost, "/api/monitoring/cost-forecasts/generate?"+query.Encode(), "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var forecasts []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &forecasts))
	// No history: one flat low-confidence forecast.
	require.Len(t, forecasts, 1)
	assert.Equal(t, "STABLE", forecasts[0]["trendDirection"])

	rec = f.do(t, http.MethodGet, "/api/monitoring/cost-forecasts/customer/CUST-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeJSON(t, rec)["totalElements"])

	rec = f.do(t, http.MethodGet, "/api/monitoring/cost-forecasts/customer/CUST-1/resource/DATA", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeJSON(t, rec)["totalElements"])
}

func TestGenerateForecastRejectsUnknownModel(t *testing.T) {
	f := newServerFixture(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	query := url.Values{}
	query.Set("customerId", "CUST-1")
	query.Set("resourceType", "DATA")
	query.Set("billingPeriod", "MONTHLY")
	query.Set("forecastStartDate", "2025-06-01")
	query.Set("forecastEndDate", "2025-06-15")
	query.Set("forecastModel", "ARIMA")

	rec := f.do(t, http.MethodPost, "/api/monitoring/cost-forecasts/generate?"+query.Encode(), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := decodeJSON(t, rec)["error"].(map[string]any)
	assert.Equal(t, "validation_error", errObj["type"])
}
