package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	obslogger "github.com/telcobss/meterbill/internal/observability/logger"
	obsmetrics "github.com/telcobss/meterbill/internal/observability/metrics"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	usagesvc "github.com/telcobss/meterbill/internal/usage/service"
	"go.uber.org/zap"
)

func (s *Server) IngestUsageRecord(c *gin.Context) {
	var req usagedomain.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	record, err := s.usageSvc.Ingest(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (s *Server) ListUsageRecords(c *gin.Context) {
	page, err := parsePageParams(c, usagesvc.ListSortFields)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	unrated, err := parseOptionalBool(c.Query("unrated"))
	if err != nil {
		AbortWithError(c, newValidationError("unrated", "invalid_unrated", "invalid unrated"))
		return
	}

	resp, err := s.usageSvc.List(c.Request.Context(), usagedomain.ListUsageRequest{
		CustomerID:     strings.TrimSpace(c.Query("customerId")),
		SubscriptionID: strings.TrimSpace(c.Query("subscriptionId")),
		UsageType:      strings.TrimSpace(c.Query("usageType")),
		Unrated:        unrated,
		Page:           page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetUsageRecordByID(c *gin.Context) {
	record, err := s.usageSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, record)
}

type usageIngestRateLimitKey struct {
	CustomerID string `json:"customerId"`
}

// UsageIngestRateLimit consumes one ingest token per customer before the
// record reaches the buffer.
func (s *Server) UsageIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)

		customerID, err := readUsageIngestKey(c)
		if err != nil {
			obslogger.FromContext(ctx).Warn("usage ingest rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if customerID == "" {
			c.Next()
			return
		}

		result, err := s.usageLimiter.AllowCustomer(ctx, customerID)
		if err != nil {
			obslogger.FromContext(ctx).Warn("usage ingest rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !result.Allowed {
			obslogger.FromContext(ctx).Warn("usage ingest rate limit exceeded",
				zap.String("customer_id", customerID),
				zap.String("endpoint", endpoint),
			)
			recordRateLimitDenied(ctx, endpoint, customerID, "customer-rate", s.obsMetrics)

			c.Header("Retry-After", "1")
			AbortWithError(c, ErrRateLimited)
			return
		}

		recordRateLimitAllowed(ctx, endpoint, customerID, s.obsMetrics)
		c.Next()
	}
}

func recordRateLimitAllowed(ctx context.Context, endpoint, customerID string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitAllowed(ctx, customerID, endpoint)
}

func recordRateLimitDenied(ctx context.Context, endpoint, customerID, reason string, metrics *obsmetrics.Metrics) {
	if metrics == nil {
		return
	}
	metrics.RecordRateLimitDenied(ctx, customerID, endpoint, reason)
}

func readUsageIngestKey(c *gin.Context) (string, error) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload usageIngestRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}

	return strings.TrimSpace(payload.CustomerID), nil
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
