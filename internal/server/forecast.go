package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	forecastdomain "github.com/telcobss/meterbill/internal/forecast/domain"
	forecastsvc "github.com/telcobss/meterbill/internal/forecast/service"
)

func (s *Server) GenerateCostForecasts(c *gin.Context) {
	forecastStart, err := parseRequiredTime(c.Query("forecastStartDate"))
	if err != nil {
		AbortWithError(c, newValidationError("forecastStartDate", "invalid_forecast_start", "invalid forecastStartDate"))
		return
	}
	forecastEnd, err := parseRequiredTime(c.Query("forecastEndDate"))
	if err != nil {
		AbortWithError(c, newValidationError("forecastEndDate", "invalid_forecast_end", "invalid forecastEndDate"))
		return
	}
	historicalMonths, err := parseOptionalInt(c.Query("historicalMonths"))
	if err != nil {
		AbortWithError(c, newValidationError("historicalMonths", "invalid_historical_months", "invalid historicalMonths"))
		return
	}

	req := forecastdomain.GenerateRequest{
		CustomerID:    strings.TrimSpace(c.Query("customerId")),
		ResourceType:  strings.TrimSpace(c.Query("resourceType")),
		BillingPeriod: costmodeldomain.BillingPeriod(strings.ToUpper(strings.TrimSpace(c.Query("billingPeriod")))),
		ForecastStart: forecastStart,
		ForecastEnd:   forecastEnd,
		Model:         forecastdomain.ForecastModel(strings.ToUpper(strings.TrimSpace(c.Query("forecastModel")))),
	}
	if historicalMonths != nil {
		req.HistoricalMonths = *historicalMonths
	}

	forecasts, err := s.forecastSvc.Generate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, forecasts)
}

func (s *Server) ListCostForecasts(c *gin.Context) {
	s.listForecasts(c, forecastdomain.ListRequest{
		CustomerID:   strings.TrimSpace(c.Query("customerId")),
		ResourceType: strings.TrimSpace(c.Query("resourceType")),
	})
}

func (s *Server) ListCostForecastsByCustomer(c *gin.Context) {
	s.listForecasts(c, forecastdomain.ListRequest{
		CustomerID: strings.TrimSpace(c.Param("id")),
	})
}

func (s *Server) ListCostForecastsByResource(c *gin.Context) {
	s.listForecasts(c, forecastdomain.ListRequest{
		CustomerID:   strings.TrimSpace(c.Param("id")),
		ResourceType: strings.TrimSpace(c.Param("type")),
	})
}

func (s *Server) ListCostForecastsByPeriod(c *gin.Context) {
	periodStart, err := parseRequiredTime(c.Param("start"))
	if err != nil {
		AbortWithError(c, newValidationError("start", "invalid_period_start", "invalid period start"))
		return
	}

	s.listForecasts(c, forecastdomain.ListRequest{
		PeriodStart: &periodStart,
	})
}

func (s *Server) listForecasts(c *gin.Context, req forecastdomain.ListRequest) {
	page, err := parsePageParams(c, forecastsvc.ListSortFields)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req.Page = page
	req.Model = forecastdomain.ForecastModel(strings.ToUpper(strings.TrimSpace(c.Query("forecastModel"))))

	resp, err := s.forecastSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
