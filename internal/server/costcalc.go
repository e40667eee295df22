package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	costcalcdomain "github.com/telcobss/meterbill/internal/costcalc/domain"
	costcalcsvc "github.com/telcobss/meterbill/internal/costcalc/service"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
)

func (s *Server) CalculateCosts(c *gin.Context) {
	periodStart, err := parseRequiredTime(c.Query("periodStart"))
	if err != nil {
		AbortWithError(c, newValidationError("periodStart", "invalid_period_start", "invalid periodStart"))
		return
	}

	calc, err := s.costCalcSvc.Calculate(c.Request.Context(), costcalcdomain.CalculateRequest{
		CustomerID:    strings.TrimSpace(c.Query("customerId")),
		ResourceType:  strings.TrimSpace(c.Query("resourceType")),
		BillingPeriod: costmodeldomain.BillingPeriod(strings.ToUpper(strings.TrimSpace(c.Query("billingPeriod")))),
		PeriodStart:   periodStart,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, calc)
}

func (s *Server) RecalculateCosts(c *gin.Context) {
	calc, err := s.costCalcSvc.Recalculate(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, calc)
}

func (s *Server) FinalizeCostCalculation(c *gin.Context) {
	calc, err := s.costCalcSvc.Finalize(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, calc)
}

func (s *Server) GetCostCalculationByID(c *gin.Context) {
	calc, err := s.costCalcSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, calc)
}

func (s *Server) ListCostCalculations(c *gin.Context) {
	page, err := parsePageParams(c, costcalcsvc.ListSortFields)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := costcalcdomain.CalculationStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))

	resp, err := s.costCalcSvc.List(c.Request.Context(), costcalcdomain.ListRequest{
		CustomerID:   strings.TrimSpace(c.Query("customerId")),
		ResourceType: strings.TrimSpace(c.Query("resourceType")),
		Status:       status,
		Page:         page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
