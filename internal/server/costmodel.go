package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	costmodelsvc "github.com/telcobss/meterbill/internal/costmodel/service"
)

// Monitoring commands are query-string encoded: every field of the command
// arrives as a query parameter, not a JSON body.

func (s *Server) CreateCostModel(c *gin.Context) {
	baseCost, err := parseRequiredDecimal(c.Query("baseCost"))
	if err != nil {
		AbortWithError(c, newValidationError("baseCost", "invalid_base_cost", "invalid baseCost"))
		return
	}
	overageRate, err := parseRequiredDecimal(c.Query("overageRate"))
	if err != nil {
		AbortWithError(c, newValidationError("overageRate", "invalid_overage_rate", "invalid overageRate"))
		return
	}
	includedUsage, err := parseRequiredDecimal(c.Query("includedUsage"))
	if err != nil {
		AbortWithError(c, newValidationError("includedUsage", "invalid_included_usage", "invalid includedUsage"))
		return
	}
	active, err := parseOptionalBool(c.Query("active"))
	if err != nil {
		AbortWithError(c, newValidationError("active", "invalid_active", "invalid active"))
		return
	}

	req := costmodeldomain.CreateRequest{
		ModelName:     strings.TrimSpace(c.Query("modelName")),
		ResourceType:  strings.TrimSpace(c.Query("resourceType")),
		BillingPeriod: costmodeldomain.BillingPeriod(strings.ToUpper(strings.TrimSpace(c.Query("billingPeriod")))),
		BaseCost:      baseCost,
		OverageRate:   overageRate,
		IncludedUsage: includedUsage,
		Currency:      strings.TrimSpace(c.Query("currency")),
		Active:        active,
	}
	if customerID := strings.TrimSpace(c.Query("customerId")); customerID != "" {
		req.CustomerID = &customerID
	}

	model, err := s.costModelSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, model)
}

func (s *Server) UpdateCostModel(c *gin.Context) {
	req := costmodeldomain.UpdateRequest{ID: strings.TrimSpace(c.Param("id"))}

	if raw, ok := c.GetQuery("modelName"); ok {
		name := strings.TrimSpace(raw)
		req.ModelName = &name
	}
	if raw, ok := c.GetQuery("billingPeriod"); ok {
		period := costmodeldomain.BillingPeriod(strings.ToUpper(strings.TrimSpace(raw)))
		req.BillingPeriod = &period
	}
	if raw, ok := c.GetQuery("currency"); ok {
		currency := strings.TrimSpace(raw)
		req.Currency = &currency
	}

	var err error
	if req.BaseCost, err = parseOptionalDecimal(c.Query("baseCost")); err != nil {
		AbortWithError(c, newValidationError("baseCost", "invalid_base_cost", "invalid baseCost"))
		return
	}
	if req.OverageRate, err = parseOptionalDecimal(c.Query("overageRate")); err != nil {
		AbortWithError(c, newValidationError("overageRate", "invalid_overage_rate", "invalid overageRate"))
		return
	}
	if req.IncludedUsage, err = parseOptionalDecimal(c.Query("includedUsage")); err != nil {
		AbortWithError(c, newValidationError("includedUsage", "invalid_included_usage", "invalid includedUsage"))
		return
	}
	if req.Active, err = parseOptionalBool(c.Query("active")); err != nil {
		AbortWithError(c, newValidationError("active", "invalid_active", "invalid active"))
		return
	}

	model, err := s.costModelSvc.Update(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, model)
}

func (s *Server) DeleteCostModel(c *gin.Context) {
	if err := s.costModelSvc.Delete(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetCostModelByID(c *gin.Context) {
	model, err := s.costModelSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, model)
}

func (s *Server) ListCostModels(c *gin.Context) {
	page, err := parsePageParams(c, costmodelsvc.ListSortFields)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	activeOnly, err := parseOptionalBool(c.Query("activeOnly"))
	if err != nil {
		AbortWithError(c, newValidationError("activeOnly", "invalid_active_only", "invalid activeOnly"))
		return
	}

	resp, err := s.costModelSvc.List(c.Request.Context(), costmodeldomain.ListRequest{
		ResourceType: strings.TrimSpace(c.Query("resourceType")),
		CustomerID:   strings.TrimSpace(c.Query("customerId")),
		ActiveOnly:   activeOnly != nil && *activeOnly,
		Page:         page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
