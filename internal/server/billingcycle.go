package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingcycledomain "github.com/telcobss/meterbill/internal/billingcycle/domain"
	cyclesvc "github.com/telcobss/meterbill/internal/billingcycle/service"
)

func (s *Server) CreateBillingCycle(c *gin.Context) {
	var req billingcycledomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	cycle, err := s.cycleSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, cycle)
}

func (s *Server) ListBillingCycles(c *gin.Context) {
	page, err := parsePageParams(c, cyclesvc.ListSortFields)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := billingcycledomain.CycleStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
	if status != "" && !billingcycledomain.ValidStatus(status) {
		AbortWithError(c, newValidationError("status", "invalid_status", "invalid status"))
		return
	}

	resp, err := s.cycleSvc.List(c.Request.Context(), billingcycledomain.ListRequest{
		CustomerID: strings.TrimSpace(c.Query("customerId")),
		Status:     status,
		Page:       page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetBillingCycleByID(c *gin.Context) {
	cycle, err := s.cycleSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, cycle)
}

// ProcessBillingCycle runs the full workflow server-side and returns the
// cycle in whatever state it lands in, COMPLETED or FAILED. A PENDING
// cycle is scheduled on the way in so the command works end to end.
func (s *Server) ProcessBillingCycle(c *gin.Context) {
	ctx := c.Request.Context()
	id := strings.TrimSpace(c.Param("id"))

	cycle, err := s.cycleSvc.GetByID(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if cycle.Status == billingcycledomain.StatusCompleted {
		c.JSON(http.StatusOK, cycle)
		return
	}
	if cycle.Status == billingcycledomain.StatusPending {
		if _, err := s.cycleSvc.Schedule(ctx, id); err != nil &&
			!errors.Is(err, billingcycledomain.ErrInvalidTransition) {
			AbortWithError(c, err)
			return
		}
	}

	cycle, err = s.cycleSvc.Process(ctx, id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, cycle)
}

func (s *Server) CancelBillingCycle(c *gin.Context) {
	cycle, err := s.cycleSvc.Cancel(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, cycle)
}

func (s *Server) GetInvoiceByID(c *gin.Context) {
	invoice, err := s.invoiceSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, invoice)
}
