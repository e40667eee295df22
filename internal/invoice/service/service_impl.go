package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/telcobss/meterbill/internal/billingcycle/domain"
	"github.com/telcobss/meterbill/internal/clock"
	invoicedomain "github.com/telcobss/meterbill/internal/invoice/domain"
	"github.com/telcobss/meterbill/internal/money"
	"github.com/telcobss/meterbill/pkg/db"
	"github.com/telcobss/meterbill/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository[invoicedomain.Invoice]
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  repository.ProvideStore[invoicedomain.Invoice](p.DB),
	}
}

func (s *Service) GenerateForCycle(ctx context.Context, cycle *billingcycledomain.BillingCycle) (string, error) {
	existing, err := s.findByCycle(ctx, cycle.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID.String(), nil
	}

	invoice := &invoicedomain.Invoice{
		ID:         s.genID.Generate(),
		CycleID:    cycle.ID,
		CustomerID: cycle.CustomerID,
		Amount:     money.Round(cycle.TotalCost, cycle.Currency),
		Currency:   cycle.Currency,
		Status:     invoicedomain.StatusIssued,
		IssuedAt:   s.clock.Now().UTC(),
	}
	if err := s.repo.Create(ctx, invoice); err != nil {
		// Lost the race to a concurrent completion of the same cycle.
		if db.IsDuplicateKeyErr(err) {
			existing, ferr := s.findByCycle(ctx, cycle.ID)
			if ferr != nil {
				return "", ferr
			}
			if existing != nil {
				return existing.ID.String(), nil
			}
		}
		return "", err
	}

	s.log.Info("invoice issued",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("cycle_id", cycle.ID.String()),
		zap.String("customer_id", cycle.CustomerID),
		zap.String("amount", invoice.Amount.String()),
	)
	return invoice.ID.String(), nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*invoicedomain.Invoice, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	invoice, err := s.repo.FindOne(ctx, &invoicedomain.Invoice{ID: parsed})
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) findByCycle(ctx context.Context, cycleID snowflake.ID) (*invoicedomain.Invoice, error) {
	return s.repo.FindOne(ctx, &invoicedomain.Invoice{CycleID: cycleID})
}
