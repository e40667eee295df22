package migration

import (
	billingcycledomain "github.com/telcobss/meterbill/internal/billingcycle/domain"
	costcalcdomain "github.com/telcobss/meterbill/internal/costcalc/domain"
	costmodeldomain "github.com/telcobss/meterbill/internal/costmodel/domain"
	forecastdomain "github.com/telcobss/meterbill/internal/forecast/domain"
	invoicedomain "github.com/telcobss/meterbill/internal/invoice/domain"
	ratingdomain "github.com/telcobss/meterbill/internal/rating/domain"
	usagedomain "github.com/telcobss/meterbill/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB) error {
		// Versioned SQL migrations are postgres-only; sqlite installs
		// (local runs, tests) get the schema from gorm directly.
		if conn.Dialector.Name() != "postgres" {
			if err := conn.AutoMigrate(
				&usagedomain.UsageRecord{},
				&costmodeldomain.CostModel{},
				&ratingdomain.UsagePeriodAccumulator{},
				&billingcycledomain.BillingCycle{},
				&invoicedomain.Invoice{},
				&costcalcdomain.CostCalculation{},
				&forecastdomain.CostForecast{},
			); err != nil {
				return err
			}
			// Partial indexes are outside gorm tag coverage; keep the
			// processing-exclusivity index on every dialect.
			return conn.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_cycle_processing
				ON billing_cycles (customer_id) WHERE status = 'PROCESSING'`).Error
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
