package costcalc

import (
	"github.com/telcobss/meterbill/internal/costcalc/service"
	"go.uber.org/fx"
)

var Module = fx.Module("costcalc.service",
	fx.Provide(service.NewService),
)
