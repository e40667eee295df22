package costmodel

import (
	"github.com/telcobss/meterbill/internal/costmodel/service"
	"go.uber.org/fx"
)

var Module = fx.Module("costmodel.service",
	fx.Provide(service.NewService),
)
