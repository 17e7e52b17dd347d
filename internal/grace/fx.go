package grace

import (
	"github.com/smallbiznis/settlement/internal/grace/service"
	"go.uber.org/fx"
)

var Module = fx.Module("grace.service",
	fx.Provide(service.NewService),
)
