package invoice

import (
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/invoice/render"
	"github.com/smallbiznis/settlement/internal/invoice/repository"
	"github.com/smallbiznis/settlement/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) render.Renderer {
		return render.NewPDFRenderer(cfg.AppName)
	}),
	fx.Provide(service.NewService),
)
