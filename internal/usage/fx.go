package usage

import (
	"github.com/smallbiznis/settlement/internal/usage/repository"
	"github.com/smallbiznis/settlement/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.reader",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewReader),
)
