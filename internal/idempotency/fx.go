package idempotency

import (
	"github.com/smallbiznis/settlement/internal/idempotency/repository"
	"github.com/smallbiznis/settlement/internal/idempotency/service"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency.store",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewStore),
)
