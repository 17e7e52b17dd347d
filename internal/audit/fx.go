package audit

import (
	"github.com/smallbiznis/settlement/internal/audit/repository"
	"github.com/smallbiznis/settlement/internal/audit/service"
	"go.uber.org/fx"
)

// Module provides the append-only audit trail shared by every state change.
var Module = fx.Module("audit.log",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
