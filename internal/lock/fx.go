package lock

import "go.uber.org/fx"

var Module = fx.Module("cycle.lock",
	fx.Provide(NewManager),
)
