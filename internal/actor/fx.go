package actor

import "go.uber.org/fx"

var Module = fx.Module("actor",
	fx.Provide(
		NewHub,
		NewHost,
	),
)
