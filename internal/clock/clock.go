package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock abstracts wall time so services can be tested at fixed instants.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock { return systemClock{} }

// Module provides the system clock.
var Module = fx.Module("clock",
	fx.Provide(NewSystemClock),
)
