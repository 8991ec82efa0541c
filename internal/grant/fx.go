package grant

import (
	"github.com/smallbiznis/unprice/internal/grant/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("grant",
	fx.Provide(repository.New),
)
