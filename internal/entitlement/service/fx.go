package service

import (
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement",
	fx.Provide(
		NewService,
		func(svc entitlementdomain.Service) entitlementdomain.UsageReader { return svc },
	),
)
