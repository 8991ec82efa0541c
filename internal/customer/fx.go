package customer

import (
	"github.com/smallbiznis/unprice/internal/customer/domain"
	"github.com/smallbiznis/unprice/internal/customer/repository"
	"github.com/smallbiznis/unprice/internal/customer/service"
	entitlementdomain "github.com/smallbiznis/unprice/internal/entitlement/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(service.NewGate),
	fx.Provide(func(svc entitlementdomain.Service) domain.EntitlementResetter { return svc }),
)
