package metering

import (
	"github.com/smallbiznis/tokenledger/internal/metering/repository"
	"github.com/smallbiznis/tokenledger/internal/metering/service"
	"go.uber.org/fx"
)

var Module = fx.Module("metering.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
