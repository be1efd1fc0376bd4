package ledger

import (
	"github.com/smallbiznis/tokenledger/internal/ledger/repository"
	"github.com/smallbiznis/tokenledger/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
