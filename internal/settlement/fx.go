package settlement

import (
	"github.com/smallbiznis/tokenledger/internal/settlement/adapters"
	"github.com/smallbiznis/tokenledger/internal/settlement/inflight"
	"github.com/smallbiznis/tokenledger/internal/settlement/repository"
	"github.com/smallbiznis/tokenledger/internal/settlement/service"
	"github.com/smallbiznis/tokenledger/internal/settlement/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement.service",
	fx.Provide(
		repository.Provide,
		inflight.NewLock,
		service.NewService,
		adapters.ProvideRegistry,
		webhook.NewService,
	),
)
