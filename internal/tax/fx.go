package tax

import (
	"github.com/smallbiznis/meterflow/internal/tax/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tax.resolver",
	fx.Provide(service.NewResolver),
)
