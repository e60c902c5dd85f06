package event

import (
	"github.com/smallbiznis/meterflow/internal/event/service"
	"go.uber.org/fx"
)

var Module = fx.Module("event.service",
	fx.Provide(service.NewService),
)
