package fee

import (
	eventservice "github.com/smallbiznis/meterflow/internal/event/service"
	"github.com/smallbiznis/meterflow/internal/fee/service"
	"go.uber.org/fx"
)

var Module = fx.Module("fee.assembler",
	fx.Provide(service.NewAssembler),
	// The assembler rates pay-in-advance charges inside the ingestion
	// transaction, so it registers as the event service applier.
	fx.Invoke(func(ev *eventservice.Service, asm *service.Assembler) {
		ev.SetApplier(asm)
	}),
)
