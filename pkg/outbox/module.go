package outbox

import (
	"context"

	"github.com/Sokol111/ecommerce-messaging/pkg/core/worker"
	mongowrap "github.com/Sokol111/ecommerce-messaging/pkg/persistence/mongo"
	"go.uber.org/fx"
)

// NewOutboxModule wires the store, the relay and the pruner. The relay and
// the pruner run as registered workers gated on component readiness.
func NewOutboxModule() fx.Option {
	return fx.Options(
		fx.Provide(
			newConfig,
			provideStore,
			NewRelay,
			NewPruner,
			worker.Register[*Relay]("outbox-relay", worker.WithReady(), worker.WithShutdown()),
			worker.Register[*Pruner]("outbox-pruner", worker.WithReady()),
		),
	)
}

func provideStore(lc fx.Lifecycle, m mongowrap.Mongo, conf Config) Store {
	store := NewMongoStore(m, conf.ClaimTTL)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return store.(*mongoStore).EnsureIndexes(ctx)
		},
	})
	return store
}
