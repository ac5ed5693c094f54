package inbox

import (
	"context"

	mongowrap "github.com/Sokol111/ecommerce-messaging/pkg/persistence/mongo"
	"go.uber.org/fx"
)

// NewInboxModule provides the inbox store and ensures its unique index.
func NewInboxModule() fx.Option {
	return fx.Provide(provideStore)
}

func provideStore(lc fx.Lifecycle, m mongowrap.Mongo) Store {
	store := NewMongoStore(m)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return store.(*mongoStore).EnsureIndexes(ctx)
		},
	})
	return store
}
