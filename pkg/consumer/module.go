package consumer

import (
	"github.com/Sokol111/ecommerce-messaging/pkg/core/worker"
	"github.com/Sokol111/ecommerce-messaging/pkg/inbox"
	"github.com/Sokol111/ecommerce-messaging/pkg/persistence"
	"github.com/Sokol111/ecommerce-messaging/pkg/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type consumerParams struct {
	fx.In

	Log        *zap.Logger
	Conf       Config
	Subscriber transport.Subscriber
	Publisher  transport.Publisher `optional:"true"`
	Inbox      inbox.Store
	Dispatcher *Dispatcher
	TxManager  persistence.TxManager `optional:"true"`
}

// NewConsumerModule wires the dispatcher and the delivery pipeline. The
// consumer runs as a registered worker gated on component readiness; handlers
// register on the dispatcher during fx.Invoke before the app starts.
func NewConsumerModule() fx.Option {
	return fx.Options(
		fx.Provide(
			newConfig,
			NewDispatcher,
			provideConsumer,
			worker.Register[*Consumer]("consumer", worker.WithReady(), worker.WithShutdown()),
		),
	)
}

func provideConsumer(p consumerParams) (*Consumer, error) {
	var opts []Option
	if p.TxManager != nil {
		opts = append(opts, WithTxManager(p.TxManager))
	}
	return New(p.Log, p.Conf, p.Subscriber, p.Publisher, p.Inbox, p.Dispatcher, opts...)
}
