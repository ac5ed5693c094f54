package kafka

import (
	"context"

	"github.com/Sokol111/ecommerce-messaging/pkg/core/health"
	"github.com/Sokol111/ecommerce-messaging/pkg/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewKafkaModule wires the Kafka-backed transport. The publisher gates
// readiness on broker metadata so the relay does not tick into a dead
// broker on startup.
func NewKafkaModule() fx.Option {
	return fx.Options(
		fx.Provide(
			newConfig,
			providePublisher,
			provideSubscriber,
		),
	)
}

func providePublisher(lc fx.Lifecycle, conf Config, log *zap.Logger, components health.ComponentManager) (transport.Publisher, error) {
	publisherLog := log.With(zap.String("component", "kafka-publisher"))
	p, err := NewPublisher(conf, publisherLog)
	if err != nil {
		return nil, err
	}

	markReady := components.AddComponent("kafka-publisher")
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := waitForBrokers(ctx, p.producer, publisherLog, conf.ReadinessTimeout, *conf.FailOnBrokerError); err != nil {
				return err
			}
			markReady()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Close()
			return nil
		},
	})
	return p, nil
}

func provideSubscriber(conf Config, log *zap.Logger) transport.Subscriber {
	return NewSubscriber(conf, log.With(zap.String("component", "kafka-subscriber")))
}
