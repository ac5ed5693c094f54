package mongo

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// moduleOptions holds internal configuration for the mongo module.
type moduleOptions struct {
	config *Config
}

// Option is a functional option for configuring the mongo module.
type Option func(*moduleOptions)

// WithConfig provides a static Config (useful for tests). When set, the
// configuration will not be loaded from viper.
func WithConfig(cfg Config) Option {
	return func(opts *moduleOptions) {
		opts.config = &cfg
	}
}

// NewMongoModule provides MongoDB components for dependency injection.
func NewMongoModule(opts ...Option) fx.Option {
	cfg := &moduleOptions{}
	for _, opt := range opts {
		opt(cfg)
	}

	providers := []any{provideMongo, newTxManager}
	if cfg.config != nil {
		conf := *cfg.config
		providers = append(providers, func() (Config, error) { return conf, nil })
	} else {
		providers = append(providers, newConfig)
	}

	return fx.Provide(providers...)
}

func provideMongo(lc fx.Lifecycle, log *zap.Logger, conf Config) (Mongo, Admin, error) {
	m, err := newMongo(log, conf)
	if err != nil {
		return nil, nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return m.connect(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return m.disconnect(ctx)
		},
	})

	return m, m, nil
}
