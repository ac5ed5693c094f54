package health

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewHealthModule provides the readiness gate shared by all workers.
func NewHealthModule() fx.Option {
	return fx.Provide(
		func(log *zap.Logger) (ComponentManager, ReadinessWaiter) {
			r := NewReadiness(log)
			return r, r
		},
	)
}
