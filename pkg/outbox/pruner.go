package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Pruner removes Sent records older than the retention window. Pending
// records are never touched, whatever their age.
type Pruner struct {
	store Store
	conf  Config
	log   *zap.Logger
}

func NewPruner(log *zap.Logger, store Store, conf Config) *Pruner {
	return &Pruner{
		store: store,
		conf:  conf.withDefaults(),
		log:   log.With(zap.String("component", "outbox-pruner")),
	}
}

func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.conf.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-p.conf.Retention)
			removed, err := p.store.PruneSent(ctx, cutoff)
			if err != nil {
				p.log.Error("failed to prune outbox", zap.Error(err))
				continue
			}
			if removed > 0 {
				p.log.Info("pruned sent outbox records",
					zap.Int64("removed", removed),
					zap.Time("cutoff", cutoff))
			}
		}
	}
}
