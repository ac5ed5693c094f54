package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/transport"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Relay drains Pending outbox records onto the transport. It owns no state
// beyond its tick loop: a crash at any point leaves records durably Pending
// (or claimed with an expiry), so re-scanning after restart naturally
// resumes them. A record published but not yet marked Sent is republished —
// at-least-once on purpose, resolved downstream by the inbox.
type Relay struct {
	store     Store
	publisher transport.Publisher
	conf      Config
	log       *zap.Logger
}

func NewRelay(log *zap.Logger, store Store, publisher transport.Publisher, conf Config) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		conf:      conf.withDefaults(),
		log:       log.With(zap.String("component", "outbox-relay")),
	}
}

// Run executes the tick loop until ctx is cancelled. The current batch is
// always allowed to finish before the loop exits.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("outbox relay started",
		zap.Duration("poll_interval", r.conf.PollInterval),
		zap.Int("batch_size", r.conf.BatchSize))

	storeBackoff := backoff.NewExponentialBackOff()
	storeBackoff.MaxElapsedTime = 0

	ticker := time.NewTicker(r.conf.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if err := r.drain(ctx); err != nil {
				wait := storeBackoff.NextBackOff()
				r.log.Error("outbox drain failed, backing off",
					zap.Error(err),
					zap.Duration("backoff", wait))
				sleep(ctx, wait)
				continue
			}
			storeBackoff.Reset()
		}
	}
}

// drain publishes claimed batches until the store runs dry or the tick's
// work is interrupted by a transport failure.
func (r *Relay) drain(ctx context.Context) error {
	for {
		batch, err := r.store.FetchPending(ctx, r.conf.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to fetch pending records: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, record := range batch {
			if err := r.publishOne(ctx, record); err != nil {
				// Transient transport failure: the record stays Pending and
				// its claim expires, so a later tick retries it. Nothing to
				// surface upward - the business transaction already
				// committed.
				r.log.Warn("publish failed, record stays pending",
					zap.String("message_id", record.Envelope.MessageID),
					zap.String("topic", record.Topic),
					zap.Error(err))
				return nil
			}
		}

		if len(batch) < r.conf.BatchSize {
			return nil
		}
	}
}

func (r *Relay) publishOne(ctx context.Context, record Record) error {
	if err := r.publisher.Publish(ctx, record.Topic, record.Envelope); err != nil {
		return err
	}
	if err := r.store.MarkSent(ctx, record.Envelope.MessageID); err != nil {
		// Published but not marked: the claim expiry will republish it,
		// which the inbox deduplicates.
		return fmt.Errorf("failed to mark record sent: %w", err)
	}
	r.log.Debug("outbox record published",
		zap.String("message_id", record.Envelope.MessageID),
		zap.String("payload_type", record.Envelope.PayloadType),
		zap.String("topic", record.Topic))
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
