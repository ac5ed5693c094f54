package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/Sokol111/ecommerce-messaging/pkg/inbox"
	"github.com/Sokol111/ecommerce-messaging/pkg/persistence"
	"github.com/Sokol111/ecommerce-messaging/pkg/transport"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Consumer is the delivery pipeline every consumer in the constellation
// runs: inbox dedup, bounded in-process retry, circuit breaking,
// concurrency limiting and dead-letter routing, composed around the
// registered handlers. The transport acknowledges a message only after the
// pipeline reached a terminal outcome for it.
type Consumer struct {
	conf      Config
	handler   Handler
	inbox     inbox.Store
	txManager persistence.TxManager

	subscriber transport.Subscriber
	breaker    *gobreaker.CircuitBreaker
	retry      *retryExecutor
	sem        *semaphore.Weighted
	dlq        dlqHandler
	log        *zap.Logger
}

// Option configures optional consumer collaborators.
type Option func(*Consumer)

// WithTxManager makes the pipeline commit the side effect and the inbox
// record in one transaction, closing the duplicate-effect window. Handlers
// must then perform their side effect through the transaction context they
// receive.
func WithTxManager(tm persistence.TxManager) Option {
	return func(c *Consumer) {
		c.txManager = tm
	}
}

func New(
	log *zap.Logger,
	conf Config,
	subscriber transport.Subscriber,
	publisher transport.Publisher,
	inboxStore inbox.Store,
	handler Handler,
	opts ...Option,
) (*Consumer, error) {
	if conf.Name == "" {
		return nil, fmt.Errorf("consumer name is required")
	}
	if conf.Queue == "" {
		return nil, fmt.Errorf("consumer queue is required")
	}
	conf = conf.withDefaults()

	log = log.With(zap.String("consumer", conf.Name))

	c := &Consumer{
		conf:       conf,
		handler:    handler,
		inbox:      inboxStore,
		subscriber: subscriber,
		breaker:    newCircuitBreaker(conf.Name, conf.CircuitBreaker, log),
		retry:      newRetryExecutor(conf.Retry, log),
		sem:        semaphore.NewWeighted(int64(conf.ConcurrencyLimit)),
		dlq:        newDeadLetterer(publisher, conf, log),
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run subscribes and blocks until ctx is cancelled, then drains in-flight
// deliveries up to the shutdown grace period.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.subscriber.Subscribe(ctx, c.conf.Queue, c.Handle, transport.SubscribeOptions{
		Prefetch:         c.conf.Prefetch,
		ConcurrencyLimit: c.conf.ConcurrencyLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.conf.Queue, err)
	}

	c.log.Info("consumer started",
		zap.String("queue", c.conf.Queue),
		zap.Int("concurrency_limit", c.conf.ConcurrencyLimit),
		zap.Int("prefetch", c.conf.Prefetch))

	<-ctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), c.conf.ShutdownGracePeriod)
	defer cancel()
	if err := sub.Close(closeCtx); err != nil {
		return fmt.Errorf("failed to drain consumer %s: %w", c.conf.Name, err)
	}
	c.log.Info("consumer stopped")
	return nil
}

// Handle processes one delivery. The return value drives the transport:
// nil acknowledges, transport.ErrRequeue redelivers later.
func (c *Consumer) Handle(ctx context.Context, e envelope.Envelope) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return transport.ErrRequeue
	}
	defer c.sem.Release(1)

	dedupKey := e.DedupKey()

	processed, err := c.inbox.HasProcessed(ctx, dedupKey, c.conf.Name)
	if err != nil {
		// Store outage: defer, the redelivery will check again.
		c.log.Warn("inbox check failed, deferring delivery",
			zap.String("message_id", dedupKey), zap.Error(err))
		return transport.ErrRequeue
	}
	if processed {
		c.log.Debug("duplicate delivery skipped",
			zap.String("message_id", dedupKey),
			zap.String("payload_type", e.PayloadType))
		return nil
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.retry.Execute(ctx, func(ctx context.Context) error {
			return c.processOnce(ctx, e, dedupKey)
		})
	})

	switch {
	case err == nil:
		return nil

	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		// Dependency outage: delivery is deferred, not dropped. The Open
		// state itself is the recovery mechanism.
		return transport.ErrRequeue

	case errors.Is(err, ErrSkipMessage):
		c.log.Debug("message skipped",
			zap.String("message_id", dedupKey),
			zap.String("payload_type", e.PayloadType))
		return nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown interrupted the attempt; the record is either marked
		// processed or will be redelivered.
		return transport.ErrRequeue

	default:
		// Poison message: retries exhausted or permanent failure.
		c.log.Error("message processing failed, dead-lettering",
			zap.String("message_id", dedupKey),
			zap.String("payload_type", e.PayloadType),
			zap.Error(err))
		if dlqErr := c.dlq.SendToDLQ(ctx, e, err); dlqErr != nil {
			// Acking here would lose the event: no side effect, no inbox
			// record, no dead-letter record. Defer until the DLQ publish
			// lands.
			c.log.Error("dead-letter publish failed, deferring delivery",
				zap.String("message_id", dedupKey),
				zap.Error(dlqErr))
			return transport.ErrRequeue
		}
		return nil
	}
}

// processOnce executes the side effect and records the inbox entry. With a
// TxManager both commit atomically; without one the inbox write happens
// right after the side effect, accepting the bounded duplicate window.
func (c *Consumer) processOnce(ctx context.Context, e envelope.Envelope, dedupKey string) error {
	if c.txManager != nil {
		_, err := c.txManager.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
			if err := c.handler.Process(txCtx, e); err != nil {
				return nil, err
			}
			return nil, c.inbox.MarkProcessed(txCtx, dedupKey, c.conf.Name, time.Now().UTC())
		})
		return c.mapInboxError(err)
	}

	if err := c.handler.Process(ctx, e); err != nil {
		return err
	}
	return c.mapInboxError(c.inbox.MarkProcessed(ctx, dedupKey, c.conf.Name, time.Now().UTC()))
}

// mapInboxError converts a lost insert race into a skip: someone else
// already processed the message, which is exactly what dedup is for.
func (c *Consumer) mapInboxError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, inbox.ErrAlreadyProcessed) {
		return fmt.Errorf("%w: %v", ErrSkipMessage, err)
	}
	return err
}
