// Package memory provides an in-process transport used by tests and
// standalone mode. It mimics broker semantics: at-least-once, unordered
// across concurrent workers, with requeue support.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/Sokol111/ecommerce-messaging/pkg/transport"
)

const defaultRequeueDelay = 10 * time.Millisecond

// Broker is a channel-backed pub/sub hub. A topic and a queue with the same
// name are the same thing here.
type Broker struct {
	mu     sync.Mutex
	topics map[string]chan envelope.Envelope
	closed bool

	// RequeueDelay is how long a requeued message waits before redelivery.
	RequeueDelay time.Duration
}

func NewBroker() *Broker {
	return &Broker{
		topics:       make(map[string]chan envelope.Envelope),
		RequeueDelay: defaultRequeueDelay,
	}
}

func (b *Broker) topic(name string, capacity int) chan envelope.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[name]
	if !ok {
		if capacity <= 0 {
			capacity = 64
		}
		ch = make(chan envelope.Envelope, capacity)
		b.topics[name] = ch
	}
	return ch
}

// Publish enqueues the envelope on the topic. It blocks when the topic
// buffer is full, which is the broker's natural backpressure.
func (b *Broker) Publish(ctx context.Context, topic string, e envelope.Envelope) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid envelope: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.topic(topic, 0) <- e:
		return nil
	}
}

// Subscribe starts opts.ConcurrencyLimit workers draining the queue.
func (b *Broker) Subscribe(ctx context.Context, queue string, h transport.Handler, opts transport.SubscribeOptions) (transport.Subscription, error) {
	opts = opts.Normalized()
	ch := b.topic(queue, opts.Prefetch)

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel}

	for i := 0; i < opts.ConcurrencyLimit; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			b.consume(subCtx, ch, h)
		}()
	}

	return sub, nil
}

func (b *Broker) consume(ctx context.Context, ch chan envelope.Envelope, h transport.Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			err := h(ctx, e)
			if err == nil {
				continue
			}
			// Any handler error causes redelivery, same as a broker would
			// redeliver an unacknowledged message.
			go func(e envelope.Envelope) {
				timer := time.NewTimer(b.RequeueDelay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
					select {
					case ch <- e:
					case <-ctx.Done():
					}
				}
			}(e)
		}
	}
}

type subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *subscription) Close(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("subscription drain timed out: %w", ctx.Err())
	}
}
