package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sokol111/ecommerce-messaging/pkg/envelope"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Handler processes one event's side effect. Implementations do not need to
// be idempotent: the pipeline's inbox guard keeps redeliveries away. They do
// need to tolerate the bounded duplicate window when the inbox write is not
// transactional with the side effect (see inbox.Store).
type Handler interface {
	Process(ctx context.Context, e envelope.Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, e envelope.Envelope) error

func (f HandlerFunc) Process(ctx context.Context, e envelope.Envelope) error {
	return f(ctx, e)
}

// Dispatcher routes envelopes to the handler registered for their payload
// type. One consumer commonly handles several event types from one queue.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *zap.Logger
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		log:      log.With(zap.String("component", "dispatcher")),
	}
}

// Register binds a handler to a payload type. Registering the same type
// twice is a programming error.
func (d *Dispatcher) Register(payloadType string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[payloadType]; exists {
		return fmt.Errorf("handler for payload type %s already registered", payloadType)
	}
	d.handlers[payloadType] = h
	return nil
}

// Process implements Handler. Unknown payload types are skipped, not
// failed: queues often carry event types a given consumer doesn't care
// about.
func (d *Dispatcher) Process(ctx context.Context, e envelope.Envelope) error {
	d.mu.RLock()
	h, ok := d.handlers[e.PayloadType]
	var registered []string
	if !ok {
		registered = lo.Keys(d.handlers)
	}
	d.mu.RUnlock()

	if !ok {
		d.log.Warn("no handler for payload type, skipping",
			zap.String("payload_type", e.PayloadType),
			zap.String("message_id", e.MessageID),
			zap.Strings("registered_types", registered))
		return fmt.Errorf("%w: no handler for %s", ErrSkipMessage, e.PayloadType)
	}
	return h.Process(ctx, e)
}
