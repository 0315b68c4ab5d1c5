package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ensenas/progression-engine/internal/domain/shared"
	"github.com/ensenas/progression-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Dispatcher routes bus events to named handlers through a middleware chain.
// A handler that still fails after its retries lands in the dead letter
// queue.
type Dispatcher struct {
	bus         shared.EventSubscriber
	handlers    map[shared.EventType][]registration
	middlewares []Middleware
	retrier     *retry.Retrier
	deadLetterQ *DeadLetterQueue
	logger      *slog.Logger
	mu          sync.RWMutex
}

type registration struct {
	name    string
	handler shared.EventHandler
}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	// Bus is the event source.
	Bus shared.EventSubscriber

	// Retrier retries failing handlers; nil means a single attempt.
	Retrier *retry.Retrier

	// DeadLetterSize caps the dead letter queue.
	DeadLetterSize int

	// Logger for structured logging
	Logger *slog.Logger
}

// NewDispatcher creates a dispatcher. Call Start to attach it to the bus.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Retrier == nil {
		config.Retrier = retry.New(retry.WithMaxAttempts(1))
	}
	return &Dispatcher{
		bus:         config.Bus,
		handlers:    make(map[shared.EventType][]registration),
		retrier:     config.Retrier,
		deadLetterQ: NewDeadLetterQueue(config.DeadLetterSize),
		logger:      config.Logger.With("component", "dispatcher"),
	}
}

// Register adds a named handler for an event type.
func (d *Dispatcher) Register(eventType shared.EventType, name string, handler shared.EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], registration{name: name, handler: handler})
}

// Use appends middleware. Middleware added first runs outermost.
func (d *Dispatcher) Use(middleware Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, middleware)
}

// Start subscribes the dispatcher to every event on the bus.
func (d *Dispatcher) Start() error {
	return d.bus.SubscribeAll(d.Dispatch)
}

// Dispatch runs every handler registered for the event type. It returns
// nil once failures have been dead-lettered.
func (d *Dispatcher) Dispatch(event shared.Event) error {
	d.mu.RLock()
	regs := append([]registration(nil), d.handlers[event.EventType()]...)
	mws := append([]Middleware(nil), d.middlewares...)
	d.mu.RUnlock()

	for _, reg := range regs {
		h := reg.handler
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}

		attempts := 0
		err := d.retrier.Do(context.Background(), func(context.Context) error {
			attempts++
			return h(event)
		})
		if err != nil {
			d.logger.Warn("handler dead-lettered",
				"handler", reg.name,
				"event_type", event.EventType(),
				"attempts", attempts,
				"error", err,
			)
			d.deadLetterQ.Add(DeadLetterEntry{
				Event:       event,
				HandlerName: reg.name,
				Error:       err,
				Attempts:    attempts,
				FailedAt:    time.Now(),
			})
		}
	}
	return nil
}

// DeadLetterQueue returns the dead letter queue.
func (d *Dispatcher) DeadLetterQueue() *DeadLetterQueue {
	return d.deadLetterQ
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// Middleware wraps handler execution.
type Middleware func(shared.EventHandler) shared.EventHandler

// RecoveryMiddleware turns a handler panic into an error.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic recovered",
						"event_type", event.EventType(),
						"panic", r,
						"stack", string(debug.Stack()),
					)
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(event)
		}
	}
}

// LoggingMiddleware logs handler execution.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)
			if err != nil {
				logger.Error("handler failed",
					"event_type", event.EventType(),
					"user_id", event.AggregateID(),
					"duration", time.Since(start),
					"error", err,
				)
			} else {
				logger.Debug("handler completed",
					"event_type", event.EventType(),
					"user_id", event.AggregateID(),
					"duration", time.Since(start),
				)
			}
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetterEntry represents a failed event.
type DeadLetterEntry struct {
	Event       shared.Event
	HandlerName string
	Error       error
	Attempts    int
	FailedAt    time.Time
}

// DeadLetterQueue keeps the most recent failed deliveries.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries []DeadLetterEntry
	maxSize int
}

// NewDeadLetterQueue creates a queue holding at most maxSize entries.
func NewDeadLetterQueue(maxSize int) *DeadLetterQueue {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &DeadLetterQueue{maxSize: maxSize}
}

// Add appends an entry, evicting the oldest at capacity.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
}

// Entries returns a copy of all entries, oldest first.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]DeadLetterEntry(nil), q.entries...)
}

// Size returns the current queue size.
func (q *DeadLetterQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}
