package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/galley/pkg/engine"
)

// ErrBusClosed is returned when publishing to a shut down bus.
var ErrBusClosed = errors.New("event bus closed")

// EventHandler receives run timeline events.
type EventHandler func(ctx context.Context, event engine.Event) error

// EventFilter determines if an event should be delivered to a handler.
type EventFilter func(event engine.Event) bool

// EventBus fans run timeline events out to handlers. It implements
// engine.EventPublisher. Handlers see events in publish order, whether
// delivery is synchronous or asynchronous.
type EventBus struct {
	config   EventsConfig
	logger   zerolog.Logger
	handlers []handlerEntry
	mu       sync.RWMutex

	// sendMu guards closed and sends on buffer.
	sendMu sync.RWMutex
	buffer chan queuedEvent
	done   chan struct{}
	closed bool
}

type handlerEntry struct {
	name    string
	handler EventHandler
	filter  EventFilter
}

type queuedEvent struct {
	ctx   context.Context
	event engine.Event
}

var _ engine.EventPublisher = (*EventBus)(nil)

// NewEventBus creates a new event bus with the given configuration.
func NewEventBus(cfg EventsConfig, logger zerolog.Logger) *EventBus {
	b := &EventBus{
		config: cfg,
		logger: logger.With().Str("component", "events").Logger(),
	}
	if cfg.Async {
		size := cfg.BufferSize
		if size <= 0 {
			size = 1
		}
		b.buffer = make(chan queuedEvent, size)
		b.done = make(chan struct{})
		go b.processEvents()
	}
	return b
}

// Subscribe registers a handler. A nil filter accepts every event.
func (b *EventBus) Subscribe(name string, handler EventHandler, filter EventFilter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = append(b.handlers, handlerEntry{name: name, handler: handler, filter: filter})
}

// SubscribePublisher forwards events to another engine.EventPublisher, such
// as the run history store.
func (b *EventBus) SubscribePublisher(name string, p engine.EventPublisher, filter EventFilter) {
	b.Subscribe(name, p.Publish, filter)
}

// Publish delivers an event to every matching handler. In async mode it
// blocks while the buffer is full rather than drop timeline entries.
func (b *EventBus) Publish(ctx context.Context, event engine.Event) error {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	if b.buffer == nil {
		return b.deliver(ctx, event)
	}

	select {
	case b.buffer <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *EventBus) processEvents() {
	defer close(b.done)
	for q := range b.buffer {
		if err := b.deliver(q.ctx, q.event); err != nil {
			b.logger.Warn().Err(err).Str("event", string(q.event.Type)).Msg("Event delivery failed")
		}
	}
}

// deliver runs every matching handler and joins their errors.
func (b *EventBus) deliver(ctx context.Context, event engine.Event) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if h.filter != nil && !h.filter(event) {
			continue
		}
		if err := h.handler(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops accepting events and waits for queued events to be delivered.
func (b *EventBus) Shutdown(ctx context.Context) error {
	b.sendMu.Lock()
	if b.closed {
		b.sendMu.Unlock()
		return nil
	}
	b.closed = true
	if b.buffer != nil {
		close(b.buffer)
	}
	b.sendMu.Unlock()

	if b.buffer == nil {
		return nil
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus shutdown: %w", ctx.Err())
	}
}

// LogHandler writes events to the log at a level matching their severity.
func LogHandler(logger zerolog.Logger) EventHandler {
	return func(_ context.Context, event engine.Event) error {
		var e *zerolog.Event
		switch event.Type.Severity() {
		case "error":
			e = logger.Error()
		case "warning":
			e = logger.Warn()
		default:
			e = logger.Debug()
		}
		e = e.Str("run_id", event.RunID).Str("event", string(event.Type))
		if event.Resource != "" {
			e = e.Str("resource", event.Resource)
		}
		if event.Action != "" {
			e = e.Str("action", event.Action)
		}
		e.Msg(event.Message)
		return nil
	}
}

// FilterBySeverity accepts events at or above a severity (info, warning, error).
func FilterBySeverity(minSeverity string) EventFilter {
	levels := map[string]int{"info": 0, "warning": 1, "error": 2}
	threshold := levels[minSeverity]
	return func(event engine.Event) bool {
		return levels[event.Type.Severity()] >= threshold
	}
}

// FilterByType accepts only events of the given types.
func FilterByType(types ...engine.EventType) EventFilter {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event engine.Event) bool {
		return set[event.Type]
	}
}

// FilterByResource accepts only events for one resource.
func FilterByResource(resource string) EventFilter {
	return func(event engine.Event) bool {
		return event.Resource == resource
	}
}
