package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is a log record published by a pipeline.
type Event struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

type subscription struct {
	level slog.Level
	exact bool
	fn    func(Event)
}

func (s subscription) wants(level slog.Level) bool {
	if s.exact {
		return level == s.level
	}
	return level >= s.level
}

// eventBus fans records out to subscribers at or above their level, or at
// exactly their level for exact subscriptions.
type eventBus struct {
	mu   sync.RWMutex
	subs []subscription
}

func (b *eventBus) on(level slog.Level, exact bool, fn func(Event)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{level: level, exact: exact, fn: fn})
}

func (b *eventBus) minLevel() (slog.Level, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs) == 0 {
		return 0, false
	}
	lowest := b.subs[0].level
	for _, s := range b.subs[1:] {
		if s.level < lowest {
			lowest = s.level
		}
	}
	return lowest, true
}

func (b *eventBus) publish(ev Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()
	for _, s := range subs {
		if s.wants(ev.Level) {
			s.fn(ev)
		}
	}
}

// eventHandler publishes every record to the bus, then forwards it to next.
type eventHandler struct {
	bus    *eventBus
	next   slog.Handler
	attrs  []slog.Attr
	prefix string
}

func newEventHandler(bus *eventBus, next slog.Handler) *eventHandler {
	return &eventHandler{bus: bus, next: next}
}

func (h *eventHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if lowest, ok := h.bus.minLevel(); ok && level >= lowest {
		return true
	}
	return h.next.Enabled(ctx, level)
}

func (h *eventHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.prefix+a.Key] = a.Value.Resolve().Any()
		return true
	})
	h.bus.publish(Event{Time: r.Time, Level: r.Level, Message: r.Message, Attrs: attrs})

	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *eventHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: h.prefix + a.Key, Value: a.Value.Resolve()})
	}
	return &eventHandler{bus: h.bus, next: h.next.WithAttrs(attrs), attrs: merged, prefix: h.prefix}
}

func (h *eventHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &eventHandler{
		bus:    h.bus,
		next:   h.next.WithGroup(name),
		attrs:  h.attrs,
		prefix: h.prefix + name + ".",
	}
}
