// Package logging holds the slog conventions shared by every confsync component.
//
// Loggers are injected, never global. A component receives a *slog.Logger,
// passes it through Default, and scopes it once at construction:
//
//	logger = logging.Default(logger).With("component", "reconciler")
//
// Only main decides format, destination and levels. Per-component levels are
// controlled through ComponentFilterHandler, which reads the "component"
// attribute attached by that scoping call.
//
// Log at lifecycle boundaries and per-item outcomes. Do not log inside the
// diff loop.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ComponentKey is the attribute name used to scope loggers.
const ComponentKey = "component"

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger, or a discard logger when logger is nil.
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// ParseLevel parses a level name such as "debug", "info", "warn" or "error".
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

// levels is shared by a ComponentFilterHandler and every handler derived
// from it through WithAttrs/WithGroup, so SetLevel affects loggers that
// were scoped before the call.
type levels struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

func (l *levels) lookup(component string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lv, ok := l.overrides[component]; ok && component != "" {
		return lv
	}
	return l.def
}

// floor is the lowest level any component may log at.
func (l *levels) floor() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	min := l.def
	for _, lv := range l.overrides {
		if lv < min {
			min = lv
		}
	}
	return min
}

// ComponentFilterHandler filters records by the level configured for their
// component, falling back to a default level.
type ComponentFilterHandler struct {
	inner     slog.Handler
	levels    *levels
	component string
}

// NewComponentFilterHandler wraps inner. inner should accept every level;
// filtering happens here.
func NewComponentFilterHandler(inner slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		inner: inner,
		levels: &levels{
			def:       defaultLevel,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	h.levels.overrides[component] = level
	h.levels.mu.Unlock()
}

// ClearLevel drops a component override. Unknown components are ignored.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	delete(h.levels.overrides, component)
	h.levels.mu.Unlock()
}

// Level reports the effective level for component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.lookup(component)
}

// DefaultLevel reports the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	return h.levels.def
}

// Enabled is a cheap precheck. The component of a record is only known in
// Handle, so this admits anything at or above the lowest configured level.
func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.levels.floor()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.inner == nil {
		return nil
	}
	component := h.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == ComponentKey {
				component = a.Value.String()
				return false
			}
			return true
		})
	}
	if r.Level < h.levels.lookup(component) {
		return nil
	}
	return h.inner.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	for _, a := range attrs {
		if a.Key == ComponentKey {
			c.component = a.Value.String()
		}
	}
	if h.inner != nil {
		c.inner = h.inner.WithAttrs(attrs)
	}
	return &c
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	c := *h
	if h.inner != nil {
		c.inner = h.inner.WithGroup(name)
	}
	return &c
}
