// Package logging provides structured logging for powerwatch on top of
// log/slog.
//
// Packages declare their logger once at package level:
//
//	var log = logging.Component("scheduler")
//
// Those loggers are created before main has read the configuration, so every
// logger handed out here writes through a shared root handler that Init and
// InitWithHandler replace. Changing the level or format at startup therefore
// reaches loggers that already exist.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Logger is the process logger. It follows the root handler.
var Logger = slog.New(&swapHandler{})

var root atomic.Pointer[slog.Handler]

func init() {
	setRoot(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Init installs a text or JSON handler on stdout at level. Debug level also
// records source positions.
func Init(level slog.Level, jsonFormat bool) {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		setRoot(slog.NewJSONHandler(os.Stdout, opts))
	} else {
		setRoot(slog.NewTextHandler(os.Stdout, opts))
	}
}

// InitWithHandler installs handler as the root, e.g. a buffer in tests.
func InitWithHandler(handler slog.Handler) {
	setRoot(handler)
}

func setRoot(h slog.Handler) {
	root.Store(&h)
	slog.SetDefault(Logger)
}

// With returns a logger carrying args on every entry.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

// Component returns the logger for one package or subsystem.
//
//	logging.Component("engine").Info("restored state")
//	// time=... level=INFO msg="restored state" component=engine
func Component(name string) *slog.Logger {
	return Logger.With("component", name)
}

// WithContext returns a logger tagged with the ingestion cycle carried by
// ctx, if any.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Logger
	if id, ok := ctx.Value(cycleIDKey).(uint64); ok {
		logger = logger.With("cycle_id", id)
	}
	if trigger, ok := ctx.Value(triggerKey).(string); ok {
		logger = logger.With("trigger", trigger)
	}
	return logger
}

type contextKey int

const (
	cycleIDKey contextKey = iota
	triggerKey
)

// ContextWithCycleID attaches an ingestion cycle ID for WithContext.
func ContextWithCycleID(ctx context.Context, cycleID uint64) context.Context {
	return context.WithValue(ctx, cycleIDKey, cycleID)
}

// ContextWithTrigger attaches what started a cycle ("ticker", "manual",
// "startup").
func ContextWithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey, trigger)
}

// ParseLevel maps debug/info/warn/error to a slog level. Unknown names map
// to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Root Handler
// =============================================================================

// swapHandler resolves the root handler on every call and replays the
// With/WithGroup calls made on the logger it backs.
type swapHandler struct {
	ops []func(slog.Handler) slog.Handler
}

func (h *swapHandler) target() slog.Handler {
	t := *root.Load()
	for _, op := range h.ops {
		t = op(t)
	}
	return t
}

func (h *swapHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return (*root.Load()).Enabled(ctx, level)
}

func (h *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.target().Handle(ctx, r)
}

func (h *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(t slog.Handler) slog.Handler { return t.WithAttrs(attrs) })
}

func (h *swapHandler) WithGroup(name string) slog.Handler {
	return h.with(func(t slog.Handler) slog.Handler { return t.WithGroup(name) })
}

func (h *swapHandler) with(op func(slog.Handler) slog.Handler) slog.Handler {
	ops := make([]func(slog.Handler) slog.Handler, len(h.ops), len(h.ops)+1)
	copy(ops, h.ops)
	return &swapHandler{ops: append(ops, op)}
}

// =============================================================================
// Convenience Functions
// =============================================================================

func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

func Info(msg string, args ...any) { Logger.Info(msg, args...) }

func Warn(msg string, args ...any) { Logger.Warn(msg, args...) }

func Error(msg string, args ...any) { Logger.Error(msg, args...) }
