// Package logging provides categorized structured logging for the Tascade
// core. Each component logs under its own category so operators can raise
// verbosity per subsystem without drowning in the rest.
package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategoryStore     Category = "store"
	CategoryEvents    Category = "events"
	CategoryDAG       Category = "dag"
	CategoryLifecycle Category = "lifecycle"
	CategoryScheduler Category = "scheduler"
	CategoryReplan    Category = "replan"
	CategoryGate      Category = "gate"
	CategoryAuth      Category = "auth"
	CategorySweep     Category = "sweep"
	CategoryCLI       Category = "cli"
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = map[Category]*zap.Logger{}
)

// Init installs the process-wide root logger. debug selects development
// encoding with debug level; production config otherwise.
func Init(debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	SetRoot(logger)
	return nil
}

// SetRoot replaces the root logger. Tests inject zap.NewNop() or a
// zaptest logger here.
func SetRoot(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = map[Category]*zap.Logger{}
}

// Get returns the logger for a category, creating it on first use.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := root.Named(string(cat))
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Safe to call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// Timer measures the duration of an operation and logs it on Stop when it
// exceeds the slow threshold.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

// slowThreshold marks operations worth surfacing at warn level.
const slowThreshold = 250 * time.Millisecond

// StartTimer begins timing an operation in a category.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed duration; slow operations log at warn.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.cat)
	if elapsed >= slowThreshold {
		l.Warn("slow operation", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
		return
	}
	l.Debug("operation timed", zap.String("op", t.op), zap.Duration("elapsed", elapsed))
}
