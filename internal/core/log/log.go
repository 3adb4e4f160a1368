// Package log provides the package-scoped logger factory used across
// internal/core. Every subsystem obtains its logger once, by name, at
// package init time.
package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	sugared map[string]*zap.SugaredLogger
)

func init() {
	base, _ = zap.NewProduction()
	if base == nil {
		base = zap.NewNop()
	}
	sugared = make(map[string]*zap.SugaredLogger)
}

// SetBase replaces the underlying zap logger for every named logger
// subsequently vended by Logger. Loggers already handed out (such as the
// package-level ones obtained at init) keep the base they were built on.
// Intended for tests and for embedders that want JSON/console output
// control.
func SetBase(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = l
	sugared = make(map[string]*zap.SugaredLogger)
}

// Logger returns the named logger, creating it on first use.
func Logger(name string) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := sugared[name]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := sugared[name]; ok {
		return l
	}
	l := base.Named(name).Sugar()
	sugared[name] = l
	return l
}
