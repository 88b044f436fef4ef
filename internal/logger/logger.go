// Package logger provides the process-wide structured logger used across
// Catalyst's components. Packages never build their own zap.Logger; they
// call the package-level helpers here, or request a scoped child via
// With() when a request or delivery id needs to ride along on every line.
package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.RWMutex
	log *zap.SugaredLogger
)

func init() {
	log = mustBuild(os.Getenv("CATALYST_ENV") == "development")
}

func mustBuild(dev bool) *zap.SugaredLogger {
	var cfg zap.Config
	if dev {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Logging setup must never crash the process; fall back to a no-op core.
		l = zap.NewNop()
	}
	return l.Sugar()
}

// SetDevelopment swaps the global logger for a human-readable console
// encoder. Intended to be called once, early in main().
func SetDevelopment(dev bool) {
	mu.Lock()
	defer mu.Unlock()
	log = mustBuild(dev)
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// With returns a child logger carrying the given structured fields on every
// subsequent line, e.g. logger.With("deliveryId", id).Infof("claimed").
func With(args ...any) *zap.SugaredLogger {
	return current().With(args...)
}

func Debug(args ...any)                  { current().Debug(args...) }
func Debugf(template string, args ...any) { current().Debugf(template, args...) }
func Info(args ...any)                   { current().Info(args...) }
func Infof(template string, args ...any)  { current().Infof(template, args...) }
func Warn(args ...any)                   { current().Warn(args...) }
func Warnf(template string, args ...any)  { current().Warnf(template, args...) }
func Error(args ...any)                  { current().Error(args...) }
func Errorf(template string, args ...any) { current().Errorf(template, args...) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() {
	_ = current().Sync()
}
