package cmd

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logVerbosity maps a log level name to the largest logr V level printed.
var logVerbosity = map[string]int{
	"info":  0,
	"debug": 1,
	"trace": 2,
}

// newLogger builds a zap backed logger. info uses the production JSON
// encoder, the chattier levels the development console encoder.
func newLogger(level string) (logr.Logger, func(), error) {
	v, ok := logVerbosity[level]
	if !ok {
		return logr.Discard(), func() {}, errors.Errorf("unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	if v > 0 {
		cfg = zap.NewDevelopmentConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-v))
	cfg.OutputPaths = []string{"stderr"}

	z, err := cfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, errors.Wrap(err, "build logger")
	}

	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}
