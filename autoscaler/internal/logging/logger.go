package logging

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
)

// ProvideLogger creates a zap logger based on configuration
// Uses production logger by default, but can use development logger if configured
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var logger *zap.Logger
	var err error

	if cfg.Logging.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}

	if err != nil {
		return nil, err
	}
	return logger, nil
}

// ProvideLoggerSugared creates a sugared logger from the standard zap logger
func ProvideLoggerSugared(logger *zap.Logger) *zap.SugaredLogger {
	return logger.Sugar()
}

// FxLogger routes fx's own events through zap
func FxLogger(logger *zap.Logger) fxevent.Logger {
	return &fxevent.ZapLogger{Logger: logger.Named("fx")}
}

// Module provides the logger dependencies to the fx container
var Module = fx.Options(
	fx.Provide(ProvideLogger),
	fx.Provide(ProvideLoggerSugared),
	fx.WithLogger(FxLogger),
)
