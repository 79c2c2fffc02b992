package events

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/dispatcher"
)

// BroadcasterParams contains the dependencies for the broadcaster
type BroadcasterParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Logger    *zap.Logger
}

// ProvideListeners returns the broadcaster as a completion listener when
// forwarding is enabled
func ProvideListeners(p BroadcasterParams) []dispatcher.CompletionListener {
	cfg := p.Config.Events
	if !cfg.Enabled {
		p.Logger.Info("Event broadcasting is disabled")
		return nil
	}

	b := NewBroadcaster(Config{
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, NewScaleEventClient(cfg.Endpoint), p.Logger)
	p.Logger.Info("Forwarding scale completions", zap.String("endpoint", cfg.Endpoint))

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return b.Close()
		},
	})
	return []dispatcher.CompletionListener{b}
}

// Module provides the event broadcaster to the fx container
var Module = fx.Options(
	fx.Provide(fx.Annotate(ProvideListeners, fx.ResultTags(`group:"completion-listeners,flatten"`))),
)
