package mq

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/config"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// ConsumerParams contains the dependencies for the instruction consumer
type ConsumerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Logger    *zap.Logger
}

// ProvideConsumers returns the Redis consumer when the queue is enabled, and
// nothing otherwise
func ProvideConsumers(p ConsumerParams) ([]types.EventProducer, error) {
	if !p.Config.MQ.Enabled {
		p.Logger.Info("Instruction queue disabled")
		return nil, nil
	}

	client, err := NewClient(p.Config.MQ.RedisURI)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return []types.EventProducer{newConsumer(client, p.Config, p.Logger)}, nil
}

func newConsumer(client *redis.Client, cfg *config.Config, logger *zap.Logger) *Consumer {
	return NewConsumer(client, ConsumerConfig{
		Key:          cfg.MQ.Key,
		BlockTimeout: cfg.MQ.BlockTimeout,
	}, logger)
}

// Module provides the instruction consumer to the fx container
var Module = fx.Options(
	fx.Provide(fx.Annotate(ProvideConsumers, fx.ResultTags(`group:"producers,flatten"`))),
)
