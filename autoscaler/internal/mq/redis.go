package mq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// Defaults for the Redis transport
const (
	DefaultKey          = "vhm:instructions"
	DefaultBlockTimeout = time.Second
)

// NewClient creates a Redis client from a redis:// URI. The path selects the
// database.
func NewClient(redisURI string) (*redis.Client, error) {
	if redisURI == "" {
		return nil, errors.New("redis URI is required")
	}

	uri, err := url.Parse(redisURI)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URI: %w", err)
	}

	password := ""
	if uri.User != nil {
		password, _ = uri.User.Password()
	}

	db := 0
	if path := strings.TrimPrefix(uri.Path, "/"); path != "" {
		db, err = strconv.Atoi(path)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis database %q: %w", path, err)
		}
	}

	return redis.NewClient(&redis.Options{
		Addr:     uri.Host,
		Password: password,
		DB:       db,
	}), nil
}

// ConsumerConfig configures the consumer
type ConsumerConfig struct {
	Key          string
	BlockTimeout time.Duration
	Backoff      wait.Backoff
}

// Consumer pops instructions off a Redis list and enqueues them as scale
// events
type Consumer struct {
	client *redis.Client
	config ConsumerConfig
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ types.EventProducer = (*Consumer)(nil)

// NewConsumer creates a consumer reading from config.Key
func NewConsumer(client *redis.Client, config ConsumerConfig, logger *zap.Logger) *Consumer {
	if config.Key == "" {
		config.Key = DefaultKey
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = DefaultBlockTimeout
	}
	if config.Backoff.Steps == 0 {
		config.Backoff = wait.Backoff{Duration: 100 * time.Millisecond, Factor: 2, Jitter: 0.1, Steps: 8, Cap: 10 * time.Second}
	}
	return &Consumer{
		client: client,
		config: config,
		logger: logger.Named("mq-consumer").With(zap.String("key", config.Key)),
	}
}

func (c *Consumer) Name() string {
	return "redis-consumer"
}

func (c *Consumer) Start(sink types.EventSink) error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx, sink)
	}()
	c.logger.Info("Started instruction consumer")
	return nil
}

func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("Stopped instruction consumer")
}

func (c *Consumer) consume(ctx context.Context, sink types.EventSink) {
	backoff := c.config.Backoff
	for {
		result, err := c.client.BLPop(ctx, c.config.BlockTimeout, c.config.Key).Result()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			delay := backoff.Step()
			c.logger.Warn("Failed to pop instruction, backing off", zap.Error(err), zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff = c.config.Backoff

		// BLPOP replies with the key followed by the value
		if len(result) != 2 {
			c.logger.Error("Unexpected BLPOP reply", zap.Strings("reply", result))
			continue
		}
		event, err := Decode([]byte(result[1]))
		if err != nil {
			c.logger.Warn("Dropping invalid instruction", zap.Error(err), zap.String("message", result[1]))
			continue
		}
		c.logger.Debug("Received instruction",
			append(event.Scope().Fields(), zap.String("eventID", event.EventID()))...)
		sink.Enqueue(event)
	}
}

// Publisher pushes instructions onto the list a consumer reads
type Publisher struct {
	client *redis.Client
	key    string
}

// NewPublisher creates a publisher writing to key
func NewPublisher(client *redis.Client, key string) *Publisher {
	if key == "" {
		key = DefaultKey
	}
	return &Publisher{client: client, key: key}
}

// Publish validates and pushes an instruction
func (p *Publisher) Publish(ctx context.Context, in Instruction) error {
	data, err := Encode(in)
	if err != nil {
		return err
	}
	if err := p.client.RPush(ctx, p.key, data).Err(); err != nil {
		return fmt.Errorf("pushing instruction: %w", err)
	}
	return nil
}
