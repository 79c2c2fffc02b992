// Package events forwards the outcome of scale operations to an external
// receiver, so that schedulers can react to clusters growing or shrinking.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/dispatcher"
	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

// ErrBufferFull is reported when an event is dropped because the send
// buffer is full
var ErrBufferFull = errors.New("event buffer is full")

// Sender delivers one encoded event
type Sender interface {
	Send(ctx context.Context, event *structpb.Struct) error
}

// Config configures the broadcaster
type Config struct {
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	// SendTimeout bounds one event including its retries
	SendTimeout time.Duration
}

// Broadcaster forwards completion events to a Sender in the background
type Broadcaster struct {
	config    Config
	sender    Sender
	logger    *zap.Logger
	eventChan chan *types.ClusterScaleCompletionEvent
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

var _ dispatcher.CompletionListener = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster and starts its send loop
func NewBroadcaster(config Config, sender Sender, logger *zap.Logger) *Broadcaster {
	if config.BufferSize <= 0 {
		config.BufferSize = 100
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	b := &Broadcaster{
		config:    config,
		sender:    sender,
		logger:    logger.Named("event-broadcaster"),
		eventChan: make(chan *types.ClusterScaleCompletionEvent, config.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.wg.Add(1)
	go b.processEvents()
	return b
}

// OnCompletion queues the event for sending. It never blocks: when the
// buffer is full the event is dropped.
func (b *Broadcaster) OnCompletion(event *types.ClusterScaleCompletionEvent) {
	if err := b.BroadcastEvent(event); err != nil {
		b.logger.Warn("Dropping completion event",
			event.ClusterID.ZapField(),
			zap.String("operationID", event.OperationID),
			zap.Error(err))
	}
}

// BroadcastEvent adds an event to the broadcast queue
func (b *Broadcaster) BroadcastEvent(event *types.ClusterScaleCompletionEvent) error {
	if b.ctx.Err() != nil {
		return b.ctx.Err()
	}
	select {
	case b.eventChan <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

func (b *Broadcaster) processEvents() {
	defer b.wg.Done()
	b.logger.Info("Starting event broadcaster")

	for {
		select {
		case event := <-b.eventChan:
			if err := b.sendEventWithRetry(event); err != nil {
				b.logger.Error("Failed to send event after retries",
					event.ClusterID.ZapField(),
					zap.String("operationID", event.OperationID),
					zap.Error(err))
			}
		case <-b.ctx.Done():
			b.logger.Info("Event broadcaster stopping", zap.Int("unsent", len(b.eventChan)))
			return
		}
	}
}

func (b *Broadcaster) sendEventWithRetry(event *types.ClusterScaleCompletionEvent) error {
	payload, err := Encode(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.config.SendTimeout)
	defer cancel()

	backoff := wait.Backoff{Duration: b.config.RetryDelay, Factor: 1, Steps: b.config.MaxRetries + 1}
	attempt := 0
	err = retry.OnError(backoff, func(error) bool { return ctx.Err() == nil }, func() error {
		attempt++
		err := b.sender.Send(ctx, payload)
		if err != nil {
			b.logger.Warn("Failed to send event",
				event.ClusterID.ZapField(),
				zap.String("operationID", event.OperationID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed after %d attempts: %w", attempt, err)
	}

	b.logger.Info("Successfully sent event",
		event.ClusterID.ZapField(),
		zap.String("operationID", event.OperationID))
	return nil
}

// Close stops the send loop. Queued events that were not sent yet are
// dropped.
func (b *Broadcaster) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

// Encode converts a completion into the wire message
func Encode(event *types.ClusterScaleCompletionEvent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"eventId":     event.EventID(),
		"clusterId":   event.ClusterID.String(),
		"operationId": event.OperationID,
		"enabled":     idList(event.Enabled),
		"disabled":    idList(event.Disabled),
		"succeeded":   event.Succeeded(),
		"error":       event.Err,
		"timestamp":   event.Timestamp().Unix(),
	})
}

func idList(ids sets.Set[types.VMID]) []any {
	out := make([]any, 0, ids.Len())
	for _, id := range sets.List(ids) {
		out = append(out, string(id))
	}
	return out
}
