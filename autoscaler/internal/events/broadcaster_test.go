package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
)

type receiver struct {
	mu       sync.Mutex
	failures int
	calls    int
	received []map[string]any
}

func (r *receiver) handle(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return nil, connect.NewError(connect.CodeUnavailable, errors.New("try again"))
	}
	r.received = append(r.received, req.Msg.AsMap())
	return connect.NewResponse(&structpb.Struct{}), nil
}

func (r *receiver) snapshot() (int, []map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, append([]map[string]any(nil), r.received...)
}

func startReceiver(t *testing.T, failures int) (*receiver, string) {
	r := &receiver{failures: failures}
	mux := http.NewServeMux()
	mux.Handle(SendScaleEventProcedure, connect.NewUnaryHandler(SendScaleEventProcedure, r.handle))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return r, srv.URL
}

func completion() *types.ClusterScaleCompletionEvent {
	e := types.NewClusterScaleCompletionEvent("c1", "op-1")
	e.Enabled.Insert("w2", "w1")
	return e
}

func TestBroadcaster_SendsCompletions(t *testing.T) {
	r, url := startReceiver(t, 0)
	b := NewBroadcaster(Config{RetryDelay: time.Millisecond}, NewScaleEventClient(url), zaptest.NewLogger(t))
	defer b.Close()

	b.OnCompletion(completion())

	require.Eventually(t, func() bool {
		_, received := r.snapshot()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, received := r.snapshot()
	msg := received[0]
	assert.Equal(t, "c1", msg["clusterId"])
	assert.Equal(t, "op-1", msg["operationId"])
	assert.Equal(t, []any{"w1", "w2"}, msg["enabled"])
	assert.Equal(t, []any{}, msg["disabled"])
	assert.Equal(t, true, msg["succeeded"])
}

func TestBroadcaster_RetriesFailedSends(t *testing.T) {
	r, url := startReceiver(t, 2)
	b := NewBroadcaster(Config{MaxRetries: 3, RetryDelay: time.Millisecond}, NewScaleEventClient(url), zaptest.NewLogger(t))
	defer b.Close()

	b.OnCompletion(completion())

	require.Eventually(t, func() bool {
		_, received := r.snapshot()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)
	calls, _ := r.snapshot()
	assert.Equal(t, 3, calls)
}

func TestBroadcaster_GivesUp(t *testing.T) {
	r, url := startReceiver(t, 10)
	b := NewBroadcaster(Config{MaxRetries: 1, RetryDelay: time.Millisecond}, NewScaleEventClient(url), zaptest.NewLogger(t))
	defer b.Close()

	b.OnCompletion(completion())

	require.Eventually(t, func() bool {
		calls, _ := r.snapshot()
		return calls == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	calls, received := r.snapshot()
	assert.Equal(t, 2, calls)
	assert.Empty(t, received)
}

type blockingSender struct {
	release chan struct{}
}

func (s *blockingSender) Send(ctx context.Context, event *structpb.Struct) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestBroadcaster_DropsWhenBufferFull(t *testing.T) {
	sender := &blockingSender{release: make(chan struct{})}
	b := NewBroadcaster(Config{BufferSize: 1}, sender, zaptest.NewLogger(t))

	// The first event is picked up by the loop and blocks in Send
	require.NoError(t, b.BroadcastEvent(completion()))
	require.Eventually(t, func() bool {
		return len(b.eventChan) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.BroadcastEvent(completion()))
	assert.ErrorIs(t, b.BroadcastEvent(completion()), ErrBufferFull)

	close(sender.release)
	require.NoError(t, b.Close())
	assert.Error(t, b.BroadcastEvent(completion()), "Closed broadcaster accepts nothing")
}
