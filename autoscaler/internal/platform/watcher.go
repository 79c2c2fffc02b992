package platform

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/williamhogman/vm-autoscaler/autoscaler/internal/types"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
)

// WatcherConfig configures a folder watcher
type WatcherConfig struct {
	Folders []string
	// Backoff paces reconnects after the platform call fails
	Backoff wait.Backoff
}

// Watcher turns property changes in the watched folders into cluster state
// events. It is an EventProducer.
type Watcher struct {
	actions Actions
	config  WatcherConfig
	logger  *zap.Logger

	// known holds the VMs reported per folder
	mu     sync.Mutex
	known  map[string]sets.Set[types.VMID]
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ types.EventProducer = (*Watcher)(nil)

// NewWatcher creates a watcher for the configured folders
func NewWatcher(actions Actions, config WatcherConfig, logger *zap.Logger) *Watcher {
	if config.Backoff.Duration == 0 {
		config.Backoff = wait.Backoff{
			Duration: 500 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    10,
			Cap:      30 * time.Second,
		}
	}
	return &Watcher{
		actions: actions,
		config:  config,
		logger:  logger.Named("watcher"),
		known:   make(map[string]sets.Set[types.VMID]),
	}
}

func (w *Watcher) Name() string {
	return "platform-watcher"
}

// Start launches one goroutine per folder
func (w *Watcher) Start(sink types.EventSink) error {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	for _, folder := range w.config.Folders {
		w.wg.Add(1)
		go func(folder string) {
			defer w.wg.Done()
			w.watchFolder(ctx, folder, sink)
		}(folder)
	}
	w.logger.Info("Started platform watcher", zap.Strings("folders", w.config.Folders))
	return nil
}

// Stop cancels the watch loops and waits for them to exit
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Stopped platform watcher")
}

func (w *Watcher) watchFolder(ctx context.Context, folder string, sink types.EventSink) {
	log := w.logger.With(zap.String("folder", folder))
	version := ""
	backoff := w.config.Backoff

	for {
		next, changes, err := w.actions.WaitForPropertyChange(ctx, folder, version)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			delay := backoff.Step()
			if errors.Is(err, ErrDisconnected) {
				// Start over with a full listing once reconnected
				version = ""
			}
			log.Warn("Failed waiting for property changes, backing off",
				zap.Error(err),
				zap.Duration("delay", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		backoff = w.config.Backoff
		listing := version == ""
		version = next
		for i := range changes {
			for _, event := range w.toEvents(folder, &changes[i]) {
				sink.Enqueue(event)
			}
		}
		if listing {
			for _, event := range w.reconcile(folder, changes) {
				sink.Enqueue(event)
			}
		}
	}
}

// reconcile removes known VMs that a full listing of the folder no longer
// reports. They went away while the watcher was not listening.
func (w *Watcher) reconcile(folder string, listed []types.VMEventData) []types.NotificationEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	present := sets.New[types.VMID]()
	for i := range listed {
		if !listed[i].Removed {
			present.Insert(listed[i].VMID)
		}
	}

	known := w.knownLocked(folder)
	var events []types.NotificationEvent
	for _, id := range sets.List(known.Difference(present)) {
		w.logger.Info("VM disappeared while disconnected", zap.String("folder", folder), id.ZapField())
		known.Delete(id)
		events = append(events, types.NewVMRemovedEvent(id))
	}
	return events
}

func (w *Watcher) knownLocked(folder string) sets.Set[types.VMID] {
	known, ok := w.known[folder]
	if !ok {
		known = sets.New[types.VMID]()
		w.known[folder] = known
	}
	return known
}

// toEvents maps one VM snapshot to state change events
func (w *Watcher) toEvents(folder string, data *types.VMEventData) []types.NotificationEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	known := w.knownLocked(folder)
	if data.Removed {
		if !known.Has(data.VMID) {
			return nil
		}
		known.Delete(data.VMID)
		return []types.NotificationEvent{types.NewVMRemovedEvent(data.VMID)}
	}

	var cluster *types.ClusterVariableData
	if data.IsMaster() && !data.Cluster.IsEmpty() {
		cluster = data.Cluster
	}

	if !known.Has(data.VMID) {
		if data.Constant == nil {
			w.logger.Warn("First sighting of VM without constant data", data.VMID.ZapField())
			return nil
		}
		known.Insert(data.VMID)
		return []types.NotificationEvent{types.NewVMCreatedEvent(*data)}
	}

	update := *data
	update.Cluster = nil
	events := []types.NotificationEvent{types.NewVMUpdatedEvent(update)}
	if cluster != nil {
		events = append(events, types.NewClusterUpdatedEvent(data.VMID, *cluster))
	}
	return events
}
