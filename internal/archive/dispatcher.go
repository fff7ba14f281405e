package archive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"roomrelay/pkg/interfaces"
	"roomrelay/pkg/types"
)

// DefaultBufferSize bounds the events waiting to be written.
const DefaultBufferSize = 1000

const writeTimeout = 5 * time.Second

// Stats are the dispatcher's lifetime counters.
type Stats struct {
	Stored  uint64 `json:"stored"`
	Dropped uint64 `json:"dropped"`
	Failed  uint64 `json:"failed"`
	Pending int    `json:"pending"`
}

// Dispatcher implements interfaces.Archiver. Sessions hand it events without
// blocking; one goroutine writes them to the store in arrival order.
// ARCHITECTURAL DISCOVERY: Archiving is best effort. A full queue or a failed
// write loses the event and is counted; nothing is retried.
type Dispatcher struct {
	store  interfaces.MessageStore
	queue  chan types.ArchivedMessage
	logger zerolog.Logger

	mu      sync.RWMutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	stored  atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewDispatcher creates a stopped dispatcher.
func NewDispatcher(store interfaces.MessageStore, bufferSize int, logger zerolog.Logger) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Dispatcher{
		store:  store,
		queue:  make(chan types.ArchivedMessage, bufferSize),
		logger: logger.With().Str("component", "archive_dispatcher").Logger(),
	}, nil
}

// Start launches the writer goroutine. It stops on Stop or when ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrDispatcherAlreadyRunning
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})

	d.logger.Info().Int("buffer", cap(d.queue)).Msg("archive dispatcher started")
	go d.run(ctx, d.stop, d.done)
	return nil
}

// Stop refuses new events, writes what is already queued and waits for the
// writer to exit.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrDispatcherNotRunning
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	<-done
	d.logger.Info().
		Uint64("stored", d.stored.Load()).
		Uint64("dropped", d.dropped.Load()).
		Uint64("failed", d.failed.Load()).
		Msg("archive dispatcher stopped")
	return nil
}

// Archive queues message for writing. It never blocks.
func (d *Dispatcher) Archive(message types.ArchivedMessage) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running {
		d.dropped.Add(1)
		return
	}

	// TECHNICAL DISCOVERY: Non-blocking send keeps a slow disk from stalling
	// the sender's read loop.
	select {
	case d.queue <- message:
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("room", message.Room).Msg("archive queue full, dropping message")
	}
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Stored:  d.stored.Load(),
		Dropped: d.dropped.Load(),
		Failed:  d.failed.Load(),
		Pending: len(d.queue),
	}
}

func (d *Dispatcher) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case message := <-d.queue:
			d.write(message)
		case <-stop:
			d.drain()
			return
		case <-ctx.Done():
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			d.drain()
			return
		}
	}
}

// drain writes whatever is still queued. Called once Archive can no longer
// enqueue.
func (d *Dispatcher) drain() {
	for {
		select {
		case message := <-d.queue:
			d.write(message)
		default:
			return
		}
	}
}

func (d *Dispatcher) write(message types.ArchivedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := d.store.StoreMessage(ctx, &message); err != nil {
		d.failed.Add(1)
		d.logger.Error().Err(err).Str("room", message.Room).Msg("failed to archive message")
		return
	}
	d.stored.Add(1)
}
