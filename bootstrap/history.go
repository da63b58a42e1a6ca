package bootstrap

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/quotagate/core/events"
	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
	"github.com/rs/zerolog"
)

// HistoryWriter buffers transition events and appends them to the event log
// in batches, so storage latency stays out of the evaluation path.
// Transitions are written in the order they were handed over.
type HistoryWriter struct {
	log    ports.EventLog
	logger zerolog.Logger

	mu            sync.Mutex
	buffer        []quota.Transition
	batchSize     int
	flushInterval time.Duration

	// writeMu serializes writes so batches never overtake each other.
	writeMu   sync.Mutex
	flushCh   chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewHistoryWriter creates a writer and starts its flush loop.
func NewHistoryWriter(log ports.EventLog, batchSize int, flushInterval time.Duration, logger zerolog.Logger) *HistoryWriter {
	if batchSize == 0 {
		batchSize = 100
	}
	if flushInterval == 0 {
		flushInterval = time.Second
	}

	w := &HistoryWriter{
		log:           log,
		logger:        logger,
		buffer:        make([]quota.Transition, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.flushLoop()

	return w
}

// HandleEvent is an events.Handler that queues the event's transition.
func (w *HistoryWriter) HandleEvent(ctx context.Context, ev events.Event) error {
	w.mu.Lock()
	w.buffer = append(w.buffer, ev.Transition)
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush writes every queued transition.
func (w *HistoryWriter) Flush(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	batch := w.buffer
	w.buffer = make([]quota.Transition, 0, w.batchSize)
	w.mu.Unlock()

	for i, t := range batch {
		if err := w.log.Append(ctx, t); err != nil {
			w.requeue(batch[i:])
			w.logger.Error().Err(err).
				Int("pending", len(batch)-i).
				Msg("failed to write transition history, will retry")
			return err
		}
	}
	return nil
}

// requeue puts unwritten transitions back in front of those queued since
// the batch was taken.
func (w *HistoryWriter) requeue(tail []quota.Transition) {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]quota.Transition, 0, len(tail)+len(w.buffer))
	buf = append(buf, tail...)
	w.buffer = append(buf, w.buffer...)
}

// Pending returns the number of queued transitions.
func (w *HistoryWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

func (w *HistoryWriter) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Flush(context.Background())
		case <-w.flushCh:
			w.Flush(context.Background())
		case <-w.stopCh:
			return
		}
	}
}

// Close stops the flush loop and writes what is left.
func (w *HistoryWriter) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopCh)
		w.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = w.Flush(ctx)
	})
	return err
}
