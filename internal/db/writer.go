package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/phase-trader/internal/journal"
	"github.com/amirphl/phase-trader/internal/metrics"
	"github.com/amirphl/phase-trader/internal/utils"
)

const maxRetryDelay = 30 * time.Second

// WriterConfig bounds the background writer.
type WriterConfig struct {
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	return c
}

type task struct {
	kind string // metrics label
	key  string
	fn   func(ctx context.Context) error
}

// Writer runs storage calls off the trading path. Tasks are executed in
// submission order by a single worker. A failing task is retried with
// exponential backoff and dead-lettered after MaxAttempts.
type Writer struct {
	storage Storage
	cfg     WriterConfig

	queue chan task
	done  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewWriter starts the worker.
func NewWriter(storage Storage, cfg WriterConfig) *Writer {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		storage: storage,
		cfg:     cfg,
		queue:   make(chan task, cfg.QueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go w.run()
	return w
}

// Submit enqueues fn without blocking.
func (w *Writer) Submit(kind, key string, fn func(ctx context.Context) error) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.queue <- task{kind: kind, key: key, fn: fn}:
		metrics.WriterQueueDepth.Set(float64(len(w.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// PersistExecution queues an execution write.
func (w *Writer) PersistExecution(e Execution) error {
	key := fmt.Sprintf("%s/%d", e.PositionID, e.Phase)
	return w.Submit("execution", key, func(ctx context.Context) error {
		return w.storage.PersistExecution(ctx, e)
	})
}

// LogEvent queues a journal write. It makes Writer a journal.Journaler.
func (w *Writer) LogEvent(_ context.Context, event journal.Event) error {
	return w.Submit("event", event.Type, func(ctx context.Context) error {
		return w.storage.LogEvent(ctx, event)
	})
}

// Close stops accepting tasks and waits for the queue to drain. If ctx ends
// first, pending backoffs are aborted and the remaining tasks are dropped.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.cancel()
		<-w.done
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for t := range w.queue {
		metrics.WriterQueueDepth.Set(float64(len(w.queue)))
		if w.ctx.Err() != nil {
			continue
		}
		w.process(t)
	}
	metrics.WriterQueueDepth.Set(0)
}

func (w *Writer) process(t task) {
	logger := utils.GetLogger()
	delay := w.cfg.RetryDelay

	var err error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if err = t.fn(w.ctx); err == nil {
			return
		}
		if attempt == w.cfg.MaxAttempts {
			break
		}
		metrics.PersistRetries.WithLabelValues(t.kind).Inc()
		logger.Printf("Writer | %s %s attempt %d/%d failed: %v, retrying in %v",
			t.kind, t.key, attempt, w.cfg.MaxAttempts, err, delay)

		select {
		case <-time.After(delay):
		case <-w.ctx.Done():
			logger.Printf("Writer | %s %s aborted: %v", t.kind, t.key, w.ctx.Err())
			return
		}
		delay *= 2
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
	}

	w.deadLetter(t, err)
}

func (w *Writer) deadLetter(t task, cause error) {
	logger := utils.GetLogger()
	metrics.DeadLetters.WithLabelValues(t.kind).Inc()
	logger.Errorf("Writer | dead letter %s %s after %d attempts: %v", t.kind, t.key, w.cfg.MaxAttempts, cause)

	// Event writes that fail are not journaled again.
	if t.kind == "event" {
		return
	}
	ev := journal.New(journal.TypeDeadLetter, "", fmt.Sprintf("%s %s", t.kind, t.key), map[string]any{
		"kind":     t.kind,
		"key":      t.key,
		"attempts": w.cfg.MaxAttempts,
		"error":    cause.Error(),
	})
	if err := w.storage.LogEvent(w.ctx, ev); err != nil {
		logger.Errorf("Writer | failed to journal dead letter %s: %v", t.key, err)
	}
}
