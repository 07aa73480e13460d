package oplog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emergent-company/pace/id"
)

// DefaultBuffer is the default entry buffer size.
const DefaultBuffer = 256

// Logger buffers entries and fans them out to sinks from a single drain
// goroutine. Record never blocks, never returns an error, and never
// panics; when the buffer is full the entry is dropped and counted.
type Logger struct {
	logger *slog.Logger
	sinks  []Sink

	mu      sync.RWMutex
	closed  bool
	buf     chan Entry
	drained chan struct{}
	dropped atomic.Int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink adds a sink to the fan-out set.
func WithSink(s Sink) Option {
	return func(l *Logger) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithBuffer overrides the entry buffer size. Non-positive values are
// ignored.
func WithBuffer(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.buf = make(chan Entry, n)
		}
	}
}

// New creates a Logger and starts its drain goroutine. The slog logger
// carries drop and sink-failure warnings, not the entries themselves; add
// a SlogSink to mirror entries into the log.
func New(logger *slog.Logger, opts ...Option) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		logger:  logger,
		buf:     make(chan Entry, DefaultBuffer),
		drained: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.drain()
	return l
}

// Record enqueues an entry for delivery, assigning its ID and timestamp
// when unset. A full buffer or a closed logger drops the entry.
func (l *Logger) Record(e Entry) {
	if e.ID.IsNil() {
		e.ID = id.NewEntryID()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	select {
	case l.buf <- e:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns the total number of entries dropped so far.
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops accepting entries and flushes the buffer, bounded by ctx.
// Safe to call multiple times.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.buf)
	l.mu.Unlock()

	select {
	case <-l.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain delivers buffered entries to the sinks until the buffer closes.
func (l *Logger) drain() {
	defer close(l.drained)

	var warned int64
	for e := range l.buf {
		l.emit(&e)

		if d := l.dropped.Load(); d > warned {
			l.logger.Warn("op log buffer full, entries dropped",
				slog.Int64("dropped", d-warned))
			warned = d
		}
	}
}

// emit writes one entry to every sink, isolating sink failures and panics
// from the drain loop.
func (l *Logger) emit(e *Entry) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("op log sink panicked", slog.Any("panic", r), slog.String("op", e.Op))
		}
	}()

	ctx := context.Background()
	for _, s := range l.sinks {
		if err := s.Write(ctx, e); err != nil {
			l.logger.Warn("op log sink write failed",
				slog.String("op", e.Op), slog.Any("error", err))
		}
	}
}
