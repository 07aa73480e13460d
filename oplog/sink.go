package oplog

import (
	"context"
	"log/slog"
)

// Sink receives drained entries. Write errors are logged and swallowed by
// the Logger; a sink can slow the drain goroutine but never the worker.
type Sink interface {
	Write(ctx context.Context, e *Entry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e *Entry) error

// Write implements Sink.
func (f SinkFunc) Write(ctx context.Context, e *Entry) error {
	return f(ctx, e)
}

// ──────────────────────────────────────────────────
// SlogSink
// ──────────────────────────────────────────────────

// SlogSink emits entries as structured log records: success at info,
// error at warn.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink that writes entries to the given logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Write implements Sink.
func (s *SlogSink) Write(ctx context.Context, e *Entry) error {
	level := slog.LevelInfo
	if e.Status == StatusError {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("entry_id", e.ID.String()),
		slog.String("op", e.Op),
		slog.String("status", string(e.Status)),
	}
	if !e.JobID.IsNil() {
		attrs = append(attrs, slog.String("job_id", e.JobID.String()))
	}
	if e.Step > 0 {
		attrs = append(attrs, slog.Int("step", e.Step))
	}
	if e.Output != "" {
		attrs = append(attrs, slog.String("output", e.Output))
	}
	if e.Elapsed > 0 {
		attrs = append(attrs, slog.Duration("elapsed", e.Elapsed))
	}
	if e.Tokens > 0 {
		attrs = append(attrs, slog.Int64("tokens", e.Tokens))
	}
	s.logger.LogAttrs(ctx, level, "oplog", attrs...)
	return nil
}

// ──────────────────────────────────────────────────
// StoreSink
// ──────────────────────────────────────────────────

// StoreSink persists entries through an oplog Store.
type StoreSink struct {
	store Store
}

// NewStoreSink creates a sink that appends entries to the given store.
func NewStoreSink(store Store) *StoreSink {
	return &StoreSink{store: store}
}

// Write implements Sink.
func (s *StoreSink) Write(ctx context.Context, e *Entry) error {
	return s.store.Append(ctx, e)
}
