// Package stream publishes op-log entries to a Redis Stream, the external
// trace-sink boundary. Entries are msgpack-encoded under a single field so
// any consumer language can decode them, and the stream is length-capped
// so an unread trace never grows without bound.
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	logger := oplog.New(slog.Default(),
//	    oplog.WithSink(stream.New(client)),
//	)
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/oplog"
)

// Compile-time interface check.
var _ oplog.Sink = (*Sink)(nil)

const (
	// DefaultStream is the stream key entries are appended to.
	DefaultStream = "pace:oplog"

	// DefaultMaxLen caps the stream length (approximate trimming).
	DefaultMaxLen = 10_000

	// field is the single stream field carrying the encoded entry.
	field = "entry"
)

// Sink appends entries to a Redis Stream via XADD. The caller owns the
// Redis client lifecycle.
type Sink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// Option configures a Sink.
type Option func(*Sink)

// WithStream overrides the stream key.
func WithStream(key string) Option {
	return func(s *Sink) {
		if key != "" {
			s.stream = key
		}
	}
}

// WithMaxLen overrides the approximate stream length cap. Non-positive
// values disable trimming.
func WithMaxLen(n int64) Option {
	return func(s *Sink) { s.maxLen = n }
}

// New creates a Redis Stream sink.
func New(client redis.Cmdable, opts ...Option) *Sink {
	s := &Sink{
		client: client,
		stream: DefaultStream,
		maxLen: DefaultMaxLen,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write implements oplog.Sink.
func (s *Sink) Write(ctx context.Context, e *oplog.Entry) error {
	data, err := encode(e)
	if err != nil {
		return fmt.Errorf("pace/oplog/stream: encode entry: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{field: data},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("pace/oplog/stream: xadd: %w", err)
	}
	return nil
}

// wireEntry is the stream wire form. Primitive fields only, so consumers
// do not need the ID types to decode.
type wireEntry struct {
	ID        string    `msgpack:"id"`
	JobID     string    `msgpack:"job_id,omitempty"`
	Step      int       `msgpack:"step,omitempty"`
	Op        string    `msgpack:"op"`
	Status    string    `msgpack:"status"`
	Input     string    `msgpack:"input,omitempty"`
	Output    string    `msgpack:"output,omitempty"`
	ElapsedMs int64     `msgpack:"elapsed_ms,omitempty"`
	Tokens    int64     `msgpack:"tokens,omitempty"`
	At        time.Time `msgpack:"at"`
}

func encode(e *oplog.Entry) ([]byte, error) {
	w := wireEntry{
		ID:        e.ID.String(),
		Step:      e.Step,
		Op:        e.Op,
		Status:    string(e.Status),
		Input:     e.Input,
		Output:    e.Output,
		ElapsedMs: e.Elapsed.Milliseconds(),
		Tokens:    e.Tokens,
		At:        e.At,
	}
	if !e.JobID.IsNil() {
		w.JobID = e.JobID.String()
	}
	return msgpack.Marshal(w)
}

// Decode unpacks a stream field value produced by this sink back into an
// entry. Consumers read the value of the "entry" field from each stream
// message and pass it here.
func Decode(data []byte) (*oplog.Entry, error) {
	var w wireEntry
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("pace/oplog/stream: decode entry: %w", err)
	}

	entryID, err := id.ParseEntryID(w.ID)
	if err != nil {
		return nil, fmt.Errorf("pace/oplog/stream: decode entry id: %w", err)
	}
	e := &oplog.Entry{
		ID:      entryID,
		Step:    w.Step,
		Op:      w.Op,
		Status:  oplog.Status(w.Status),
		Input:   w.Input,
		Output:  w.Output,
		Elapsed: time.Duration(w.ElapsedMs) * time.Millisecond,
		Tokens:  w.Tokens,
		At:      w.At,
	}
	if w.JobID != "" {
		jobID, err := id.ParseJobID(w.JobID)
		if err != nil {
			return nil, fmt.Errorf("pace/oplog/stream: decode job id: %w", err)
		}
		e.JobID = jobID
	}
	return e, nil
}
