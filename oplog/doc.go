// Package oplog records one immutable entry per meaningful scheduling
// step: batch boundaries, rate-limit verdicts, execution outcomes.
//
// The [Logger] is fire-and-forget. [Logger.Record] assigns the entry an ID
// and timestamp, drops it on a bounded buffer, and returns; a background
// goroutine drains the buffer into the configured [Sink] set. A full
// buffer drops the entry and bumps a counter rather than blocking the
// worker, and a sink failure is swallowed after a warning. Op logging can
// never fail job processing.
//
//	logger := oplog.New(slog.Default(),
//	    oplog.WithSink(oplog.NewStoreSink(store)),
//	)
//	defer logger.Close(ctx)
//
//	logger.Record(oplog.Entry{
//	    JobID:  j.ID,
//	    Op:     oplog.OpExecute,
//	    Status: oplog.StatusSuccess,
//	    Tokens: res.TokensUsed,
//	})
//
// Entries are written once and never mutated. [Store] implementations
// persist them for per-job inspection; the stream subpackage publishes
// them to a Redis Stream for external trace consumers.
package oplog
