// Package sched runs the engine's periodic maintenance tasks.
//
// A [Scheduler] holds named tasks on cron or fixed-interval schedules and
// fires them from a single tick loop. Tasks run sequentially and
// panic-safe: a failing or panicking task is logged and stays on its
// schedule.
//
// Two built-in tasks cover the engine's upkeep:
//   - [StaleSweepTask] returns jobs stuck in running back to pending once
//     their claim outlives the stale threshold.
//   - [OpLogRetentionTask] purges op-log entries past the retention
//     period.
//
// Hosts may register their own tasks:
//
//	s := sched.NewScheduler(logger)
//	s.AddCronTask("nightly-report", "0 3 * * *", func(ctx context.Context) error {
//	    return reports.Generate(ctx)
//	})
//	s.AddIntervalTask("cache-warm", 10*time.Minute, warmCache)
package sched
