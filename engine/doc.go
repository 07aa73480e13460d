// Package engine assembles the Pace subsystems into one runnable unit.
//
// The engine owns a store, a shared rate limiter, an op logger, the worker
// loop, and the maintenance scheduler. It sits above every subsystem
// package and below the application: the root pace package defines Entity,
// Config, and the error sentinels that subsystem packages import, so the
// coordinator that imports all of them back lives here.
//
// Typical use:
//
//	st := memory.New()
//	eng, err := engine.New(
//		engine.WithStore(st),
//		engine.WithExecutor(registry),
//		engine.WithConfig(pace.ConfigFromEnv()),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Stop(context.Background())
//
//	eng.Enqueue(ctx, &job.Job{Type: "report.generate", Payload: data})
package engine
