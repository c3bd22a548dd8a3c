// Package runfold provides the core of an agent run orchestration platform.
//
// The engine supervises run lifecycles end to end and comes with pluggable
// service layers such as:
//
//   - orchestrator - run workflow supervision, retries and heartbeats
//   - hub          - fan-out of live run events to many consumers
//   - delegation   - bounded-depth spawning of child runs
//   - store        - the shared pub/sub and event-log backend
//
// Runfold is designed to be embedded in host applications. End-users
// typically interact with the engine via the high-level Service façade
// exposed by the root package:
//
//	srv, _ := runfold.New(runfold.WithProducerFactory(factory))
//	_ = srv.Start(ctx)
//	instance, _ := srv.StartRun(ctx, run)
//	queue, _ := srv.Subscribe(ctx, run.ID)
//	for message := range queue.Iter(ctx) {
//		// consume live events
//	}
//
// For more details see the README and individual sub-packages.
package runfold
