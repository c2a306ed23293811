// Package relayd coordinates several stateless instances that share one KV
// store, one relational store and one external queue so they behave as a
// single service.
//
// # Leases and leadership
//
// Every instance heartbeats into the registry and campaigns for the
// "upstream" lease. Exactly one instance holds it at a time; that instance
// connects the exclusive upstream client through a circuit breaker and runs
// the stall sweep. On demotion the upstream is disconnected before the
// leader flag flips.
//
//	coord, err := relayd.New(relayd.Config{
//	    KVStore:  "redis://127.0.0.1:6379/0",
//	    Database: "file:/var/lib/relayd/tasks.db",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := coord.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer coord.Shutdown(context.Background())
//
// # Tasks
//
// Coordinator.Tasks exposes the task repository. Claims are atomic
// conditional updates in the relational store; in-progress transitions go to
// a KV cache with a write buffer behind it, terminal transitions are written
// synchronously. Tasks that stop progressing are found by merging the durable
// store with the cache and are returned to the queue.
//
// # Publishing
//
// Coordinator.Publisher sends messages through the asynq queue configured by
// Config.QueueRedis with classified retries. Without a queue the publisher
// runs degraded and hands out local message ids.
package relayd
