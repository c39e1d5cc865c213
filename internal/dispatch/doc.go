// Package dispatch drains the durable run queue with a fixed pool of
// workers and drives each run through the webhook pipeline.
//
// Each worker polls the queue on a ticker and drains it until empty:
//   - A run that returns an outcome is completed as succeeded.
//   - A run that fails is retried with exponential backoff
//     (base * 2^(attempt-1), capped at one hour).
//   - A run that fails on its last attempt is handed to the pipeline's
//     exhaustion path, which dead-letters the delivery, and is marked dead.
//
// Runs orphaned in the running state by a crash are recovered by the
// scheduler's RequeueStale job, not here.
package dispatch
