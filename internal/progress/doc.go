// Package progress defines the job progress snapshot exchanged with report
// observers and the process-wide store that holds the latest snapshot per job
// and fans it out to subscribers. The store is the single source of truth:
// the report runner publishes into it, websocket channels subscribe to it,
// and cancellation requests flow back through it to the runner.
package progress
