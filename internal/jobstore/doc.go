// Package jobstore persists job records and their execution artifacts, and
// provides the lease primitive the fleet coordinates through.
//
// Two drivers:
//   - "sqlite": a SQLite database file shared by all workers on a host (or
//     served off shared storage). The production driver.
//   - "memory": process-local, for tests and ephemeral single-process runs.
//
// Every record carries a version (bumped on each write) and a lease
// (owner token + expiry). Lease-guarded writes are fenced by the owner
// token, so a holder whose grant expired cannot clobber a successor.
package jobstore
