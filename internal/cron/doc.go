// Package cron is the control plane for recurring background jobs shared by a
// fleet of worker processes.
//
// Each job is a persisted record (see JobRecord) describing what to run, how
// often, and what a previous worker left in progress. Workers coordinate
// exclusively through per-record leases in the job store: a scheduling tick
// tries to lease each job, and only the lease holder may advance that job's
// state machine (timeout enforcement, reconciliation of a finished run,
// starting the next run). Actual payload execution is delegated to a task
// engine and proceeds independently of the lease.
//
// There is no central coordinator and no single point of failure: any worker
// that wins a lease drives the job for that tick.
package cron
