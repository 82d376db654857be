// Package jobs triggers periodic maintenance work (daemon sync, capacity
// scans) from cron expressions or fixed intervals.
//
// Jobs run on the cron goroutine's behalf in their own goroutine; a job that
// is still running when its next trigger fires is skipped, not queued.
package jobs
