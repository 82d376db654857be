// Package notifier delivers needs-attention messages to operators.
//
// Bus events (failed items, halted accounts, capacity alerts) are turned into
// notifications, de-duplicated over a time window, queued and sent by a small
// worker pool under a token bucket with bounded retries. Delivery is
// best-effort: a full queue drops the message and never blocks the publisher.
package notifier
