// Package dedupe provides a bounded, time-expiring cache of idempotency keys
// and the sequence numbers their appends were assigned.
package dedupe
