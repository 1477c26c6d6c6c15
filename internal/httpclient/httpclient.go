// Package httpclient centralizes HTTP timeout and transport tuning so
// the upstream client and the job service stay consistent.
package httpclient

import "time"

const (
	// DefaultTimeout bounds any single upstream call. Ten minutes gives
	// the model time to produce a long chunk while still preventing
	// indefinite hangs.
	DefaultTimeout = 10 * time.Minute
	// Server-side header read bound; slow-loris protection.
	ReadHeaderTimeout = 10 * time.Second
	// Idle keep-alive bound for long-lived connections.
	IdleConnTimeout = 120 * time.Second
)
