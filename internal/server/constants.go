// Package server exposes the capture session over HTTP and WebSocket.
package server

import "time"

const (
	// Per-connection control message limit (sliding window).
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// WriteTimeout bounds one WebSocket write.
	WriteTimeout = 5 * time.Second

	DefaultEventLimit = 50
)

// WebSocket message types.
const (
	msgStart       = "start"
	msgStop        = "stop"
	msgStarted     = "started"
	msgStopped     = "stopped"
	msgEvent       = "event"
	msgError       = "error"
	msgRateLimited = "rate_limited"
)
