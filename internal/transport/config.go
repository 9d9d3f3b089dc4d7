package transport

import (
	"crypto/tls"
	"time"
)

// ClientConfig tunes the HTTP client used for fetches. ChunkSize affects
// progress granularity and cancellation latency, not correctness.
type ClientConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	KeepAliveTimeout      time.Duration

	// TLS
	SkipTLSVerify bool
	TLSConfig     *tls.Config

	// Transfer settings
	ChunkSize      int64
	DefaultHeaders map[string]string
}

// DefaultConfig returns a ClientConfig with sensible defaults.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		KeepAliveTimeout:      30 * time.Second,
		ChunkSize:             1 << 20,

		DefaultHeaders: map[string]string{
			"User-Agent": "epifetch/1.0",
		},
	}
}
