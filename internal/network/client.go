package network

import (
	"net/http"
	"time"

	"github.com/ephemeral-examples/ledgersync/config"
)

// NewHTTPClient creates the HTTP client used for ledger JSON-RPC traffic.
// If cfg.DelayEnabled is true, every request is held back by a random delay,
// which is how an unresponsive or slow ephemeral ledger is reproduced locally.
func NewHTTPClient(cfg config.NetworkConfig, timeout time.Duration) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport.(*http.Transport).Clone()

	if cfg.DelayEnabled {
		transport = NewDelayedRoundTripper(transport, DelayConfig{
			Enabled:  true,
			MinDelay: time.Duration(cfg.MinDelayMs) * time.Millisecond,
			MaxDelay: time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		})
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
