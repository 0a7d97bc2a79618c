package s2s

import "sync"

var (
	defaultMu     sync.RWMutex
	defaultClient *Client
)

// SetDefault installs the process-wide client. The gateway installs its
// client at boot; tests swap in their own and reset with nil.
func SetDefault(c *Client) {
	defaultMu.Lock()
	defaultClient = c
	defaultMu.Unlock()
}

// Default returns the process-wide client, or nil before boot installs
// one.
func Default() *Client {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultClient
}
