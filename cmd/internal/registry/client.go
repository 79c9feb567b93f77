package registry

import (
	"sync"

	v1 "dstake/contracts/registry/v1"
)

// wsClient is one connected websocket session.
// Send is never closed by the server; done signals the writer goroutine to stop.
type wsClient struct {
	SessionID string
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(sessionID string, sendQueueSize int) *wsClient {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &wsClient{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *wsClient) Done() <-chan struct{} {
	return c.done
}

// Close is idempotent.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
