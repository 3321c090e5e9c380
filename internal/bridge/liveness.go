package bridge

import (
	"context"
	"time"
)

// WaitForContentScript loops a cheap GET_STATE(property=page) probe with
// 1.5s sub-timeouts and 800ms gaps until the executor answers success or
// maxMs elapses. Used after every navigation that reloads the page.
func (c *Conn) WaitForContentScript(ctx context.Context, maxMs int64) bool {
	deadline := time.Now().Add(time.Duration(maxMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
		resp, err := c.GetState(probeCtx, "page")
		cancel()
		if err == nil && resp.Success {
			return true
		}

		select {
		case <-time.After(800 * time.Millisecond):
		case <-ctx.Done():
			return false
		}
	}
	return false
}
