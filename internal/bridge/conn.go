// Package bridge implements the request/response protocol to a
// page-embedded executor, carried over a gorilla/websocket connection:
// adaptive timeouts, monotonic request IDs, transient-disconnect retry,
// and the liveness ping used after navigation reloads.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	baselineTimeout = 30 * time.Second
	capTimeout      = 60 * time.Second
	stepTimeout     = 10 * time.Second
)

// ErrTransientDisconnect classifies the page-navigation races that are
// worth retrying rather than failing immediately.
var ErrTransientDisconnect = errors.New("bridge: transient disconnect")

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Receiving end does not exist") ||
		strings.Contains(msg, "Could not establish connection") ||
		errors.Is(err, ErrTransientDisconnect)
}

type pending struct {
	mu      sync.Mutex
	settled bool
	ch      chan Response
}

// settleOnce delivers resp exactly once; any call after the first (a late
// arrival past timeout) is a silent no-op.
func (p *pending) settleOnce(resp Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return
	}
	p.settled = true
	p.ch <- resp
}

// Conn is the bridge to one tab's page executor.
type Conn struct {
	TabID int

	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	timeoutMu sync.Mutex
	timeout   time.Duration

	pendingMu sync.Mutex
	waiting   map[string]*pending

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an already-upgraded websocket connection for tabID and
// starts its read pump.
func NewConn(tabID int, ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		TabID:   tabID,
		ws:      ws,
		logger:  logger.Named("bridge"),
		timeout: baselineTimeout,
		waiting: make(map[string]*pending),
		closed:  make(chan struct{}),
	}
	go c.readPump()
	return c
}

func (c *Conn) readPump() {
	defer close(c.closed)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("malformed response from executor", zap.Int("tab_id", c.TabID), zap.Error(err))
			continue
		}

		c.pendingMu.Lock()
		p, ok := c.waiting[resp.RequestID]
		if ok {
			delete(c.waiting, resp.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			p.settleOnce(resp)
		}
	}
}

// Closed reports whether the underlying connection has terminated.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Close terminates the websocket connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.ws.Close() })
	return err
}

func (c *Conn) currentTimeout() time.Duration {
	c.timeoutMu.Lock()
	defer c.timeoutMu.Unlock()
	return c.timeout
}

// onResult adjusts the adaptive timeout: reset to baseline on success, step
// up toward the cap on timeout.
func (c *Conn) onResult(timedOut bool) {
	c.timeoutMu.Lock()
	defer c.timeoutMu.Unlock()
	if timedOut {
		c.timeout += stepTimeout
		if c.timeout > capTimeout {
			c.timeout = capTimeout
		}
	} else {
		c.timeout = baselineTimeout
	}
}

// send performs one request/response round trip without retry logic.
func (c *Conn) send(ctx context.Context, req Request) (Response, error) {
	if req.RequestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return Response{}, fmt.Errorf("bridge: generate request id: %w", err)
		}
		req.RequestID = id.String()
	}

	p := &pending{ch: make(chan Response, 1)}
	c.pendingMu.Lock()
	c.waiting[req.RequestID] = p
	c.pendingMu.Unlock()

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("bridge: marshal request: %w", err)
	}

	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.waiting, req.RequestID)
		c.pendingMu.Unlock()
		return Response{}, fmt.Errorf("%w: %s", ErrTransientDisconnect, err)
	}

	timeout := c.currentTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.ch:
		c.onResult(false)
		return resp, nil
	case <-timer.C:
		// Fire the settled flag ourselves so a late arrival from readPump
		// is discarded instead of double-delivered.
		p.settleOnce(Response{})
		c.pendingMu.Lock()
		delete(c.waiting, req.RequestID)
		c.pendingMu.Unlock()
		c.onResult(true)
		return Response{}, fmt.Errorf("bridge: request %s timed out after %s", req.RequestID, timeout)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.waiting, req.RequestID)
		c.pendingMu.Unlock()
		return Response{}, ctx.Err()
	}
}

// sendWithRetry retries up to twice with 1s/2s backoff on a transient
// disconnect.
func (c *Conn) sendWithRetry(ctx context.Context, req Request) (Response, error) {
	backoffs := []time.Duration{1 * time.Second, 2 * time.Second}
	var lastErr error
	for attempt := 0; attempt <= len(backoffs); attempt++ {
		resp, err := c.send(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) || attempt == len(backoffs) {
			return Response{}, err
		}
		select {
		case <-time.After(backoffs[attempt]):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	return Response{}, lastErr
}

// Scan sends {type: SCAN} and returns the raw game-state payload.
func (c *Conn) Scan(ctx context.Context) (Response, error) {
	return c.sendWithRetry(ctx, Request{Type: MsgScan})
}

// Execute sends {type: EXECUTE, action, params} and returns the result.
func (c *Conn) Execute(ctx context.Context, action string, params json.RawMessage) (Response, error) {
	return c.sendWithRetry(ctx, Request{Type: MsgExecute, Action: action, Params: params})
}

// GetState sends a cheap {type: GET_STATE, params:{property}} probe.
func (c *Conn) GetState(ctx context.Context, property string) (Response, error) {
	params, _ := json.Marshal(map[string]string{"property": property})
	return c.sendWithRetry(ctx, Request{Type: MsgGetState, Params: params})
}

// Notify is fire-and-forget: best-effort, errors are swallowed.
func (c *Conn) Notify(notifyType, message string) {
	payload, _ := json.Marshal(map[string]any{
		"action": "NOTIFY",
		"data":   map[string]string{"type": notifyType, "message": message},
	})
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteMessage(websocket.TextMessage, payload)
}
