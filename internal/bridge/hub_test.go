package bridge

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestHubServeHTTPRegistersAndAlive(t *testing.T) {
	h := NewHub(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	// Give the hub's goroutine a moment to register the new connection.
	var got *Conn
	var ok bool
	for i := 0; i < 50; i++ {
		got, ok = h.Get(1)
		if ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ok {
		t.Fatalf("expected tab 1 to be registered after upgrade")
	}
	if !h.Alive(1) {
		t.Fatalf("expected a freshly registered connection to be alive")
	}
	if _, err := h.RequireConn(1); err != nil {
		t.Fatalf("RequireConn: %v", err)
	}
	_ = got
}

func TestHubRemoveOnClose(t *testing.T) {
	h := NewHub(zap.NewNop())
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	for i := 0; i < 50; i++ {
		if h.Alive(1) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = client.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !h.Alive(1) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the hub to drop tab 1 once its connection closed")
}

func TestHubRequireConnMissing(t *testing.T) {
	h := NewHub(zap.NewNop())
	if _, err := h.RequireConn(999); err == nil {
		t.Fatalf("expected an error for an unregistered tab")
	}
}
