package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
)

// dialFakeConn starts a tiny websocket server driven by handle and returns a
// client-side bridge.Conn wired to it, mirroring bridge's own test fixture
// since dispatch/execute/hero exercise *bridge.Conn directly.
func dialFakeConn(t *testing.T, handle func(ws *websocket.Conn)) *bridge.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		go handle(ws)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientWS, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := bridge.NewConn(1, clientWS, zap.NewNop())
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// alwaysSucceed replies success to every request, round-tripping the
// request's requestId so Conn's pending map resolves correctly. data, if
// non-nil, is nested under the response's "data" field.
func alwaysSucceed(t *testing.T, data map[string]any) func(ws *websocket.Conn) {
	return func(ws *websocket.Conn) {
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				RequestID string `json:"_requestId"`
			}
			_ = json.Unmarshal(payload, &req)
			resp := map[string]any{"_requestId": req.RequestID, "success": true}
			if data != nil {
				resp["data"] = data
			}
			out, _ := json.Marshal(resp)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	}
}
