package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialFakeTab dials a websocket client into s's hub, waits for it to
// register, and returns the registered tab id (always 1, the hub's first
// connection); callers then bind it to a serverKey via the instance
// manager, mirroring how a real executor tab attaches in production.
func dialFakeTab(t *testing.T, s *Supervisor, handle func(ws *websocket.Conn)) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(s.hub.ServeHTTP))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	go handle(client)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.hub.Alive(1) {
			return 1
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for the fake tab to register on the hub")
	return 0
}

func TestCmdGetStrategyReportsConfigAndQueueSize(t *testing.T) {
	s, _ := newTestSupervisor(t)
	resp := s.Dispatch(t.Context(), Request{Command: CmdGetStrategy, ServerKey: "a.example.com"})
	if !resp.Success {
		t.Fatalf("expected GET_STRATEGY to succeed, got %+v", resp)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected a map payload, got %T", resp.Data)
	}
	if _, ok := data["config"]; !ok {
		t.Fatalf("expected a config field in the response, got %+v", data)
	}
}

func TestCmdRequestScanDrivesDorf1ThenDorf2(t *testing.T) {
	s, mgr := newTestSupervisor(t)
	if _, err := mgr.GetOrCreate("a.example.com"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	var navigations []string
	tabID := dialFakeTab(t, s, func(ws *websocket.Conn) {
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				RequestID string          `json:"_requestId"`
				Action    string          `json:"action"`
				Params    json.RawMessage `json:"params"`
			}
			_ = json.Unmarshal(payload, &req)
			if req.Action == "navigateTo" {
				var p struct {
					Page string `json:"page"`
				}
				_ = json.Unmarshal(req.Params, &p)
				navigations = append(navigations, p.Page)
			}
			resp := map[string]any{"_requestId": req.RequestID, "success": true, "data": map[string]any{"ok": true}}
			out, _ := json.Marshal(resp)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	})
	if _, err := mgr.BindTab("a.example.com", tabID); err != nil {
		t.Fatalf("BindTab: %v", err)
	}

	resp := s.Dispatch(t.Context(), Request{Command: CmdRequestScan, ServerKey: "a.example.com"})
	if !resp.Success {
		t.Fatalf("expected REQUEST_SCAN to succeed, got %+v", resp)
	}
	if len(navigations) != 2 || navigations[0] != "dorf1" || navigations[1] != "dorf2" {
		t.Fatalf("expected navigation to dorf1 then dorf2, got %v", navigations)
	}
	data, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected a map payload, got %T", resp.Data)
	}
	if _, ok := data["dorf1"]; !ok {
		t.Fatalf("expected a dorf1 payload, got %+v", data)
	}
	if _, ok := data["dorf2"]; !ok {
		t.Fatalf("expected a dorf2 payload, got %+v", data)
	}
}

func TestCmdFarmListAPICallPassesThroughVersionHeader(t *testing.T) {
	s, mgr := newTestSupervisor(t)
	if err := s.store.SaveServerConfig(t.Context(), "a.example.com", "", map[string]any{"farmApiVersionHeader": "v7"}); err != nil {
		t.Fatalf("SaveServerConfig: %v", err)
	}
	inst, err := mgr.GetOrCreate("a.example.com")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := inst.Engine.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = inst.Engine.Stop(context.Background()) })

	var gotXVersion string
	tabID := dialFakeTab(t, s, func(ws *websocket.Conn) {
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				RequestID string          `json:"_requestId"`
				Params    json.RawMessage `json:"params"`
			}
			_ = json.Unmarshal(payload, &req)
			var body map[string]any
			_ = json.Unmarshal(req.Params, &body)
			gotXVersion, _ = body["xVersion"].(string)
			resp := map[string]any{"_requestId": req.RequestID, "success": true, "data": map[string]any{"posted": true}}
			out, _ := json.Marshal(resp)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	})
	if _, err := mgr.BindTab("a.example.com", tabID); err != nil {
		t.Fatalf("BindTab: %v", err)
	}

	params, _ := json.Marshal(map[string]any{"lists": []int{1, 2}})
	resp := s.Dispatch(t.Context(), Request{Command: CmdFarmListAPICall, ServerKey: "a.example.com", Params: params})
	if !resp.Success {
		t.Fatalf("expected FARM_LIST_API_CALL to succeed, got %+v", resp)
	}
	if gotXVersion != "v7" {
		t.Fatalf("expected the configured version header forwarded, got %q", gotXVersion)
	}
}

func TestCmdSwitchVillageForwardsToExecutor(t *testing.T) {
	s, mgr := newTestSupervisor(t)
	if _, err := mgr.GetOrCreate("a.example.com"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	tabID := dialFakeTab(t, s, func(ws *websocket.Conn) {
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				RequestID string `json:"_requestId"`
			}
			_ = json.Unmarshal(payload, &req)
			resp := map[string]any{"_requestId": req.RequestID, "success": true, "data": map[string]any{"switched": true}}
			out, _ := json.Marshal(resp)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	})
	if _, err := mgr.BindTab("a.example.com", tabID); err != nil {
		t.Fatalf("BindTab: %v", err)
	}

	params, _ := json.Marshal(map[string]any{"villageId": "123"})
	resp := s.Dispatch(t.Context(), Request{Command: CmdSwitchVillage, ServerKey: "a.example.com", Params: params})
	if !resp.Success {
		t.Fatalf("expected SWITCH_VILLAGE to succeed, got %+v", resp)
	}
}
