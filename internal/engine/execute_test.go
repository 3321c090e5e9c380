package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/domain"
	"github.com/harlowdev/questkeeper/internal/taskqueue"
)

func TestReconcileActiveVillageUpdatesGameState(t *testing.T) {
	e := newTestEngine(t)
	e.st.gameState = &domain.GameState{ActiveVill: "old"}
	conn := dialFakeConn(t, alwaysSucceed(t, map[string]any{"activeVillageId": "new-village"}))

	e.reconcileActiveVillage(context.Background(), conn)

	if e.activeVillageID() != "new-village" {
		t.Fatalf("expected the active village updated, got %q", e.activeVillageID())
	}
}

func TestReconcileActiveVillageIgnoresFailure(t *testing.T) {
	e := newTestEngine(t)
	e.st.gameState = &domain.GameState{ActiveVill: "old"}
	conn := dialFakeConn(t, func(ws *websocket.Conn) {
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				RequestID string `json:"_requestId"`
			}
			_ = json.Unmarshal(payload, &req)
			resp := map[string]any{"_requestId": req.RequestID, "success": false}
			out, _ := json.Marshal(resp)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	})

	e.reconcileActiveVillage(context.Background(), conn)

	if e.activeVillageID() != "old" {
		t.Fatalf("expected the active village left untouched on failure, got %q", e.activeVillageID())
	}
}

func TestAssertVillageSwitchesAndWaits(t *testing.T) {
	e := newTestEngine(t)
	e.st.gameState = &domain.GameState{}
	conn := dialFakeConn(t, func(ws *websocket.Conn) {
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
			out, _ := json.Marshal(resp)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	})

	if !e.assertVillage(context.Background(), conn, "42") {
		t.Fatalf("expected assertVillage to succeed")
	}
	if e.activeVillageID() != "42" {
		t.Fatalf("expected the active village recorded as 42, got %q", e.activeVillageID())
	}
}

func TestAssertVillageFailsOnSwitchRejection(t *testing.T) {
	e := newTestEngine(t)
	e.st.gameState = &domain.GameState{}
	conn := dialFakeConn(t, func(ws *websocket.Conn) {
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				RequestID string `json:"_requestId"`
			}
			_ = json.Unmarshal(payload, &req)
			resp := map[string]any{"_requestId": req.RequestID, "success": false, "reason": bridge.ReasonPageMismatch}
			out, _ := json.Marshal(resp)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	})

	if e.assertVillage(context.Background(), conn, "42") {
		t.Fatalf("expected assertVillage to fail when the switch is rejected")
	}
}

func TestHandleTaskFailureNonHopelessJustMarksFailed(t *testing.T) {
	e := newTestEngine(t)
	id, _ := e.q.Add(domain.TaskNavigate, nil, 5, "", time.Time{})
	conn := dialFakeConn(t, alwaysSucceed(t, nil))

	task := findTask(e.q, id)
	e.handleTaskFailure(context.Background(), conn, task, "some_transient_error")

	if e.st.stats.TasksFailed != 1 {
		t.Fatalf("expected TasksFailed incremented once, got %d", e.st.stats.TasksFailed)
	}
}

func TestHandleTaskFailureHopelessReactiveHeroFallbackRequeues(t *testing.T) {
	e := newTestEngine(t)
	e.st.gameState = &domain.GameState{Resources: &domain.ResourceSnapshot{Wood: 0, WoodCap: 1000}}
	params, _ := json.Marshal(map[string]any{"fieldId": "3"})
	id, _ := e.q.Add(domain.TaskUpgradeResource, params, 5, "", time.Time{})
	task := findTask(e.q, id)

	step := 0
	conn := dialFakeConn(t, func(ws *websocket.Conn) {
		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				RequestID string `json:"_requestId"`
			}
			_ = json.Unmarshal(payload, &req)
			step++
			var resp map[string]any
			switch step {
			case 1: // navigateTo heroInventory
				resp = map[string]any{"_requestId": req.RequestID, "success": true}
			case 2: // GET_STATE page (WaitForContentScript probe)
				resp = map[string]any{"_requestId": req.RequestID, "success": true}
			case 3: // scanHeroInventory
				resp = map[string]any{"_requestId": req.RequestID, "success": true, "data": map[string]any{"inventoryVersion": 1}}
			default: // useHeroItem, one per resource
				resp = map[string]any{"_requestId": req.RequestID, "success": true}
			}
			out, _ := json.Marshal(resp)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	})

	sizeBefore := e.q.Size()
	e.handleTaskFailure(context.Background(), conn, task, bridge.ReasonInsufficientResources)

	if e.q.Size() != sizeBefore+1 {
		t.Fatalf("expected a fresh retry task queued after a successful hero claim, got size %d (was %d)", e.q.Size(), sizeBefore)
	}
	if !e.onCooldown(task.CooldownKey()) {
		t.Fatalf("expected the original task's cooldown key set")
	}
}

func TestReturnHomeSkipsNavigationWhenTaskEndsOnOverview(t *testing.T) {
	e := newTestEngine(t)
	conn := dialFakeConn(t, func(ws *websocket.Conn) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
			t.Errorf("returnHome should not navigate for a task that already ends on overview")
		}
	})
	e.mu.Lock()
	e.st.fsm = domain.StateExecuting
	e.mu.Unlock()

	task := &domain.Task{Type: domain.TaskNavigate}
	e.returnHome(context.Background(), conn, task)
	if e.FSMState() != domain.StateCooldown {
		t.Fatalf("expected returnHome to transition to Cooldown regardless, got %s", e.FSMState())
	}
}

func TestReturnHomeDetoursThroughVillageForBuildLikeTasks(t *testing.T) {
	e := newTestEngine(t)
	var pages []string
	conn := dialFakeConn(t, func(ws *websocket.Conn) {
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
			if req.Action == bridge.ActionNavigateTo {
				var p struct {
					Page string `json:"page"`
				}
				_ = json.Unmarshal(req.Params, &p)
				pages = append(pages, p.Page)
			}
			resp := map[string]any{"_requestId": req.RequestID, "success": true}
			out, _ := json.Marshal(resp)
			_ = ws.WriteMessage(websocket.TextMessage, out)
		}
	})

	e.mu.Lock()
	e.st.fsm = domain.StateExecuting
	e.mu.Unlock()

	task := &domain.Task{Type: domain.TaskUpgradeBuilding}
	e.returnHome(context.Background(), conn, task)

	if len(pages) != 2 || pages[0] != "dorf2" || pages[1] != "dorf1" {
		t.Fatalf("expected a dorf2-then-dorf1 detour, got %v", pages)
	}
}

func findTask(q *taskqueue.Queue, id int64) *domain.Task {
	for _, tk := range q.GetAll() {
		if tk.ID == id {
			cp := tk
			return &cp
		}
	}
	return nil
}
