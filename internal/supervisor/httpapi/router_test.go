package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/decision"
	"github.com/harlowdev/questkeeper/internal/instances"
	"github.com/harlowdev/questkeeper/internal/logkeep"
	"github.com/harlowdev/questkeeper/internal/storage"
	"github.com/harlowdev/questkeeper/internal/supervisor"
)

func newTestRouter(t *testing.T) (http.Handler, *supervisor.OperatorAuth) {
	t.Helper()
	zl := zap.NewNop()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	store, err := storage.Open(storage.Config{Driver: "sqlite", DSN: dsn, Logger: zl})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logs := logkeep.New(t.Context(), zl, store)
	hub := bridge.NewHub(zl)
	mgr := instances.New(store, logs, zl, hub, decision.Noop)
	a, err := supervisor.NewOperatorAuth("correct horse battery staple", []byte("0123456789abcdef0123456789abcdef"), "questkeeper")
	if err != nil {
		t.Fatalf("NewOperatorAuth: %v", err)
	}
	sup := supervisor.New(mgr, hub, store, logs, zl, a, nil)

	return NewRouter(RouterConfig{Supervisor: sup, Auth: a, Hub: hub, Logger: zl}), a
}

func TestLoginRejectsWrongPassphrase(t *testing.T) {
	router, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]string{"passphrase": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong passphrase, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginAcceptsCorrectPassphraseAndIssuesToken(t *testing.T) {
	router, _ := newTestRouter(t)
	body, _ := json.Marshal(map[string]string{"passphrase": "correct horse battery staple"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the correct passphrase, got %d: %s", rec.Code, rec.Body.String())
	}
	var decoded struct {
		Data loginResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Data.AccessToken == "" {
		t.Fatalf("expected a non-empty access token")
	}
}

func TestLoginRejectsMalformedBody(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed body, got %d", rec.Code)
	}
}

func TestCommandsRequiresBearerToken(t *testing.T) {
	router, _ := newTestRouter(t)
	body, _ := json.Marshal(supervisor.Request{Command: supervisor.CmdGetServers})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}

func TestCommandsRejectsMalformedBearerToken(t *testing.T) {
	router, _ := newTestRouter(t)
	body, _ := json.Marshal(supervisor.Request{Command: supervisor.CmdGetServers})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a malformed token, got %d", rec.Code)
	}
}

func TestCommandsDispatchesWithValidToken(t *testing.T) {
	router, auth := newTestRouter(t)
	token, err := auth.Login("correct horse battery staple")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	body, _ := json.Marshal(supervisor.Request{Command: supervisor.CmdGetServers})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for a valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCommandsOutOfScopeCommandStillReturns200WithErrorEnvelope(t *testing.T) {
	router, auth := newTestRouter(t)
	token, err := auth.Login("correct horse battery staple")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	body, _ := json.Marshal(supervisor.Request{Command: supervisor.CmdGetFarmIntel, ServerKey: "a.example.com"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected the Dispatch handler to surface a 200 with an error envelope, got %d", rec.Code)
	}
	var decoded map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := decoded["error"]; !ok {
		t.Fatalf("expected an error field in the response body, got %+v", decoded)
	}
}
