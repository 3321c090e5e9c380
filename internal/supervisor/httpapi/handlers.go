package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/supervisor"
)

// loginRequest is the JSON body expected by POST /api/v1/auth/login.
type loginRequest struct {
	Passphrase string `json:"passphrase"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

// authHandler handles the single operator login endpoint.
type authHandler struct {
	auth   *supervisor.OperatorAuth
	logger *zap.Logger
}

func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	token, err := h.auth.Login(req.Passphrase)
	if err != nil {
		ErrUnauthorized(w)
		return
	}
	Ok(w, loginResponse{AccessToken: token})
}

// commandHandler exposes Supervisor.Dispatch as a single POST endpoint
// carrying the command envelope in the body.
type commandHandler struct {
	sup    *supervisor.Supervisor
	logger *zap.Logger
}

func (h *commandHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req supervisor.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	resp := h.sup.Dispatch(r.Context(), req)
	if !resp.Success {
		JSON(w, http.StatusOK, resp)
		return
	}
	Ok(w, resp.Data)
}

// bridgeHandler upgrades page-executor connections. Unlike the operator
// REST routes, this endpoint is not behind Authenticate: the executor runs
// inside the operator's own browser tab talking back to their own backend,
// and this service assumes a single operator with no cross-tenant
// isolation.
type bridgeHandler struct {
	upgrade http.HandlerFunc
}

func (h *bridgeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) { h.upgrade(w, r) }
