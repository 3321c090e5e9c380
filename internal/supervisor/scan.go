package supervisor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harlowdev/questkeeper/internal/bridge"
)

// cmdGetStrategy returns the instance's current decision-module config and
// queue composition. The decision/strategy modules themselves are an
// external collaborator; this only reports the data a strategy module
// would need, not a strategy implementation.
func (s *Supervisor) cmdGetStrategy(inst *instanceHandle) Response {
	return okResp(map[string]any{
		"serverKey": inst.serverKey,
		"config":    inst.eng.Config(),
		"queueSize": inst.eng.Queue().Size(),
	})
}

// cmdGetFarmIntel is a deliberate stub: map-scanning and farm-intelligence
// heuristics live in an external collaborator that consumes
// GET_QUEUE/GET_STATUS and the raw page-executor scan data instead.
func (s *Supervisor) cmdGetFarmIntel(inst *instanceHandle) Response {
	return errResp(fmt.Errorf("supervisor: GET_FARM_INTEL is handled by an external farm-intelligence module, not this core"))
}

// cmdRequestScan drives the page executor through dorf1 then dorf2 and
// returns the combined raw scan payloads.
func (s *Supervisor) cmdRequestScan(ctx context.Context, inst *instanceHandle) Response {
	c, err := s.conn(inst)
	if err != nil {
		return errResp(err)
	}

	dorf1, err := navigateAndScan(ctx, c, "dorf1")
	if err != nil {
		return errResp(fmt.Errorf("supervisor: request scan dorf1: %w", err))
	}
	dorf2, err := navigateAndScan(ctx, c, "dorf2")
	if err != nil {
		return errResp(fmt.Errorf("supervisor: request scan dorf2: %w", err))
	}
	return okResp(map[string]any{"dorf1": dorf1.Data, "dorf2": dorf2.Data})
}

func navigateAndScan(ctx context.Context, c *bridge.Conn, page string) (bridge.Response, error) {
	params, _ := json.Marshal(map[string]string{"page": page})
	if _, err := c.Execute(ctx, bridge.ActionNavigateTo, params); err != nil {
		return bridge.Response{}, err
	}
	return c.Scan(ctx)
}

// cmdFarmListAPICall forwards a page-level farm-list API POST to the
// executor, which performs the fetch() in-page so it carries the browser's
// existing session cookies. The X-Version header is an opaque,
// operator-configured pass-through: this service has no way to derive the
// value itself, so it is never hardcoded or guessed, only forwarded from
// per-server config.
func (s *Supervisor) cmdFarmListAPICall(ctx context.Context, inst *instanceHandle, params json.RawMessage) Response {
	c, err := s.conn(inst)
	if err != nil {
		return errResp(err)
	}

	var body map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &body); err != nil {
			return errResp(fmt.Errorf("supervisor: decode farm list api params: %w", err))
		}
	}
	if body == nil {
		body = map[string]any{}
	}
	if v := inst.eng.Config().FarmAPIVersionHeader; v != "" {
		body["xVersion"] = v
	}
	merged, err := json.Marshal(body)
	if err != nil {
		return errResp(err)
	}

	resp, err := c.Execute(ctx, bridge.ActionSendFarmList, merged)
	if err != nil {
		return errResp(err)
	}
	if !resp.Success {
		return errResp(fmt.Errorf("supervisor: farm list api call failed: %s", resp.Reason))
	}
	return okResp(resp.Data)
}

func (s *Supervisor) cmdSwitchVillage(ctx context.Context, inst *instanceHandle, params json.RawMessage) Response {
	c, err := s.conn(inst)
	if err != nil {
		return errResp(err)
	}
	resp, err := c.Execute(ctx, bridge.ActionSwitchVillage, params)
	if err != nil {
		return errResp(err)
	}
	if !resp.Success {
		return errResp(fmt.Errorf("supervisor: switch village failed: %s", resp.Reason))
	}
	return okResp(resp.Data)
}
