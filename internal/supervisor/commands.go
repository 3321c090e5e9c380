package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/domain"
	"github.com/harlowdev/questkeeper/internal/engine"
	"github.com/harlowdev/questkeeper/internal/logkeep"
	"github.com/harlowdev/questkeeper/internal/storage"
)

// Command enumerates the operator UI command set.
type Command string

const (
	CmdGetServers      Command = "GET_SERVERS"
	CmdGetStatus       Command = "GET_STATUS"
	CmdStartBot        Command = "START_BOT"
	CmdStopBot         Command = "STOP_BOT"
	CmdPauseBot        Command = "PAUSE_BOT"
	CmdEmergencyStop   Command = "EMERGENCY_STOP"
	CmdSaveConfig      Command = "SAVE_CONFIG"
	CmdGetLogs         Command = "GET_LOGS"
	CmdGetQueue        Command = "GET_QUEUE"
	CmdAddTask         Command = "ADD_TASK"
	CmdRemoveTask      Command = "REMOVE_TASK"
	CmdClearQueue      Command = "CLEAR_QUEUE"
	CmdGetStrategy     Command = "GET_STRATEGY"
	CmdGetFarmIntel    Command = "GET_FARM_INTEL"
	CmdRequestScan     Command = "REQUEST_SCAN"
	CmdFarmListAPICall Command = "FARM_LIST_API_CALL"
	CmdSwitchVillage   Command = "SWITCH_VILLAGE"
	CmdContentReady    Command = "CONTENT_READY"
	CmdScanFarmTargets Command = "SCAN_FARM_TARGETS"
)

// Request is one dispatched UI/page command.
type Request struct {
	Command   Command          `json:"command"`
	ServerKey domain.ServerKey `json:"serverKey,omitempty"`
	TabID     int              `json:"tabId,omitempty"`
	PageURL   string           `json:"pageUrl,omitempty"`
	Params    json.RawMessage  `json:"params,omitempty"`
}

// Response is the uniform envelope every command handler returns.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func errResp(err error) Response { return Response{Success: false, Error: err.Error()} }
func okResp(data any) Response   { return Response{Success: true, Data: data} }

// Dispatch routes req to its handler and records command metrics.
func (s *Supervisor) Dispatch(ctx context.Context, req Request) Response {
	start := timeNow()
	resp := s.dispatch(ctx, req)
	if s.metrics != nil {
		s.metrics.observeCommand(string(req.Command), resp.Success, timeNow().Sub(start).Seconds())
	}
	return resp
}

// timeNow is overridable in tests.
var timeNow = time.Now

func (s *Supervisor) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case CmdGetServers:
		return s.cmdGetServers(ctx)
	case CmdGetStatus:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdGetStatus(ctx, inst) })
	case CmdStartBot:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdStartBot(ctx, inst) })
	case CmdStopBot:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdStopBot(ctx, inst) })
	case CmdPauseBot:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdPauseBot(inst, req.Params) })
	case CmdEmergencyStop:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdEmergencyStop(ctx, inst, req.Params) })
	case CmdSaveConfig:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdSaveConfig(ctx, inst, req.Params) })
	case CmdGetLogs:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdGetLogs(ctx, inst) })
	case CmdGetQueue:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdGetQueue(inst) })
	case CmdAddTask:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdAddTask(inst, req.Params) })
	case CmdRemoveTask:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdRemoveTask(inst, req.Params) })
	case CmdClearQueue:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdClearQueue(inst) })
	case CmdGetStrategy:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdGetStrategy(inst) })
	case CmdGetFarmIntel:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdGetFarmIntel(inst) })
	case CmdRequestScan:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdRequestScan(ctx, inst) })
	case CmdFarmListAPICall:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdFarmListAPICall(ctx, inst, req.Params) })
	case CmdSwitchVillage:
		return s.withInstance(req, func(inst *instanceHandle) Response { return s.cmdSwitchVillage(ctx, inst, req.Params) })
	case CmdScanFarmTargets:
		return errResp(fmt.Errorf("supervisor: SCAN_FARM_TARGETS is handled by an external farm-intelligence module, not this core"))
	case CmdContentReady:
		if err := s.HandleContentReady(ctx, req.TabID, req.PageURL); err != nil {
			return errResp(err)
		}
		return okResp(nil)
	default:
		return errResp(fmt.Errorf("supervisor: unknown command %q", req.Command))
	}
}

// instanceHandle bundles what a per-instance command handler needs.
type instanceHandle struct {
	serverKey domain.ServerKey
	eng       *engine.Engine
	tabID     int
}

// withInstance resolves req to an Instance (by tab for page-originated
// requests, by explicit serverKey for operator-originated ones) and runs fn.
func (s *Supervisor) withInstance(req Request, fn func(*instanceHandle) Response) Response {
	if req.TabID != 0 {
		i, err := s.resolveByTab(req.TabID, req.PageURL)
		if err != nil {
			return errResp(err)
		}
		return fn(&instanceHandle{serverKey: i.ServerKey, eng: i.Engine, tabID: i.TabID()})
	}
	if req.ServerKey == "" {
		return errResp(fmt.Errorf("supervisor: command %q requires serverKey or tabId", req.Command))
	}
	i, err := s.resolveByServerKey(req.ServerKey)
	if err != nil {
		return errResp(err)
	}
	return fn(&instanceHandle{serverKey: i.ServerKey, eng: i.Engine, tabID: i.TabID()})
}

// conn resolves the instance's bound tab to a live bridge Conn.
func (s *Supervisor) conn(inst *instanceHandle) (*bridge.Conn, error) {
	if inst.tabID == 0 {
		return nil, fmt.Errorf("supervisor: %s has no bound tab", inst.serverKey)
	}
	return s.hub.RequireConn(inst.tabID)
}

func (s *Supervisor) cmdGetServers(ctx context.Context) Response {
	reg, err := s.store.LoadRegistry(ctx)
	if err != nil {
		return errResp(err)
	}
	type row struct {
		ServerKey  string `json:"serverKey"`
		Label      string `json:"label,omitempty"`
		LastUsed   string `json:"lastUsedRelative"`
		LastUsedAt string `json:"lastUsedAt"`
	}
	out := make([]row, 0, len(reg))
	for key, entry := range reg {
		out = append(out, row{
			ServerKey:  key,
			Label:      entry.Label,
			LastUsed:   humanize.Time(entry.LastUsedAt),
			LastUsedAt: entry.LastUsedAt.Format(time.RFC3339),
		})
	}
	return okResp(out)
}

func (s *Supervisor) cmdGetStatus(ctx context.Context, inst *instanceHandle) Response {
	status := map[string]any{
		"serverKey": inst.serverKey,
		"fsmState":  inst.eng.FSMState(),
		"stats":     inst.eng.Stats(),
		"queueSize": inst.eng.Queue().Size(),
	}
	if reason, at, ok := s.emergencyStatus(ctx, inst); ok {
		status["emergency"] = map[string]any{"reason": reason, "at": at}
		status["display"] = "Emergency: " + reason
	}
	return okResp(status)
}

// emergencyStatus resolves the emergency reason to show the operator. The
// marker persisted by EmergencyStop is preferred over the in-memory latch
// for one hour after it was recorded, so the reason survives a host
// restart that wiped engine state.
func (s *Supervisor) emergencyStatus(ctx context.Context, inst *instanceHandle) (string, time.Time, bool) {
	reason, at := inst.eng.EmergencyReason()

	var marker struct {
		ServerKey string    `json:"serverKey"`
		Reason    string    `json:"reason"`
		At        time.Time `json:"at"`
	}
	found, err := s.store.Get(ctx, storage.KeyEmergencyStop, &marker)
	if err != nil {
		s.logger.Warn("failed to read persisted emergency marker", zap.Error(err))
	}
	if found && marker.ServerKey == string(inst.serverKey) && timeNow().Sub(marker.At) < time.Hour {
		return marker.Reason, marker.At, true
	}
	if reason == "" {
		return "", time.Time{}, false
	}
	return reason, at, true
}

func (s *Supervisor) cmdStartBot(ctx context.Context, inst *instanceHandle) Response {
	if err := inst.eng.Start(ctx); err != nil {
		return errResp(err)
	}
	return okResp(nil)
}

func (s *Supervisor) cmdStopBot(ctx context.Context, inst *instanceHandle) Response {
	if err := inst.eng.Stop(ctx); err != nil {
		return errResp(err)
	}
	return okResp(nil)
}

func (s *Supervisor) cmdPauseBot(inst *instanceHandle, params json.RawMessage) Response {
	var p struct {
		Paused bool `json:"paused"`
	}
	p.Paused = true
	_ = json.Unmarshal(params, &p)
	inst.eng.SetPaused(p.Paused)
	return okResp(nil)
}

func (s *Supervisor) cmdEmergencyStop(ctx context.Context, inst *instanceHandle, params json.RawMessage) Response {
	var p struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(params, &p)
	if p.Reason == "" {
		p.Reason = "operator requested emergency stop"
	}
	if err := inst.eng.EmergencyStop(ctx, p.Reason); err != nil {
		return errResp(err)
	}
	return okResp(nil)
}

func (s *Supervisor) cmdSaveConfig(ctx context.Context, inst *instanceHandle, params json.RawMessage) Response {
	var cfg map[string]any
	if err := json.Unmarshal(params, &cfg); err != nil {
		return errResp(fmt.Errorf("supervisor: decode config: %w", err))
	}
	if err := s.store.SaveServerConfig(ctx, string(inst.serverKey), "", cfg); err != nil {
		return errResp(err)
	}
	return okResp(nil)
}

func (s *Supervisor) cmdGetLogs(ctx context.Context, inst *instanceHandle) Response {
	var entries []logkeep.Entry
	_, err := s.store.Get(ctx, storage.LogsKey(string(inst.serverKey)), &entries)
	if err != nil {
		return errResp(err)
	}
	return okResp(entries)
}

func (s *Supervisor) cmdGetQueue(inst *instanceHandle) Response {
	return okResp(inst.eng.Queue().GetAll())
}

func (s *Supervisor) cmdAddTask(inst *instanceHandle, params json.RawMessage) Response {
	var p struct {
		Type         domain.TaskType `json:"type"`
		Params       json.RawMessage `json:"params"`
		Priority     int             `json:"priority"`
		VillageID    string          `json:"villageId"`
		ScheduledFor int64           `json:"scheduledFor"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResp(fmt.Errorf("supervisor: decode add-task params: %w", err))
	}
	var scheduledFor time.Time
	if p.ScheduledFor > 0 {
		scheduledFor = time.UnixMilli(p.ScheduledFor)
	}
	id, added := inst.eng.Queue().Add(p.Type, p.Params, p.Priority, p.VillageID, scheduledFor)
	return okResp(map[string]any{"id": id, "added": added})
}

func (s *Supervisor) cmdRemoveTask(inst *instanceHandle, params json.RawMessage) Response {
	var p struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResp(fmt.Errorf("supervisor: decode remove-task params: %w", err))
	}
	return okResp(map[string]any{"removed": inst.eng.Queue().Remove(p.ID)})
}

func (s *Supervisor) cmdClearQueue(inst *instanceHandle) Response {
	inst.eng.Queue().Clear()
	return okResp(nil)
}
