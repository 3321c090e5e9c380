package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/domain"
)

// taskParams is the subset of Task.Params the dispatcher reads. Unknown
// fields are ignored; params come from the page and are validated rather
// than trusted.
type taskParams struct {
	Page            string          `json:"page,omitempty"`
	FieldID         string          `json:"fieldId,omitempty"`
	Slot            string          `json:"slot,omitempty"`
	Gid             string          `json:"gid,omitempty"`
	BuildingType    string          `json:"buildingType,omitempty"`
	TargetVillageID string          `json:"targetVillageId,omitempty"`
	ItemID          string          `json:"itemId,omitempty"`
	Mode            string          `json:"mode,omitempty"`
	Troops          json.RawMessage `json:"troops,omitempty"`
	UpgradeCostWood int             `json:"upgradeCostWood,omitempty"`
	UpgradeCostClay int             `json:"upgradeCostClay,omitempty"`
	UpgradeCostIron int             `json:"upgradeCostIron,omitempty"`
	UpgradeCostCrop int             `json:"upgradeCostCrop,omitempty"`
}

func parseTaskParams(raw json.RawMessage) taskParams {
	var p taskParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

// navigateVerified navigates to page and confirms the executor reattached
// before returning. A navigation that cannot be verified reports
// page_mismatch.
func navigateVerified(ctx context.Context, conn *bridge.Conn, page string) (bridge.Response, error) {
	params, _ := json.Marshal(map[string]string{"page": page})
	resp, err := conn.Execute(ctx, bridge.ActionNavigateTo, params)
	if err != nil {
		return bridge.Response{}, err
	}
	if !resp.Success {
		return resp, nil
	}
	if !conn.WaitForContentScript(ctx, 15_000) {
		return bridge.Response{Success: false, Reason: bridge.ReasonPageMismatch}, nil
	}
	return resp, nil
}

// dispatchTask runs the per-task-type action sequence against conn,
// returning the final result.
func dispatchTask(ctx context.Context, conn *bridge.Conn, task *domain.Task) (bridge.Response, error) {
	p := parseTaskParams(task.Params)

	switch task.Type {
	case domain.TaskUpgradeResource:
		if r, err := navigateVerified(ctx, conn, "dorf1"); err != nil || !r.Success {
			return r, err
		}
		fieldParams, _ := json.Marshal(map[string]string{"fieldId": p.FieldID})
		if r, err := conn.Execute(ctx, bridge.ActionClickResourceField, fieldParams); err != nil || !r.Success {
			return r, err
		}
		return conn.Execute(ctx, bridge.ActionClickUpgradeButton, nil)

	case domain.TaskUpgradeBuilding:
		if r, err := navigateVerified(ctx, conn, "dorf2"); err != nil || !r.Success {
			return r, err
		}
		slotParams, _ := json.Marshal(map[string]string{"slot": p.Slot})
		if r, err := conn.Execute(ctx, bridge.ActionClickBuildingSlot, slotParams); err != nil || !r.Success {
			return r, err
		}
		return conn.Execute(ctx, bridge.ActionClickUpgradeButton, nil)

	case domain.TaskBuildNew:
		if r, err := navigateVerified(ctx, conn, "dorf2"); err != nil || !r.Success {
			return r, err
		}
		slotParams, _ := json.Marshal(map[string]string{"slot": p.Slot})
		if r, err := conn.Execute(ctx, bridge.ActionClickBuildingSlot, slotParams); err != nil || !r.Success {
			return r, err
		}
		if r, err := conn.Execute(ctx, bridge.ActionClickBuildTab, nil); err != nil || !r.Success {
			return r, err
		}
		gidParams, _ := json.Marshal(map[string]string{"gid": p.Gid})
		return conn.Execute(ctx, bridge.ActionBuildNewByGid, gidParams)

	case domain.TaskTrainTroops:
		page := p.Page
		if page == "" {
			page = "barracks"
		}
		if r, err := navigateVerified(ctx, conn, page); err != nil || !r.Success {
			return r, err
		}
		return conn.Execute(ctx, bridge.ActionTrainTroops, task.Params)

	case domain.TaskTrainTraps:
		page := p.Page
		if page == "" {
			page = "trapper"
		}
		if r, err := navigateVerified(ctx, conn, page); err != nil || !r.Success {
			return r, err
		}
		return conn.Execute(ctx, bridge.ActionTrainTraps, task.Params)

	case domain.TaskSendFarm:
		if r, err := navigateVerified(ctx, conn, "farmList"); err != nil || !r.Success {
			return r, err
		}
		if r, err := conn.Execute(ctx, bridge.ActionClickFarmListTab, nil); err != nil || !r.Success {
			return r, err
		}
		switch p.Mode {
		case "all":
			return conn.Execute(ctx, bridge.ActionSendAllFarmLists, nil)
		case "selective":
			return conn.Execute(ctx, bridge.ActionSelectiveFarmSend, task.Params)
		default:
			return conn.Execute(ctx, bridge.ActionSendFarmList, task.Params)
		}

	case domain.TaskSendAttack:
		if r, err := navigateVerified(ctx, conn, "rallyPoint"); err != nil || !r.Success {
			return r, err
		}
		return conn.Execute(ctx, bridge.ActionSendAttack, task.Params)

	case domain.TaskHeroAdventure:
		if r, err := navigateVerified(ctx, conn, "hero"); err != nil || !r.Success {
			return r, err
		}
		return conn.Execute(ctx, bridge.ActionSendHeroAdventure, nil)

	case domain.TaskUseHeroItem:
		if r, err := navigateVerified(ctx, conn, "heroInventory"); err != nil || !r.Success {
			return r, err
		}
		itemParams, _ := json.Marshal(map[string]string{"itemId": p.ItemID})
		return conn.Execute(ctx, bridge.ActionUseHeroItem, itemParams)

	case domain.TaskNavigate:
		page := p.Page
		if page == "" {
			page = "dorf1"
		}
		return navigateVerified(ctx, conn, page)

	case domain.TaskSwitchVillage:
		villageParams, _ := json.Marshal(map[string]string{"targetVillageId": p.TargetVillageID})
		return conn.Execute(ctx, bridge.ActionSwitchVillage, villageParams)

	default:
		return bridge.Response{}, fmt.Errorf("engine: no dispatcher registered for task type %q", task.Type)
	}
}

// endsOnOverview reports task types that already finish on the
// resource-overview page, so returnHome is a no-op for them.
func endsOnOverview(t domain.TaskType) bool {
	switch t {
	case domain.TaskUpgradeResource, domain.TaskNavigate, domain.TaskSwitchVillage:
		return true
	default:
		return false
	}
}
