package bridge

import "encoding/json"

// MessageType enumerates the request shapes sent to a page executor.
type MessageType string

const (
	MsgScan     MessageType = "SCAN"
	MsgExecute  MessageType = "EXECUTE"
	MsgGetState MessageType = "GET_STATE"
	MsgNotify   MessageType = "NOTIFY"
)

// Request is the envelope sent over the wire to a page-embedded executor.
type Request struct {
	Type      MessageType     `json:"type"`
	Action    string          `json:"action,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"_requestId,omitempty"`
}

// Response is the envelope read back from the executor.
type Response struct {
	RequestID string          `json:"_requestId,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Known action names consumed by the engine.
const (
	ActionNavigateTo         = "navigateTo"
	ActionClickResourceField = "clickResourceField"
	ActionClickBuildingSlot  = "clickBuildingSlot"
	ActionClickUpgradeButton = "clickUpgradeButton"
	ActionClickFarmListTab   = "clickFarmListTab"
	ActionClickBuildTab      = "clickBuildTab"
	ActionBuildNewByGid      = "buildNewByGid"
	ActionTrainTroops        = "trainTroops"
	ActionTrainTraps         = "trainTraps"
	ActionSendFarmList       = "sendFarmList"
	ActionSendAllFarmLists   = "sendAllFarmLists"
	ActionSelectiveFarmSend  = "selectiveFarmSend"
	ActionSendAttack         = "sendAttack"
	ActionSendHeroAdventure  = "sendHeroAdventure"
	ActionUseHeroItem        = "useHeroItem"
	ActionUseHeroItemBulk    = "useHeroItemBulk"
	ActionScanHeroInventory  = "scanHeroInventory"
	ActionSwitchVillage      = "switchVillage"
	ActionScanFarmListSlots  = "scanFarmListSlots"
	ActionAddToFarmList      = "addToFarmList"
)

// Known reason codes returned by EXECUTE.
const (
	ReasonSuccess               = "success"
	ReasonNoAdventure           = "no_adventure"
	ReasonHeroUnavailable       = "hero_unavailable"
	ReasonInsufficientResources = "insufficient_resources"
	ReasonQueueFull             = "queue_full"
	ReasonBuildingNotAvailable  = "building_not_available"
	ReasonNoItems               = "no_items"
	ReasonPageMismatch          = "page_mismatch"
	ReasonSlotOccupied          = "slot_occupied"
	ReasonPrerequisitesNotMet   = "prerequisites_not_met"
	ReasonInputNotFound         = "input_not_found"
	ReasonInputDisabled         = "input_disabled"
	ReasonButtonNotFound        = "button_not_found"
)

// HopelessReasons is the set of failure reasons that make retrying
// pointless in the short term.
var HopelessReasons = map[string]bool{
	ReasonNoAdventure:           true,
	ReasonHeroUnavailable:       true,
	ReasonInsufficientResources: true,
	ReasonQueueFull:             true,
	ReasonBuildingNotAvailable:  true,
	ReasonNoItems:               true,
	ReasonPageMismatch:          true,
	ReasonSlotOccupied:          true,
	ReasonPrerequisitesNotMet:   true,
	ReasonInputNotFound:         true,
	ReasonInputDisabled:         true,
}
