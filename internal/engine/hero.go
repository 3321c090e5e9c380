package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/harlowdev/questkeeper/internal/bridge"
	"github.com/harlowdev/questkeeper/internal/domain"
)

const (
	heroProactiveLowPct  = 0.20
	heroFillTargetPct    = 0.50
	heroClaimCooldownKey = "hero_resource_claim"

	heroClaimSuccessCooldown = 5 * time.Minute
	heroClaimFailCooldown    = 2 * time.Minute
)

// resourceDeficit is how much of each resource the hero should transfer in.
type resourceDeficit struct {
	Wood, Clay, Iron, Crop int
}

func (d resourceDeficit) isZero() bool {
	return d.Wood <= 0 && d.Clay <= 0 && d.Iron <= 0 && d.Crop <= 0
}

// deficitAgainstFillTarget computes how far each resource sits below
// fillTarget of its storage cap.
func deficitAgainstFillTarget(res *domain.ResourceSnapshot, fillTarget float64) resourceDeficit {
	if res == nil {
		return resourceDeficit{}
	}
	need := func(have, cap int) int {
		target := int(float64(cap) * fillTarget)
		if have >= target {
			return 0
		}
		return target - have
	}
	return resourceDeficit{
		Wood: need(res.Wood, res.WoodCap),
		Clay: need(res.Clay, res.ClayCap),
		Iron: need(res.Iron, res.IronCap),
		Crop: need(res.Crop, res.CropCap),
	}
}

// deficitAgainstCost computes the reactive variant's deficit against a
// task's known upgrade cost, falling back to the fill-target heuristic if
// the cost wasn't supplied.
func deficitAgainstCost(res *domain.ResourceSnapshot, p taskParams) resourceDeficit {
	if p.UpgradeCostWood == 0 && p.UpgradeCostClay == 0 && p.UpgradeCostIron == 0 && p.UpgradeCostCrop == 0 {
		return deficitAgainstFillTarget(res, heroFillTargetPct)
	}
	if res == nil {
		return resourceDeficit{}
	}
	need := func(have, cost int) int {
		if have >= cost {
			return 0
		}
		return cost - have
	}
	return resourceDeficit{
		Wood: need(res.Wood, p.UpgradeCostWood),
		Clay: need(res.Clay, p.UpgradeCostClay),
		Iron: need(res.Iron, p.UpgradeCostIron),
		Crop: need(res.Crop, p.UpgradeCostCrop),
	}
}

type heroInventoryScan struct {
	InventoryVersion int `json:"inventoryVersion"`
}

// heroResourceClaim navigates to the hero inventory, scans its items, and
// transfers deficit's resources: one bulk call on inventory UI v2, or a
// per-type loop on v1.
func (e *Engine) heroResourceClaim(ctx context.Context, conn *bridge.Conn, deficit resourceDeficit) bool {
	if deficit.isZero() {
		return false
	}

	if r, err := navigateVerified(ctx, conn, "heroInventory"); err != nil || !r.Success {
		e.setCooldown(heroClaimCooldownKey, heroClaimFailCooldown)
		return false
	}

	scanResp, err := conn.Execute(ctx, bridge.ActionScanHeroInventory, nil)
	if err != nil || !scanResp.Success {
		e.setCooldown(heroClaimCooldownKey, heroClaimFailCooldown)
		return false
	}
	var inv heroInventoryScan
	_ = json.Unmarshal(scanResp.Data, &inv)

	var ok bool
	if inv.InventoryVersion >= 2 {
		payload, _ := json.Marshal(deficit)
		resp, err := conn.Execute(ctx, bridge.ActionUseHeroItemBulk, payload)
		ok = err == nil && resp.Success
	} else {
		ok = true
		for _, leg := range []struct {
			kind   string
			amount int
		}{{"wood", deficit.Wood}, {"clay", deficit.Clay}, {"iron", deficit.Iron}, {"crop", deficit.Crop}} {
			if leg.amount <= 0 {
				continue
			}
			payload, _ := json.Marshal(map[string]any{"resource": leg.kind, "amount": leg.amount})
			resp, err := conn.Execute(ctx, bridge.ActionUseHeroItem, payload)
			if err != nil || !resp.Success {
				ok = false
			}
		}
	}

	if ok {
		e.setCooldown(heroClaimCooldownKey, heroClaimSuccessCooldown)
	} else {
		e.setCooldown(heroClaimCooldownKey, heroClaimFailCooldown)
	}
	return ok
}

// maybeProactiveHeroClaim runs the proactive hero-resource claim during
// the main loop: triggers only when a resource is critically low, the hero
// is home, its adventure cooldown has elapsed, and the claim itself isn't
// on cooldown.
func (e *Engine) maybeProactiveHeroClaim(ctx context.Context, conn *bridge.Conn, gs domain.GameState) bool {
	if e.onCooldown(heroClaimCooldownKey) {
		return false
	}
	if gs.Hero == nil || !gs.Hero.AtHome || !gs.Hero.CooldownElapsed {
		return false
	}
	if gs.Resources == nil || !gs.Resources.AnyBelow(heroProactiveLowPct) {
		return false
	}
	deficit := deficitAgainstFillTarget(gs.Resources, heroFillTargetPct)
	return e.heroResourceClaim(ctx, conn, deficit)
}
