package domain

import "testing"

func TestNormalizeServerKey(t *testing.T) {
	cases := []struct {
		in   string
		want ServerKey
	}{
		{"Example.Com", "example.com"},
		{"  travian.example.com  ", "travian.example.com"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeServerKey(c.in); got != c.want {
			t.Errorf("NormalizeServerKey(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDedupKeyBuildLike(t *testing.T) {
	a := &Task{Type: TaskUpgradeResource, VillageID: "v1", Params: []byte(`{"fieldId":"3"}`)}
	b := &Task{Type: TaskUpgradeResource, VillageID: "v1", Params: []byte(`{"fieldId":"3"}`)}
	c := &Task{Type: TaskUpgradeResource, VillageID: "v1", Params: []byte(`{"fieldId":"4"}`)}

	if a.DedupKey() != b.DedupKey() {
		t.Fatalf("identical build-like tasks should share a dedup key: %q vs %q", a.DedupKey(), b.DedupKey())
	}
	if a.DedupKey() == c.DedupKey() {
		t.Fatalf("different fieldId should not share a dedup key")
	}
}

func TestDedupKeySlotAndGid(t *testing.T) {
	slot := &Task{Type: TaskUpgradeBuilding, VillageID: "v1", Params: []byte(`{"slot":"26"}`)}
	gid := &Task{Type: TaskBuildNew, VillageID: "v1", Params: []byte(`{"gid":"11"}`)}
	if slot.DedupKey() == "" || gid.DedupKey() == "" {
		t.Fatalf("slot/gid dedup targets should produce non-empty keys")
	}
}

func TestDedupKeyTrainTroops(t *testing.T) {
	a := &Task{Type: TaskTrainTroops, VillageID: "v1", Params: []byte(`{"buildingType":"barracks"}`)}
	b := &Task{Type: TaskTrainTroops, VillageID: "v1", Params: []byte(`{"buildingType":"stable"}`)}
	if a.DedupKey() == b.DedupKey() {
		t.Fatalf("different buildingType should not collide")
	}
}

func TestDedupKeySendFarmCollidesOnVillageAlone(t *testing.T) {
	a := &Task{Type: TaskSendFarm, VillageID: "v1", Params: []byte(`{"listId":"1"}`)}
	b := &Task{Type: TaskSendFarm, VillageID: "v1", Params: []byte(`{"listId":"2"}`)}
	if a.DedupKey() != b.DedupKey() {
		t.Fatalf("any non-terminal send_farm for the same villageId must collide")
	}
}

func TestDedupKeyNotDeduped(t *testing.T) {
	a := &Task{Type: TaskNavigate, VillageID: "v1"}
	if a.DedupKey() != "" {
		t.Fatalf("navigate tasks should not be deduplicated, got %q", a.DedupKey())
	}
}

func TestCooldownKey(t *testing.T) {
	build := &Task{Type: TaskUpgradeResource, Params: []byte(`{"fieldId":"3"}`)}
	if got, want := build.CooldownKey(), "upgrade_resource:3"; got != want {
		t.Errorf("CooldownKey() = %q, want %q", got, want)
	}
	other := &Task{Type: TaskSendAttack}
	if got, want := other.CooldownKey(), "send_attack"; got != want {
		t.Errorf("CooldownKey() = %q, want %q", got, want)
	}
}

func TestIsTerminal(t *testing.T) {
	for status, want := range map[TaskStatus]bool{
		TaskPending:   false,
		TaskRunning:   false,
		TaskCompleted: true,
		TaskFailed:    true,
	} {
		tk := &Task{Status: status}
		if tk.IsTerminal() != want {
			t.Errorf("IsTerminal() for status %q = %v, want %v", status, tk.IsTerminal(), want)
		}
	}
}

func TestMalformedParamsNeverPanics(t *testing.T) {
	tk := &Task{Type: TaskUpgradeResource, Params: []byte(`not json`)}
	if tk.DedupKey() != "upgrade_resource||" {
		t.Errorf("malformed params should degrade to an empty dedup target, got %q", tk.DedupKey())
	}
}

func TestResourceSnapshotPercentFull(t *testing.T) {
	r := &ResourceSnapshot{Wood: 80, WoodCap: 800, Clay: 400, ClayCap: 800, Iron: 600, IronCap: 800, Crop: 700, CropCap: 800}
	if got := r.PercentFull(); got != 0.1 {
		t.Errorf("PercentFull() = %v, want 0.1 (wood is the lowest-stocked)", got)
	}

	var nilR *ResourceSnapshot
	if got := nilR.PercentFull(); got != 1 {
		t.Errorf("nil ResourceSnapshot.PercentFull() = %v, want 1", got)
	}
}

func TestResourceSnapshotAnyBelow(t *testing.T) {
	r := &ResourceSnapshot{Wood: 80, WoodCap: 800, Clay: 700, ClayCap: 800, Iron: 700, IronCap: 800, Crop: 700, CropCap: 800}
	if !r.AnyBelow(0.2) {
		t.Errorf("expected wood at 10%% to trip AnyBelow(0.2)")
	}
	if r.AnyBelow(0.05) {
		t.Errorf("no resource is below 5%%")
	}
}

func TestFSMAllowedTransitions(t *testing.T) {
	allowed := []struct{ from, to EngineFSMState }{
		{StateStopped, StateScanning},
		{StateStopped, StateIdle},
		{StateScanning, StateDeciding},
		{StateDeciding, StateExecuting},
		{StateExecuting, StateCooldown},
		{StateCooldown, StateScanning},
		{StateIdle, StateScanning},
		{StatePaused, StateIdle},
		{StateEmergency, StateStopped},
	}
	for _, tc := range allowed {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", tc.from, tc.to)
		}
	}
}

func TestFSMRejectedTransitions(t *testing.T) {
	rejected := []struct{ from, to EngineFSMState }{
		{StateStopped, StateExecuting},
		{StateStopped, StateEmergency},
		{StateEmergency, StateIdle},
		{StateEmergency, StateScanning},
		{StateIdle, StateExecuting},
		{StateIdle, StateDeciding},
		{StateCooldown, StateExecuting},
	}
	for _, tc := range rejected {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("CanTransition(%s, %s) = true, want false", tc.from, tc.to)
		}
	}
}
