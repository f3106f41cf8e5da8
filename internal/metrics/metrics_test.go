package metrics

import "testing"

func TestRingCapsAt25(t *testing.T) {
	var r ring
	for i := 0; i < 100; i++ {
		r.push(int64(i))
	}
	vals := r.values()
	if len(vals) != ringCap {
		t.Fatalf("len(values) = %d, want %d", len(vals), ringCap)
	}
	if vals[0] != 75 || vals[len(vals)-1] != 99 {
		t.Errorf("ring did not keep the most recent %d samples: got %v", ringCap, vals)
	}
}

func TestSnapshotIncludesPushedPool(t *testing.T) {
	m := &Metrics{}
	m.PushStartMS("poolA", 1234)
	m.RecordLaunch("poolA")
	m.SetStats("poolA", 5, 3, 2, 1, 2)

	snap := m.Snapshot()
	pools, ok := snap["pools"].(map[string]interface{})
	if !ok {
		t.Fatalf("snapshot missing pools map: %#v", snap)
	}
	if _, ok := pools["poolA"]; !ok {
		t.Fatalf("snapshot missing poolA: %#v", pools)
	}
}

func TestStageFailsRecordsVMIDs(t *testing.T) {
	m := &Metrics{}
	m.PushStageFail("poolB", "vm-dead-1")
	m.PushStageFail("poolB", "vm-dead-2")

	snap := m.Snapshot()
	pools := snap["pools"].(map[string]interface{})
	pb := pools["poolB"].(map[string]interface{})
	fails := pb["vm_browser_stage_fails"].([]string)
	if len(fails) != 2 || fails[0] != "vm-dead-1" || fails[1] != "vm-dead-2" {
		t.Errorf("stage fails = %v, want the two vmids in order", fails)
	}
}
