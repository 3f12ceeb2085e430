package model

import "testing"

func TestValueEqualComparesByKind(t *testing.T) {
	if !IntValue(5).Equal(IntValue(5)) {
		t.Fatal("expected equal int values to compare equal")
	}
	if IntValue(5).Equal(IntValue(6)) {
		t.Fatal("expected different int values to compare unequal")
	}
	if IntValue(5).Equal(BoolValue(true)) {
		t.Fatal("expected values of different kinds to compare unequal")
	}
}

func TestValueEqualComparesMultiFieldByField(t *testing.T) {
	a := MultiValue(map[string]any{"mode": "auto", "speed": 3})
	b := MultiValue(map[string]any{"mode": "auto", "speed": 3})
	c := MultiValue(map[string]any{"mode": "manual", "speed": 3})
	if !a.Equal(b) {
		t.Fatal("expected identical multi values to compare equal")
	}
	if a.Equal(c) {
		t.Fatal("expected differing multi field to compare unequal")
	}
	if a.Equal(MultiValue(map[string]any{"mode": "auto"})) {
		t.Fatal("expected differing field counts to compare unequal")
	}
}

func TestParameterPathJoinsGroupAndName(t *testing.T) {
	p := Parameter{Group: "Exposure", Name: "iris.pos"}
	if got := p.Path(); got != "Exposure.iris.pos" {
		t.Fatalf("expected Exposure.iris.pos, got %q", got)
	}
}

func TestNewParameterGroupSeedsZeroValues(t *testing.T) {
	kinds := map[string]ValueKind{"mode": KindChoice, "gain-value": KindInt}
	pg := NewParameterGroup("Camera", []string{"mode", "gain-value"}, kinds)

	if len(pg.Parameters) != 2 {
		t.Fatalf("expected 2 parameters, got %d", len(pg.Parameters))
	}
	mode := pg.Parameters["mode"]
	if mode.Current.Kind != KindChoice || mode.Group != "Camera" || mode.Name != "mode" {
		t.Fatalf("unexpected mode parameter: %+v", mode)
	}
	if pg.Parameters["gain-value"].Current.Kind != KindInt {
		t.Fatal("expected gain-value to be seeded as an int kind")
	}
}

func TestPatchApplyReportsOnlyChangedFields(t *testing.T) {
	cfg := DeviceConfig{DisplayName: "Old", Host: "10.0.0.1", Port: 80}
	name := "New"
	sameHost := "10.0.0.1"
	patch := Patch{DisplayName: &name, Host: &sameHost}

	changed := patch.Apply(&cfg)

	if cfg.DisplayName != "New" {
		t.Fatalf("expected display name to be applied, got %q", cfg.DisplayName)
	}
	if len(changed) != 1 || changed[0] != "displayName" {
		t.Fatalf("expected only displayName reported changed (host unchanged), got %v", changed)
	}
}

func TestPatchApplyNoOpOnNilFields(t *testing.T) {
	cfg := DeviceConfig{DisplayName: "Stays"}
	changed := Patch{}.Apply(&cfg)
	if changed != nil {
		t.Fatalf("expected no changes for an all-nil patch, got %v", changed)
	}
	if cfg.DisplayName != "Stays" {
		t.Fatal("expected the config to be untouched")
	}
}

func TestTallySourceEmptyReflectsUnsetType(t *testing.T) {
	if !(TallySource{}).Empty() {
		t.Fatal("expected a zero-value TallySource to be empty")
	}
	if (TallySource{Type: TallyTypeRH}).Empty() {
		t.Fatal("expected a source with a tally type set to not be empty")
	}
}

func TestNewDeviceIdCombinesModelAndSerial(t *testing.T) {
	id := NewDeviceId("KY-PZ100", "ABC123")
	if id != "KY-PZ100-ABC123" {
		t.Fatalf("unexpected device id: %s", id)
	}
}
