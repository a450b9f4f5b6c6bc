package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestVerdictTriggered(t *testing.T) {
	cases := []struct {
		verdict *ActionVerdict
		want    bool
	}{
		{nil, false},
		{&ActionVerdict{Action: ActionPass}, false},
		{&ActionVerdict{Action: ActionReject}, true},
		{&ActionVerdict{Action: ActionAlert, Severity: SeverityWarning}, true},
		{&ActionVerdict{Action: ActionLog}, true},
		{&ActionVerdict{Action: ActionModbusWrite, Register: 3, Value: 1}, true},
	}
	for _, tc := range cases {
		if got := tc.verdict.Triggered(); got != tc.want {
			t.Errorf("Triggered(%+v) = %v, want %v", tc.verdict, got, tc.want)
		}
	}
}

func TestValidAction(t *testing.T) {
	for _, k := range []ActionKind{ActionPass, ActionReject, ActionAlert, ActionLog, ActionModbusWrite} {
		if !ValidAction(k) {
			t.Errorf("%s should be valid", k)
		}
	}
	if ValidAction("explode") || ValidAction("") {
		t.Error("unknown actions must be invalid")
	}
}

func TestRuleErrorKind(t *testing.T) {
	base := errors.New("boom")
	err := NewRuleError(KindSandbox, "evaluate rule", "r1", base)
	if KindOf(err) != KindSandbox {
		t.Fatalf("KindOf = %s", KindOf(err))
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped error must unwrap")
	}
	if KindOf(errors.New("untyped")) != "" {
		t.Fatal("untyped errors have no kind")
	}
	if NewRuleError(KindFatal, "op", "", nil) != nil {
		t.Fatal("nil error stays nil")
	}
}

func TestVerdictJSONShape(t *testing.T) {
	v := ActionVerdict{Action: ActionAlert, Severity: SeverityWarning, Message: "high defect rate"}
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)
	want := `{"action":"alert","severity":"warning","message":"high defect rate"}`
	if got != want {
		t.Fatalf("marshal = %s, want %s", got, want)
	}
}

func TestCompositeRuleNodeLookup(t *testing.T) {
	r := CompositeRule{Nodes: []CompositeNode{{ID: "a"}, {ID: "b"}}}
	if n := r.Node("b"); n == nil || n.ID != "b" {
		t.Fatal("lookup failed")
	}
	if r.Node("ghost") != nil {
		t.Fatal("missing node must be nil")
	}
}
