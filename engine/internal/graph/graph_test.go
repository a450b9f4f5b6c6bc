package graph

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siridech-bo/cira-claw/engine/internal/state"
	"github.com/siridech-bo/cira-claw/engine/models"
	"github.com/siridech-bo/cira-claw/engine/sockets"
)

func atomicNode(id, ruleID string, t sockets.Type) models.CompositeNode {
	return models.CompositeNode{ID: id, Type: models.NodeAtomic, Data: models.NodeData{RuleID: ruleID, SocketType: t}}
}

func gateNode(id string, t models.NodeType) models.CompositeNode {
	return models.CompositeNode{ID: id, Type: t, Data: models.NodeData{GateType: string(t)}}
}

func outputNode(id string, action models.ActionVerdict) models.CompositeNode {
	return models.CompositeNode{ID: id, Type: models.NodeOutput, Data: models.NodeData{Output: &action}}
}

func wire(id, src, dst, dstSocket string) models.CompositeConnection {
	return models.CompositeConnection{ID: id, SourceNode: src, SourceSocket: SocketOut, TargetNode: dst, TargetSocket: dstSocket}
}

func payloadMap(t *testing.T, p *models.WorldPayload) map[string]any {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func triggeredResult() models.AtomicResult {
	return models.AtomicResult{Success: true, Action: &models.ActionVerdict{Action: models.ActionAlert}}
}

func passResult() models.AtomicResult {
	return models.AtomicResult{Success: true, Action: &models.ActionVerdict{Action: models.ActionPass}}
}

var evalNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestValidateAcceptsAndOfTwoConditions(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-and",
		Nodes: []models.CompositeNode{
			{ID: "thr", Type: models.NodeThreshold, Data: models.NodeData{Field: "stats.fps", Operator: ">", Threshold: 80}},
			atomicNode("atom", "node_online", sockets.SystemHealth),
			gateNode("and", models.NodeAnd),
			outputNode("out", models.ActionVerdict{Action: models.ActionAlert}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "thr", "and", SocketA),
			wire("c2", "atom", "and", SocketB),
			wire("c3", "and", "out", SocketIn),
		},
	}
	require.NoError(t, Validate(rule))
}

func TestValidateRejectsCycle(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-cycle",
		Nodes: []models.CompositeNode{
			gateNode("node-a", models.NodeNot),
			gateNode("node-b", models.NodeNot),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "node-a", "node-b", SocketIn),
			wire("c2", "node-b", "node-a", SocketIn),
		},
	}
	err := Validate(rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle at node-a")
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestValidateRejectsIncompatibleSockets(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-socket",
		Nodes: []models.CompositeNode{
			atomicNode("atom", "confidence_low", sockets.VisionConfidence),
			{ID: "window", Type: models.NodeStateful, Data: models.NodeData{
				Condition: models.StatefulCountWindow, AcceptsSocketType: sockets.SignalRate, Count: 3, WindowMinutes: 5,
			}},
			outputNode("out", models.ActionVerdict{Action: models.ActionReject}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "atom", "window", SocketIn),
			wire("c2", "window", "out", SocketIn),
		},
	}
	err := Validate(rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not compatible")
}

func TestValidateRejectsMissingEndpoint(t *testing.T) {
	rule := &models.CompositeRule{
		ID:          "comp-missing",
		Nodes:       []models.CompositeNode{outputNode("out", models.ActionVerdict{Action: models.ActionLog})},
		Connections: []models.CompositeConnection{wire("c1", "ghost", "out", SocketIn)},
	}
	err := Validate(rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestValidateRejectsWrongArity(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-arity",
		Nodes: []models.CompositeNode{
			atomicNode("atom", "r1", sockets.AnyBoolean),
			gateNode("and", models.NodeAnd),
			outputNode("out", models.ActionVerdict{Action: models.ActionLog}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "atom", "and", SocketA),
			wire("c2", "and", "out", SocketIn),
		},
	}
	err := Validate(rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expects 2 input(s)")
}

func TestValidateRejectsDoubleWiredSocket(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-double",
		Nodes: []models.CompositeNode{
			atomicNode("a1", "r1", sockets.AnyBoolean),
			atomicNode("a2", "r2", sockets.AnyBoolean),
			outputNode("out", models.ActionVerdict{Action: models.ActionLog}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "a1", "out", SocketIn),
			wire("c2", "a2", "out", SocketIn),
		},
	}
	err := Validate(rule)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already wired")
}

func TestValidateRequiresReachableOutput(t *testing.T) {
	rule := &models.CompositeRule{
		ID:    "comp-noout",
		Nodes: []models.CompositeNode{atomicNode("atom", "r1", sockets.AnyBoolean)},
	}
	err := Validate(rule)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNoOutputNode)
}

func TestValidateRejectsSelfLoop(t *testing.T) {
	rule := &models.CompositeRule{
		ID:          "comp-self",
		Nodes:       []models.CompositeNode{gateNode("not", models.NodeNot), outputNode("out", models.ActionVerdict{Action: models.ActionLog})},
		Connections: []models.CompositeConnection{wire("c1", "not", "not", SocketIn), wire("c2", "not", "out", SocketIn)},
	}
	require.Error(t, Validate(rule))
}

func TestEvaluateAndOfTwoConditions(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-and",
		Nodes: []models.CompositeNode{
			{ID: "thr", Type: models.NodeThreshold, Data: models.NodeData{Field: "stats.fps", Operator: ">", Threshold: 80}},
			atomicNode("atom", "node_online", sockets.SystemHealth),
			gateNode("and", models.NodeAnd),
			outputNode("out", models.ActionVerdict{Action: models.ActionAlert, Severity: models.SeverityWarning}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "thr", "and", SocketA),
			wire("c2", "atom", "and", SocketB),
			wire("c3", "and", "out", SocketIn),
		},
	}
	states := state.NewStore()

	// Both true.
	p := payloadMap(t, &models.WorldPayload{Stats: models.PayloadStats{FPS: 90}})
	res := Evaluate(rule, "jetson-1", map[string]models.AtomicResult{"node_online": triggeredResult()}, p, states, evalNow)
	require.True(t, res.Success, res.Error)
	assert.True(t, res.Triggered)
	require.NotNil(t, res.Action)
	assert.Equal(t, models.ActionAlert, res.Action.Action)
	assert.True(t, res.NodeResults["thr"])
	assert.True(t, res.NodeResults["and"])

	// Threshold false.
	p = payloadMap(t, &models.WorldPayload{Stats: models.PayloadStats{FPS: 50}})
	res = Evaluate(rule, "jetson-1", map[string]models.AtomicResult{"node_online": triggeredResult()}, p, states, evalNow)
	require.True(t, res.Success)
	assert.False(t, res.Triggered)
	assert.Nil(t, res.Action)

	// Atomic pass.
	p = payloadMap(t, &models.WorldPayload{Stats: models.PayloadStats{FPS: 90}})
	res = Evaluate(rule, "jetson-1", map[string]models.AtomicResult{"node_online": passResult()}, p, states, evalNow)
	require.True(t, res.Success)
	assert.False(t, res.Triggered)
}

func TestEvaluateThresholdMissingFieldIsFalse(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-missing-field",
		Nodes: []models.CompositeNode{
			{ID: "thr", Type: models.NodeThreshold, Data: models.NodeData{Field: "stats.temperature", Operator: ">", Threshold: 10}},
			outputNode("out", models.ActionVerdict{Action: models.ActionLog}),
		},
		Connections: []models.CompositeConnection{wire("c1", "thr", "out", SocketIn)},
	}
	p := payloadMap(t, &models.WorldPayload{Stats: models.PayloadStats{FPS: 99}})
	res := Evaluate(rule, "n", nil, p, state.NewStore(), evalNow)
	require.True(t, res.Success)
	assert.False(t, res.Triggered)
	assert.False(t, res.NodeResults["thr"])
}

func TestEvaluateCountWindowComposite(t *testing.T) {
	// "Three scratches in five minutes": atomic -> count_window(3, 5min) -> reject.
	rule := &models.CompositeRule{
		ID: "comp-scratch",
		Nodes: []models.CompositeNode{
			atomicNode("atom", "scratch_present", sockets.VisionDetection),
			{ID: "window", Type: models.NodeStateful, Data: models.NodeData{
				Condition: models.StatefulCountWindow, AcceptsSocketType: sockets.BooleanAny, Count: 3, WindowMinutes: 5,
			}},
			outputNode("out", models.ActionVerdict{Action: models.ActionReject}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "atom", "window", SocketIn),
			wire("c2", "window", "out", SocketIn),
		},
	}
	require.NoError(t, Validate(rule))

	states := state.NewStore()
	p := payloadMap(t, &models.WorldPayload{})
	results := map[string]models.AtomicResult{"scratch_present": triggeredResult()}

	res := Evaluate(rule, "jetson-1", results, p, states, evalNow)
	require.True(t, res.Success)
	assert.False(t, res.Triggered)

	res = Evaluate(rule, "jetson-1", results, p, states, evalNow.Add(2*time.Minute))
	assert.False(t, res.Triggered)

	res = Evaluate(rule, "jetson-1", results, p, states, evalNow.Add(4*time.Minute))
	require.True(t, res.Success)
	assert.True(t, res.Triggered)
	require.NotNil(t, res.Action)
	assert.Equal(t, models.ActionReject, res.Action.Action)
}

func TestEvaluateStateScopedPerFleetNode(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-scope",
		Nodes: []models.CompositeNode{
			atomicNode("atom", "r", sockets.AnyBoolean),
			{ID: "window", Type: models.NodeStateful, Data: models.NodeData{
				Condition: models.StatefulCountWindow, Count: 2, WindowMinutes: 5,
			}},
			outputNode("out", models.ActionVerdict{Action: models.ActionReject}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "atom", "window", SocketIn),
			wire("c2", "window", "out", SocketIn),
		},
	}
	states := state.NewStore()
	p := payloadMap(t, &models.WorldPayload{})
	results := map[string]models.AtomicResult{"r": triggeredResult()}

	Evaluate(rule, "cam-a", results, p, states, evalNow)
	res := Evaluate(rule, "cam-b", results, p, states, evalNow.Add(time.Second))
	assert.False(t, res.Triggered, "cam-b must not see cam-a's events")
	res = Evaluate(rule, "cam-a", results, p, states, evalNow.Add(2*time.Second))
	assert.True(t, res.Triggered)
}

func TestEvaluateNotGateAndConstant(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-not",
		Nodes: []models.CompositeNode{
			{ID: "const", Type: models.NodeConstant, Data: models.NodeData{Value: false}},
			gateNode("not", models.NodeNot),
			outputNode("out", models.ActionVerdict{Action: models.ActionLog, Reason: "inverted"}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "const", "not", SocketIn),
			wire("c2", "not", "out", SocketIn),
		},
	}
	res := Evaluate(rule, "n", nil, payloadMap(t, &models.WorldPayload{}), state.NewStore(), evalNow)
	require.True(t, res.Success)
	assert.True(t, res.Triggered)
	assert.Equal(t, "inverted", res.Action.Reason)
	assert.False(t, res.NodeResults["const"])
	assert.True(t, res.NodeResults["not"])
}

func TestEvaluateMissingAtomicRuleFails(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-dangling",
		Nodes: []models.CompositeNode{
			atomicNode("atom", "deleted_rule", sockets.AnyBoolean),
			outputNode("out", models.ActionVerdict{Action: models.ActionLog}),
		},
		Connections: []models.CompositeConnection{wire("c1", "atom", "out", SocketIn)},
	}
	res := Evaluate(rule, "n", map[string]models.AtomicResult{}, payloadMap(t, &models.WorldPayload{}), state.NewStore(), evalNow)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "deleted_rule")
}

func TestEvaluateFailureDiscardsStagedState(t *testing.T) {
	// Window sees a true input, then a later node fails; the event must not stick.
	rule := &models.CompositeRule{
		ID: "comp-rollback",
		Nodes: []models.CompositeNode{
			atomicNode("a-good", "present", sockets.AnyBoolean),
			{ID: "window", Type: models.NodeStateful, Data: models.NodeData{
				Condition: models.StatefulCountWindow, Count: 1, WindowMinutes: 5,
			}},
			gateNode("and", models.NodeAnd),
			atomicNode("z-bad", "missing", sockets.AnyBoolean),
			outputNode("out", models.ActionVerdict{Action: models.ActionReject}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "a-good", "window", SocketIn),
			wire("c2", "window", "and", SocketA),
			wire("c3", "z-bad", "and", SocketB),
			wire("c4", "and", "out", SocketIn),
		},
	}
	states := state.NewStore()
	results := map[string]models.AtomicResult{"present": triggeredResult()}
	res := Evaluate(rule, "n", results, payloadMap(t, &models.WorldPayload{}), states, evalNow)
	require.False(t, res.Success)
	assert.Empty(t, states.Summaries("comp-rollback"), "staged window event must be discarded")
}

func TestEvaluateDeterministic(t *testing.T) {
	rule := &models.CompositeRule{
		ID: "comp-det",
		Nodes: []models.CompositeNode{
			{ID: "thr", Type: models.NodeThreshold, Data: models.NodeData{Field: "stats.defects_per_hour", Operator: ">=", Threshold: 5}},
			{ID: "const", Type: models.NodeConstant, Data: models.NodeData{Value: true}},
			gateNode("or", models.NodeOr),
			outputNode("out", models.ActionVerdict{Action: models.ActionAlert}),
		},
		Connections: []models.CompositeConnection{
			wire("c1", "thr", "or", SocketA),
			wire("c2", "const", "or", SocketB),
			wire("c3", "or", "out", SocketIn),
		},
	}
	p := payloadMap(t, &models.WorldPayload{Stats: models.PayloadStats{DefectsPerHour: 7}})
	a := Evaluate(rule, "n", nil, p, state.NewStore(), evalNow)
	b := Evaluate(rule, "n", nil, p, state.NewStore(), evalNow)
	a.ExecutionMS, b.ExecutionMS = 0, 0
	assert.Equal(t, a, b)
}
