package graph

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/siridech-bo/cira-claw/engine/internal/state"
	"github.com/siridech-bo/cira-claw/engine/models"
)

// Evaluate runs one composite rule against one fleet node's tick data and
// returns its result. State mutations for stateful nodes are committed when
// the whole graph evaluated cleanly and discarded otherwise, so a mid-graph
// failure never persists partial temporal state.
//
// Determinism: with the same payload, atomic verdicts, prior state and now,
// the result is bit-identical — node order comes from a deterministic
// topological sort and every operator is pure.
func Evaluate(
	rule *models.CompositeRule,
	fleetNode string,
	atomicResults map[string]models.AtomicResult,
	payload map[string]any,
	states *state.Store,
	now time.Time,
) models.CompositeResult {
	start := time.Now()
	res := models.CompositeResult{NodeResults: make(map[string]bool)}

	fail := func(err error) models.CompositeResult {
		states.Discard(rule.ID)
		res.Error = err.Error()
		res.ExecutionMS = float64(time.Since(start)) / float64(time.Millisecond)
		return res
	}

	if err := Validate(rule); err != nil {
		return fail(err)
	}

	byID := make(map[string]*models.CompositeNode, len(rule.Nodes))
	adj := make(map[string][]string)
	incoming := make(map[string]int)
	inWires := make(map[string][]models.CompositeConnection)
	for i := range rule.Nodes {
		byID[rule.Nodes[i].ID] = &rule.Nodes[i]
	}
	for _, c := range rule.Connections {
		adj[c.SourceNode] = append(adj[c.SourceNode], c.TargetNode)
		incoming[c.TargetNode]++
		inWires[c.TargetNode] = append(inWires[c.TargetNode], c)
	}

	order, err := topoSort(byID, adj, incoming)
	if err != nil {
		return fail(err)
	}

	// Incoming wires resolve in socket order (a before b) so gate semantics
	// are stable regardless of connection declaration order.
	for id := range inWires {
		ws := inWires[id]
		sort.Slice(ws, func(i, j int) bool { return ws[i].TargetSocket < ws[j].TargetSocket })
		inWires[id] = ws
	}

	values := make(map[string]bool, len(byID))
	inputs := func(id string) []bool {
		wires := inWires[id]
		vals := make([]bool, 0, len(wires))
		for _, w := range wires {
			vals = append(vals, values[w.SourceNode])
		}
		return vals
	}

	var triggered bool
	var action *models.ActionVerdict
	for _, id := range order {
		n := byID[id]
		var out bool
		switch n.Type {
		case models.NodeConstant:
			out = n.Data.Value

		case models.NodeAtomic:
			ar, ok := atomicResults[n.Data.RuleID]
			if !ok {
				return fail(fmt.Errorf("node %s: atomic rule %s was not evaluated this tick", id, n.Data.RuleID))
			}
			out = ar.Triggered()

		case models.NodeThreshold:
			val, ok := lookupNumeric(payload, n.Data.Field)
			if ok {
				out = compare(val, n.Data.Operator, n.Data.Threshold)
			}

		case models.NodeAnd:
			in := inputs(id)
			if len(in) != 2 {
				return fail(fmt.Errorf("node %s: AND gate requires 2 inputs", id))
			}
			out = in[0] && in[1]

		case models.NodeOr:
			in := inputs(id)
			if len(in) != 2 {
				return fail(fmt.Errorf("node %s: OR gate requires 2 inputs", id))
			}
			out = in[0] || in[1]

		case models.NodeNot:
			in := inputs(id)
			if len(in) != 1 {
				return fail(fmt.Errorf("node %s: NOT gate requires 1 input", id))
			}
			out = !in[0]

		case models.NodeStateful:
			in := inputs(id)
			if len(in) != 1 {
				return fail(fmt.Errorf("node %s: stateful node requires 1 input", id))
			}
			out = states.Evaluate(rule.ID, instanceID(fleetNode, id), n.Data, in[0], now)

		case models.NodeOutput:
			in := inputs(id)
			if len(in) != 1 {
				return fail(fmt.Errorf("node %s: output node requires 1 input", id))
			}
			out = in[0]
			if out {
				triggered = true
				tmpl := n.Data.Output
				if tmpl == nil {
					tmpl = &rule.OutputAction
				}
				v := *tmpl
				action = &v
			}

		default:
			return fail(fmt.Errorf("node %s: unknown type %q", id, n.Type))
		}
		values[id] = out
		res.NodeResults[id] = out
	}

	states.Commit(rule.ID)
	res.Success = true
	res.Triggered = triggered
	res.Action = action
	res.ExecutionMS = float64(time.Since(start)) / float64(time.Millisecond)
	return res
}

// instanceID scopes temporal state per fleet node so two cameras never share
// a window or cooldown anchor.
func instanceID(fleetNode, graphNode string) string {
	if fleetNode == "" {
		return graphNode
	}
	return fleetNode + "/" + graphNode
}

// lookupNumeric resolves a payload path ("stats.fps", "payload.stats.fps",
// "stats.by_label.scratch") to a number. Missing paths report false.
func lookupNumeric(payload map[string]any, field string) (float64, bool) {
	path := strings.TrimPrefix(field, "payload.")
	cur := any(payload)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return 0, false
		}
		cur, ok = m[seg]
		if !ok {
			return 0, false
		}
	}
	switch v := cur.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func compare(val float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return val > threshold
	case "<":
		return val < threshold
	case ">=":
		return val >= threshold
	case "<=":
		return val <= threshold
	case "==":
		return val == threshold
	case "!=":
		return val != threshold
	}
	return false
}
