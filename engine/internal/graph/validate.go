package graph

import (
	"sort"

	"github.com/siridech-bo/cira-claw/engine/models"
	"github.com/siridech-bo/cira-claw/engine/sockets"
)

// Validate checks a composite rule graph: endpoint existence, socket
// compatibility, acyclicity, gate arity and output reachability. It runs on
// every save and import, and again at the start of every Evaluate call.
func Validate(rule *models.CompositeRule) error {
	byID := make(map[string]*models.CompositeNode, len(rule.Nodes))
	for i := range rule.Nodes {
		n := &rule.Nodes[i]
		if n.ID == "" {
			return validationErr("node without id")
		}
		if byID[n.ID] != nil {
			return validationErr("duplicate node id %s", n.ID)
		}
		if !validNodeType(n.Type) {
			return validationErr("node %s: unknown type %q", n.ID, n.Type)
		}
		switch n.Type {
		case models.NodeAtomic:
			if n.Data.RuleID == "" {
				return validationErr("node %s: atomic node missing rule_id", n.ID)
			}
			if n.Data.SocketType != "" && !sockets.Valid(n.Data.SocketType) {
				return validationErr("node %s: invalid socket type %q", n.ID, n.Data.SocketType)
			}
		case models.NodeThreshold:
			if n.Data.Field == "" {
				return validationErr("node %s: threshold missing field", n.ID)
			}
			switch n.Data.Operator {
			case ">", "<", ">=", "<=", "==", "!=":
			default:
				return validationErr("node %s: unknown operator %q", n.ID, n.Data.Operator)
			}
		case models.NodeStateful:
			if !validStatefulKind(n.Data.Condition) {
				return validationErr("node %s: unknown condition %q", n.ID, n.Data.Condition)
			}
			if n.Data.Condition != models.StatefulConsecutive && n.Data.WindowMinutes <= 0 {
				return validationErr("node %s: window_minutes must be positive", n.ID)
			}
		}
		byID[n.ID] = n
	}

	incoming := make(map[string]int)
	seenTarget := make(map[string]bool) // nodeID+socket, one wire per input
	adj := make(map[string][]string)
	for _, c := range rule.Connections {
		src, ok := byID[c.SourceNode]
		if !ok {
			return validationErr("connection %s: source node %s not found", c.ID, c.SourceNode)
		}
		dst, ok := byID[c.TargetNode]
		if !ok {
			return validationErr("connection %s: target node %s not found", c.ID, c.TargetNode)
		}
		if c.SourceNode == c.TargetNode {
			return validationErr("connection %s: self-loop on %s", c.ID, c.SourceNode)
		}
		srcType, ok := outputType(src)
		if !ok || c.SourceSocket != SocketOut {
			return validationErr("connection %s: node %s has no output socket %q", c.ID, src.ID, c.SourceSocket)
		}
		ins := inputSockets(dst)
		dstType, ok := ins[c.TargetSocket]
		if !ok {
			return validationErr("connection %s: node %s has no input socket %q", c.ID, dst.ID, c.TargetSocket)
		}
		if !sockets.Compatible(srcType, dstType) {
			return validationErr("connection %s: socket %s is not compatible with %s", c.ID, srcType, dstType)
		}
		tkey := c.TargetNode + "\x00" + c.TargetSocket
		if seenTarget[tkey] {
			return validationErr("connection %s: input socket %s.%s already wired", c.ID, c.TargetNode, c.TargetSocket)
		}
		seenTarget[tkey] = true
		incoming[c.TargetNode]++
		adj[c.SourceNode] = append(adj[c.SourceNode], c.TargetNode)
	}

	if _, err := topoSort(byID, adj, incoming); err != nil {
		return err
	}

	// Exact fan-in per node type.
	for id, n := range byID {
		if got, want := incoming[id], arity(n.Type); got != want {
			return validationErr("node %s: expects %d input(s), has %d", id, want, got)
		}
	}

	// Reachability: walk forward from the sources.
	reached := make(map[string]bool)
	var stack []string
	for id, n := range byID {
		if arity(n.Type) == 0 {
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reached[id] {
			continue
		}
		reached[id] = true
		stack = append(stack, adj[id]...)
	}
	var outputs []string
	for id, n := range byID {
		if n.Type == models.NodeOutput && reached[id] {
			outputs = append(outputs, id)
		}
	}
	if len(outputs) == 0 {
		return models.NewRuleError(models.KindValidation, "validate composite", rule.ID, models.ErrNoOutputNode)
	}
	if len(outputs) > 1 {
		sort.Strings(outputs)
		return validationErr("multiple reachable output nodes: %v", outputs)
	}
	return nil
}

// topoSort runs Kahn's algorithm, returning a deterministic evaluation order.
// Any node left unqueued sits on a cycle.
func topoSort(byID map[string]*models.CompositeNode, adj map[string][]string, incoming map[string]int) ([]string, error) {
	deg := make(map[string]int, len(byID))
	for id := range byID {
		deg[id] = incoming[id]
	}
	var queue []string
	for id, d := range deg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		next := append([]string(nil), adj[id]...)
		sort.Strings(next)
		for _, t := range next {
			deg[t]--
			if deg[t] == 0 {
				queue = append(queue, t)
			}
		}
		sort.Strings(queue)
	}
	if len(order) != len(byID) {
		var stuck []string
		for id := range byID {
			if deg[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, validationErr("cycle at %s", stuck[0])
	}
	return order, nil
}
