// Package atomicrun iterates the enabled atomic rules for one node's payload,
// invoking the sandbox per rule and caching the latest verdict per
// (node, rule) pair. Rules are isolated: one failing rule never affects the
// others, and every rule yields a result even for offline nodes.
package atomicrun

import (
	"sort"
	"sync"

	"github.com/siridech-bo/cira-claw/engine/models"
	"github.com/siridech-bo/cira-claw/engine/sandbox"
)

// Engine evaluates atomic rules and remembers the latest verdict per
// (nodeID, ruleID).
type Engine struct {
	evaluator *sandbox.Evaluator

	mu    sync.RWMutex
	cache map[cacheKey]models.AtomicResult
}

type cacheKey struct {
	node string
	rule string
}

// New builds an engine around the given sandbox evaluator.
func New(evaluator *sandbox.Evaluator) *Engine {
	return &Engine{evaluator: evaluator, cache: make(map[cacheKey]models.AtomicResult)}
}

// EvaluateAll runs every enabled rule against the payload in stable id order
// and returns a result per rule id. Disabled rules are silent.
func (e *Engine) EvaluateAll(nodeID string, payload *models.WorldPayload, rules []models.AtomicRule) map[string]models.AtomicResult {
	ordered := make([]models.AtomicRule, 0, len(rules))
	for _, r := range rules {
		if r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	out := make(map[string]models.AtomicResult, len(ordered))
	for _, rule := range ordered {
		res := e.evaluator.Evaluate(rule.Code, payload)
		ar := models.AtomicResult{
			Action:      res.Action,
			SocketType:  rule.SocketType,
			Reads:       rule.Reads,
			Produces:    rule.Produces,
			ExecutionMS: res.ExecutionMS,
			Success:     res.Success,
			Error:       res.Error,
		}
		out[rule.ID] = ar
		e.mu.Lock()
		e.cache[cacheKey{node: nodeID, rule: rule.ID}] = ar
		e.mu.Unlock()
	}
	return out
}

// Latest returns the cached most-recent result for a (node, rule) pair.
func (e *Engine) Latest(nodeID, ruleID string) (models.AtomicResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.cache[cacheKey{node: nodeID, rule: ruleID}]
	return r, ok
}

// Forget drops cached verdicts for a deleted rule.
func (e *Engine) Forget(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.cache {
		if k.rule == ruleID {
			delete(e.cache, k)
		}
	}
}
