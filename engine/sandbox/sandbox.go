// Package sandbox executes operator-authored JavaScript rule snippets against
// a world payload, producing an action verdict or a typed error within a hard
// deadline. The execution environment exposes a single `payload` global plus
// the ECMAScript builtins; there is no clock, filesystem, network, module
// loader, dynamic code construction or asynchronous primitive.
package sandbox

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/siridech-bo/cira-claw/engine/models"
)

// DefaultDeadline bounds one rule evaluation unless configured otherwise.
const DefaultDeadline = 50 * time.Millisecond

// Result is the outcome of one sandboxed evaluation.
type Result struct {
	Success     bool
	Action      *models.ActionVerdict
	Error       string
	ExecutionMS float64
}

// Evaluator compiles and runs rule snippets. Safe for concurrent use; each
// evaluation gets a fresh VM so rules can never observe one another.
type Evaluator struct {
	deadline time.Duration

	mu       sync.Mutex
	programs map[[32]byte]*goja.Program
}

// New returns an evaluator with the given per-rule deadline (0 => default).
func New(deadline time.Duration) *Evaluator {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Evaluator{deadline: deadline, programs: make(map[[32]byte]*goja.Program)}
}

// Deadline returns the configured per-rule deadline.
func (e *Evaluator) Deadline() time.Duration { return e.deadline }

var errInterrupted = errors.New("interrupted")

func (e *Evaluator) compile(code string) (*goja.Program, error) {
	key := sha256.Sum256([]byte(code))
	e.mu.Lock()
	prog, ok := e.programs[key]
	e.mu.Unlock()
	if ok {
		return prog, nil
	}
	// Rules are written as bare function bodies (`return {...}`).
	src := "(function(){\n" + code + "\n})()"
	prog, err := goja.Compile("rule.js", src, true)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.programs[key] = prog
	e.mu.Unlock()
	return prog, nil
}

// Evaluate runs code against payload and shapes the outcome.
//
// Outcomes: an overrun returns {success:false, error:"timeout",
// execution_ms:deadline}; a thrown exception returns its message; a return
// value not shaped like an ActionVerdict returns "invalid verdict".
func (e *Evaluator) Evaluate(code string, payload *models.WorldPayload) Result {
	prog, err := e.compile(code)
	if err != nil {
		return Result{Error: fmt.Sprintf("compile: %s", err)}
	}

	payloadVal, err := payloadValue(payload)
	if err != nil {
		return Result{Error: fmt.Sprintf("payload: %s", err)}
	}

	vm := goja.New()
	// Deterministic PRNG: identical inputs must yield identical verdicts.
	vm.SetRandSource(newFixedRand())
	if err := vm.Set("payload", payloadVal); err != nil {
		return Result{Error: err.Error()}
	}
	// Capability masking: no clock, no dynamic code construction.
	for _, name := range []string{"Date", "eval", "Function"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return Result{Error: err.Error()}
		}
	}

	timer := time.AfterFunc(e.deadline, func() { vm.Interrupt(errInterrupted) })
	start := time.Now()
	value, err := vm.RunProgram(prog)
	timer.Stop()
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return Result{Error: models.ErrSandboxTimeout.Error(), ExecutionMS: float64(e.deadline.Milliseconds())}
		}
		var exc *goja.Exception
		if errors.As(err, &exc) {
			return Result{Error: exc.Value().String(), ExecutionMS: elapsed}
		}
		return Result{Error: err.Error(), ExecutionMS: elapsed}
	}

	verdict, ok := decodeVerdict(value)
	if !ok {
		return Result{Error: models.ErrInvalidVerdict.Error(), ExecutionMS: elapsed}
	}
	return Result{Success: true, Action: verdict, ExecutionMS: elapsed}
}

func decodeVerdict(value goja.Value) (*models.ActionVerdict, bool) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, false
	}
	exported := value.Export()
	raw, err := json.Marshal(exported)
	if err != nil {
		return nil, false
	}
	var v models.ActionVerdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	if !models.ValidAction(v.Action) {
		return nil, false
	}
	if v.Severity != "" {
		switch v.Severity {
		case models.SeverityInfo, models.SeverityWarning, models.SeverityCritical:
		default:
			return nil, false
		}
	}
	if v.Action == models.ActionModbusWrite && v.Register < 0 {
		return nil, false
	}
	return &v, true
}

// payloadValue converts the payload into plain maps/slices so the VM never
// holds references into engine-owned structs. Nil lists and maps become empty
// ones: rules read missing collections as empty, never as null.
func payloadValue(p *models.WorldPayload) (any, error) {
	shaped := *p
	if shaped.Detections == nil {
		shaped.Detections = []models.Detection{}
	}
	if shaped.Hourly == nil {
		shaped.Hourly = []models.HourlyBucket{}
	}
	if shaped.Stats.ByLabel == nil {
		shaped.Stats.ByLabel = map[string]int{}
	}
	p = &shaped
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// newFixedRand returns a fixed-seed xorshift source; Math.random stays
// available to rule authors without breaking replay determinism.
func newFixedRand() goja.RandSource {
	state := uint64(0x9e3779b97f4a7c15)
	return func() float64 {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		return float64(state>>11) / float64(1<<53)
	}
}
