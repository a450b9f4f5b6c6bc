package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/siridech-bo/cira-claw/engine/sockets"
)

// NodeStatus reflects the last known condition of a fleet node's runtime.
type NodeStatus string

const (
	NodeOnline   NodeStatus = "online"
	NodeOffline  NodeStatus = "offline"
	NodeError    NodeStatus = "error"
	NodeUpdating NodeStatus = "updating"
	NodeUnknown  NodeStatus = "unknown"
)

// Frame carries per-capture metadata delivered alongside detections.
type Frame struct {
	Number    int64  `json:"number"`
	Timestamp string `json:"timestamp"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Detection is a single detector hit with normalized geometry in [0,1].
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	W          float64 `json:"w"`
	H          float64 `json:"h"`
}

// PayloadStats aggregates detector activity for the current node.
type PayloadStats struct {
	TotalDetections int            `json:"total_detections"`
	ByLabel         map[string]int `json:"by_label"`
	FPS             float64        `json:"fps"`
	UptimeSec       int64          `json:"uptime_sec"`
	DefectsPerHour  float64        `json:"defects_per_hour"`
}

// HourlyBucket is one entry of the trailing per-hour detection series.
type HourlyBucket struct {
	Hour       string `json:"hour"`
	Detections int    `json:"detections"`
}

// NodeInfo identifies the node a payload was collected from.
type NodeInfo struct {
	ID     string     `json:"id"`
	Status NodeStatus `json:"status"`
}

// WorldPayload is the read-only per-node, per-tick snapshot every rule sees.
type WorldPayload struct {
	Frame      Frame          `json:"frame"`
	Detections []Detection    `json:"detections"`
	Stats      PayloadStats   `json:"stats"`
	Hourly     []HourlyBucket `json:"hourly"`
	Node       NodeInfo       `json:"node"`
}

// ActionKind enumerates the verdict actions a rule may return.
type ActionKind string

const (
	ActionPass        ActionKind = "pass"
	ActionReject      ActionKind = "reject"
	ActionAlert       ActionKind = "alert"
	ActionLog         ActionKind = "log"
	ActionModbusWrite ActionKind = "modbus_write"
)

// ValidAction reports whether k is a member of the action enumeration.
func ValidAction(k ActionKind) bool {
	switch k {
	case ActionPass, ActionReject, ActionAlert, ActionLog, ActionModbusWrite:
		return true
	}
	return false
}

// Severity grades an alert verdict.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ActionVerdict is the tagged record every rule evaluation resolves to.
// Register/Value are meaningful only for modbus_write, Severity/Message for alert.
type ActionVerdict struct {
	Action   ActionKind `json:"action"`
	Severity Severity   `json:"severity,omitempty"`
	Message  string     `json:"message,omitempty"`
	Register int        `json:"register,omitempty"`
	Value    int        `json:"value,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Triggered reports whether the verdict demands a downstream effect.
// A "pass" action is the explicit no-trigger verdict.
func (v *ActionVerdict) Triggered() bool {
	return v != nil && v.Action != ActionPass
}

// AtomicRule is an operator-authored JavaScript snippet plus its metadata.
type AtomicRule struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	SocketType  sockets.Type `json:"socket_type"`
	Reads       []string     `json:"reads"`
	Produces    []ActionKind `json:"produces"`
	Code        string       `json:"code"`
	Enabled     bool         `json:"enabled"`
	CreatedAt   time.Time    `json:"created_at"`
	CreatedBy   string       `json:"created_by,omitempty"`
	Prompt      string       `json:"prompt,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
}

// NodeType enumerates composite-graph node variants.
type NodeType string

const (
	NodeAtomic    NodeType = "atomic"
	NodeAnd       NodeType = "and"
	NodeOr        NodeType = "or"
	NodeNot       NodeType = "not"
	NodeConstant  NodeType = "constant"
	NodeThreshold NodeType = "threshold"
	NodeStateful  NodeType = "stateful_condition"
	NodeOutput    NodeType = "output"
)

// StatefulKind enumerates the temporal operators a stateful node may apply.
type StatefulKind string

const (
	StatefulCountWindow StatefulKind = "count_window"
	StatefulConsecutive StatefulKind = "consecutive"
	StatefulRate        StatefulKind = "rate"
	StatefulSustained   StatefulKind = "sustained"
	StatefulCooldown    StatefulKind = "cooldown"
)

// Position is the editor placement of a node; the core persists it untouched.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData carries the type-specific configuration of a composite node.
// Only the fields relevant to the node's Type are populated.
type NodeData struct {
	// atomic
	RuleID     string       `json:"rule_id,omitempty"`
	SocketType sockets.Type `json:"socket_type,omitempty"`
	Label      string       `json:"label,omitempty"`
	// and / or / not
	GateType string `json:"gate_type,omitempty"`
	// constant
	Value bool `json:"value,omitempty"`
	// threshold
	Field     string  `json:"field,omitempty"`
	Operator  string  `json:"operator,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	// stateful_condition
	Condition         StatefulKind `json:"condition,omitempty"`
	AcceptsSocketType sockets.Type `json:"accepts_socket_type,omitempty"`
	Count             int          `json:"count,omitempty"`
	WindowMinutes     float64      `json:"window_minutes,omitempty"`
	// output
	Output *ActionVerdict `json:"output,omitempty"`
}

// CompositeNode is one vertex of a composite rule graph.
type CompositeNode struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// CompositeConnection is a typed edge between two node sockets.
type CompositeConnection struct {
	ID           string `json:"id"`
	SourceNode   string `json:"source_node"`
	SourceSocket string `json:"source_socket"`
	TargetNode   string `json:"target_node"`
	TargetSocket string `json:"target_socket"`
}

// CompositeRule is a DAG composing atomic verdicts, gates, thresholds,
// constants and temporal operators into a final verdict.
type CompositeRule struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Description  string                `json:"description,omitempty"`
	Enabled      bool                  `json:"enabled"`
	CreatedAt    time.Time             `json:"created_at"`
	CreatedBy    string                `json:"created_by,omitempty"`
	Nodes        []CompositeNode       `json:"nodes"`
	Connections  []CompositeConnection `json:"connections"`
	OutputAction ActionVerdict         `json:"output_action"`
}

// Node returns the node with the given id, or nil.
func (c *CompositeRule) Node(id string) *CompositeNode {
	for i := range c.Nodes {
		if c.Nodes[i].ID == id {
			return &c.Nodes[i]
		}
	}
	return nil
}

// AtomicResult is the per-tick outcome of one atomic rule on one node.
type AtomicResult struct {
	Action      *ActionVerdict `json:"action,omitempty"`
	SocketType  sockets.Type   `json:"socket_type"`
	Reads       []string       `json:"reads,omitempty"`
	Produces    []ActionKind   `json:"produces,omitempty"`
	ExecutionMS float64        `json:"execution_ms"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
}

// Triggered reports whether this result demands downstream effects.
func (r *AtomicResult) Triggered() bool {
	return r.Success && r.Action.Triggered()
}

// CompositeResult is the per-tick outcome of one composite rule on one node.
type CompositeResult struct {
	Triggered   bool            `json:"triggered"`
	Action      *ActionVerdict  `json:"action,omitempty"`
	NodeResults map[string]bool `json:"node_results,omitempty"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	ExecutionMS float64         `json:"execution_ms"`
}

// StateSummary is the reduced external view of one stateful node instance.
type StateSummary struct {
	Condition      StatefulKind `json:"condition"`
	WindowEvents   int          `json:"window_events,omitempty"`
	Counter        int          `json:"counter,omitempty"`
	SustainedSince *time.Time   `json:"sustained_since,omitempty"`
	LastFire       *time.Time   `json:"last_fire,omitempty"`
	LastOutput     bool         `json:"last_output"`
}

// NodeEvaluation groups one node's results for a tick.
type NodeEvaluation struct {
	NodeID    string                     `json:"node_id"`
	Status    NodeStatus                 `json:"status"`
	FetchedAt time.Time                  `json:"fetched_at"`
	Atomic    map[string]AtomicResult    `json:"atomic_results"`
	Composite map[string]CompositeResult `json:"composite_results"`
}

// Snapshot is the immutable fleet-wide view published after each tick.
// Readers receive a swapped pointer; the contents are never mutated after publish.
type Snapshot struct {
	EvaluatedAt  time.Time                          `json:"evaluated_at"`
	TickSeq      uint64                             `json:"tick_seq"`
	SkippedTicks uint64                             `json:"skipped_ticks"`
	Nodes        map[string]*NodeEvaluation         `json:"nodes"`
	Atomic       map[string]AtomicResult            `json:"atomic_results"`
	Composite    map[string]CompositeResult         `json:"composite_results"`
	States       map[string]map[string]StateSummary `json:"states,omitempty"`
}

// Catalogue is the copy-on-write rule set a tick evaluates against.
type Catalogue struct {
	Atomic    []AtomicRule
	Composite []CompositeRule
}

// ErrorKind buckets domain failures by propagation policy rather than origin.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindSandbox    ErrorKind = "sandbox"
	KindFetch      ErrorKind = "fetch"
	KindEffect     ErrorKind = "effect"
	KindFatal      ErrorKind = "fatal"
)

// Domain sentinel errors.
var (
	ErrInvalidRuleID    = errors.New("rule id must match [A-Za-z0-9_-]+")
	ErrRuleNotFound     = errors.New("rule not found")
	ErrInvalidVerdict   = errors.New("invalid verdict")
	ErrSandboxTimeout   = errors.New("timeout")
	ErrGraphCycle       = errors.New("graph contains a cycle")
	ErrNoOutputNode     = errors.New("no reachable output node")
	ErrBundleFormat     = errors.New("unsupported bundle format")
	ErrStoreUnavailable = errors.New("rule store unavailable")
)

// RuleError wraps a failure with its taxonomy kind and the rule it concerns.
type RuleError struct {
	Kind ErrorKind
	Op   string
	ID   string
	Err  error
}

func (e *RuleError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// NewRuleError builds a RuleError; nil err yields nil.
func NewRuleError(kind ErrorKind, op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &RuleError{Kind: kind, Op: op, ID: id, Err: err}
}

// KindOf extracts the taxonomy kind from err, or empty when untyped.
func KindOf(err error) ErrorKind {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
