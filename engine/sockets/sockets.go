// Package sockets is the process-wide socket catalogue: the enumeration of
// edge types carried by composite-graph wires, the compatibility predicate
// between them, and the inference function that assigns an atomic rule its
// best-fit type from the payload paths its code reads. Every other component
// consults this catalogue; there is no ad-hoc type matching elsewhere.
package sockets

import "strings"

// Type names one socket family member.
type Type string

const (
	VisionConfidence Type = "vision.confidence"
	VisionDetection  Type = "vision.detection"
	SignalRate       Type = "signal.rate"
	SignalThreshold  Type = "signal.threshold"
	SystemHealth     Type = "system.health"
	AnyBoolean       Type = "any.boolean"

	// TimeWindow is emitted by stateful temporal nodes; downstream gates
	// consume it as a plain boolean.
	TimeWindow Type = "time.window"
	// BooleanAny is the input side of boolean gates; like AnyBoolean it is a
	// wildcard sink.
	BooleanAny Type = "boolean.any"
	// PipelineContext is reserved; it connects only to itself.
	PipelineContext Type = "pipeline.context"
)

// All enumerates every registered socket type in stable order.
func All() []Type {
	return []Type{
		VisionConfidence, VisionDetection,
		SignalRate, SignalThreshold,
		SystemHealth, AnyBoolean,
		TimeWindow, BooleanAny, PipelineContext,
	}
}

// Valid reports whether t is a registered socket type.
func Valid(t Type) bool {
	for _, k := range All() {
		if k == t {
			return true
		}
	}
	return false
}

// Color returns the UI tag colour associated with a socket type. Colours ride
// along in exported bundles so editors render imported graphs consistently.
func Color(t Type) string {
	switch t {
	case VisionConfidence:
		return "#e06c75"
	case VisionDetection:
		return "#d19a66"
	case SignalRate:
		return "#61afef"
	case SignalThreshold:
		return "#56b6c2"
	case SystemHealth:
		return "#98c379"
	case TimeWindow:
		return "#c678dd"
	case PipelineContext:
		return "#5c6370"
	default:
		return "#abb2bf"
	}
}

func family(t Type) string {
	if i := strings.IndexByte(string(t), '.'); i > 0 {
		return string(t)[:i]
	}
	return string(t)
}

// Compatible reports whether a wire may run from a src-typed output socket
// into a dst-typed input socket.
//
// Rules: identical types always connect; any.boolean and boolean.any are
// wildcard sinks; types within the vision.* family interconnect, as do types
// within signal.*; time.window carries a temporal truth and may feed any
// boolean sink; pipeline.context connects only to itself. Every other pair is
// incompatible.
func Compatible(src, dst Type) bool {
	if !Valid(src) || !Valid(dst) {
		return false
	}
	if src == dst {
		return true
	}
	if src == PipelineContext || dst == PipelineContext {
		return false
	}
	if dst == AnyBoolean || dst == BooleanAny {
		return true
	}
	sf, df := family(src), family(dst)
	if sf == df && (sf == "vision" || sf == "signal") {
		return true
	}
	return false
}

// Infer assigns the best-fit socket type for an atomic rule from the payload
// paths its code accesses. First match wins:
//
//  1. payload.detections[*].confidence        -> vision.confidence
//  2. any payload.detections path or
//     payload.stats.by_label                  -> vision.detection
//  3. payload.stats.defects_per_hour or
//     payload.hourly                          -> signal.rate
//  4. any other payload.stats.*               -> signal.threshold
//  5. payload.node.* or payload.frame.*       -> system.health
//  6. anything else                           -> any.boolean
func Infer(reads []string) Type {
	has := func(pred func(string) bool) bool {
		for _, r := range reads {
			if pred(r) {
				return true
			}
		}
		return false
	}
	if has(func(r string) bool {
		return strings.HasPrefix(r, "payload.detections") && strings.HasSuffix(r, ".confidence")
	}) {
		return VisionConfidence
	}
	if has(func(r string) bool {
		return strings.HasPrefix(r, "payload.detections") || strings.HasPrefix(r, "payload.stats.by_label")
	}) {
		return VisionDetection
	}
	if has(func(r string) bool {
		return strings.HasPrefix(r, "payload.stats.defects_per_hour") || strings.HasPrefix(r, "payload.hourly")
	}) {
		return SignalRate
	}
	if has(func(r string) bool { return strings.HasPrefix(r, "payload.stats.") || r == "payload.stats" }) {
		return SignalThreshold
	}
	if has(func(r string) bool {
		return strings.HasPrefix(r, "payload.node") || strings.HasPrefix(r, "payload.frame")
	}) {
		return SystemHealth
	}
	return AnyBoolean
}
