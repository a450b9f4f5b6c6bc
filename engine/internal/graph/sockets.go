// Package graph validates and evaluates composite rule graphs.
package graph

import (
	"fmt"

	"github.com/siridech-bo/cira-claw/engine/models"
	"github.com/siridech-bo/cira-claw/engine/sockets"
)

// Socket names used on composite nodes. Every producer exposes a single "out"
// socket; gates take "a"/"b", unary consumers take "in".
const (
	SocketOut = "out"
	SocketIn  = "in"
	SocketA   = "a"
	SocketB   = "b"
)

// outputType returns the socket type carried on a node's "out" wire.
func outputType(n *models.CompositeNode) (sockets.Type, bool) {
	switch n.Type {
	case models.NodeAtomic:
		t := n.Data.SocketType
		if t == "" {
			t = sockets.AnyBoolean
		}
		return t, true
	case models.NodeAnd, models.NodeOr, models.NodeNot, models.NodeConstant, models.NodeThreshold:
		return sockets.AnyBoolean, true
	case models.NodeStateful:
		return sockets.TimeWindow, true
	case models.NodeOutput:
		return "", false
	}
	return "", false
}

// inputSockets returns the named input sockets a node type accepts.
func inputSockets(n *models.CompositeNode) map[string]sockets.Type {
	switch n.Type {
	case models.NodeAnd, models.NodeOr:
		return map[string]sockets.Type{SocketA: sockets.BooleanAny, SocketB: sockets.BooleanAny}
	case models.NodeNot:
		return map[string]sockets.Type{SocketIn: sockets.BooleanAny}
	case models.NodeStateful:
		t := n.Data.AcceptsSocketType
		if t == "" {
			t = sockets.BooleanAny
		}
		return map[string]sockets.Type{SocketIn: t}
	case models.NodeOutput:
		return map[string]sockets.Type{SocketIn: sockets.BooleanAny}
	}
	return nil
}

// arity returns the exact number of incoming wires a node type requires.
func arity(t models.NodeType) int {
	switch t {
	case models.NodeAnd, models.NodeOr:
		return 2
	case models.NodeNot, models.NodeStateful, models.NodeOutput:
		return 1
	}
	return 0
}

func validNodeType(t models.NodeType) bool {
	switch t {
	case models.NodeAtomic, models.NodeAnd, models.NodeOr, models.NodeNot,
		models.NodeConstant, models.NodeThreshold, models.NodeStateful, models.NodeOutput:
		return true
	}
	return false
}

func validStatefulKind(k models.StatefulKind) bool {
	switch k {
	case models.StatefulCountWindow, models.StatefulConsecutive, models.StatefulRate,
		models.StatefulSustained, models.StatefulCooldown:
		return true
	}
	return false
}

func validationErr(format string, args ...any) error {
	return models.NewRuleError(models.KindValidation, "validate composite", "", fmt.Errorf(format, args...))
}
