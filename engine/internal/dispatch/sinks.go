package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/siridech-bo/cira-claw/engine/models"
)

// Trigger is one triggered verdict on its way to an external effect.
type Trigger struct {
	CompositeID string
	NodeID      string
	RuleName    string
	Verdict     models.ActionVerdict
	At          time.Time
}

// Sink delivers one trigger to an external channel.
type Sink interface {
	Name() string
	Emit(ctx context.Context, t Trigger) error
}

// RegisterWriter writes a single MODBUS holding register.
type RegisterWriter interface {
	WriteRegister(register, value uint16) error
}

// logSink writes triggers to the structured event log.
type logSink struct{ logger *slog.Logger }

func (s logSink) Name() string { return "log" }

func (s logSink) Emit(_ context.Context, t Trigger) error {
	s.logger.Info("rule event",
		slog.String("composite_id", t.CompositeID),
		slog.String("node_id", t.NodeID),
		slog.String("action", string(t.Verdict.Action)),
		slog.String("reason", t.Verdict.Reason),
	)
	return nil
}

// alertSink emits alert records with severity and message.
type alertSink struct{ logger *slog.Logger }

func (s alertSink) Name() string { return "alert" }

func (s alertSink) Emit(_ context.Context, t Trigger) error {
	sev := t.Verdict.Severity
	if sev == "" {
		sev = models.SeverityInfo
	}
	attrs := []any{
		slog.String("composite_id", t.CompositeID),
		slog.String("node_id", t.NodeID),
		slog.String("severity", string(sev)),
		slog.String("message", t.Verdict.Message),
	}
	if sev == models.SeverityCritical {
		s.logger.Error("alert", attrs...)
	} else {
		s.logger.Warn("alert", attrs...)
	}
	return nil
}

// rejectSink signals the node's actuator channel. The default implementation
// logs; a real actuator transport plugs in via Options.
type rejectSink struct{ logger *slog.Logger }

func (s rejectSink) Name() string { return "reject" }

func (s rejectSink) Emit(_ context.Context, t Trigger) error {
	s.logger.Warn("part rejected",
		slog.String("composite_id", t.CompositeID),
		slog.String("node_id", t.NodeID),
		slog.String("reason", t.Verdict.Reason),
	)
	return nil
}

// modbusSink forwards modbus_write verdicts to a register writer.
type modbusSink struct {
	writer RegisterWriter
	logger *slog.Logger
}

func (s modbusSink) Name() string { return "modbus" }

func (s modbusSink) Emit(_ context.Context, t Trigger) error {
	if s.writer == nil {
		s.logger.Debug("modbus write skipped: no writer configured",
			slog.Int("register", t.Verdict.Register), slog.Int("value", t.Verdict.Value))
		return nil
	}
	return s.writer.WriteRegister(uint16(t.Verdict.Register), uint16(t.Verdict.Value))
}
