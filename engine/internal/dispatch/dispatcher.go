// Package dispatch turns triggered verdicts into external effects: log
// records, alert emissions, MODBUS register writes and reject signals.
// Deliveries are deduplicated per (composite, node), retried with bounded
// exponential backoff on later ticks, and wrapped in per-channel circuit
// breakers so a dead downstream never blocks the evaluation loop.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/siridech-bo/cira-claw/engine/config"
	"github.com/siridech-bo/cira-claw/engine/models"
)

// Stats counts dispatcher activity.
type Stats struct {
	Delivered int
	Deduped   int
	Retrying  int
	Dropped   int
}

type dedupKey struct {
	composite string
	node      string
}

type fireRecord struct {
	at   time.Time
	hash string
}

type pendingItem struct {
	trigger     Trigger
	attempts    int
	nextAttempt time.Time
	backoff     backoff.BackOff
}

// Dispatcher owns the effect channels.
type Dispatcher struct {
	cfg    config.DispatchConfig
	logger *slog.Logger

	sinks    map[models.ActionKind]Sink
	breakers map[string]*gobreaker.CircuitBreaker

	mu       sync.Mutex
	lastFire map[dedupKey]fireRecord
	pending  []pendingItem
	stats    Stats
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithSink replaces the sink for one action kind (tests, real transports).
func WithSink(kind models.ActionKind, sink Sink) Option {
	return func(d *Dispatcher) { d.sinks[kind] = sink }
}

// WithRegisterWriter wires a MODBUS register writer into the modbus channel.
func WithRegisterWriter(w RegisterWriter) Option {
	return func(d *Dispatcher) {
		d.sinks[models.ActionModbusWrite] = modbusSink{writer: w, logger: d.logger}
	}
}

// New builds a dispatcher with logging defaults for every channel.
func New(cfg config.DispatchConfig, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:      cfg,
		logger:   logger,
		sinks:    make(map[models.ActionKind]Sink),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		lastFire: make(map[dedupKey]fireRecord),
	}
	d.sinks[models.ActionLog] = logSink{logger: logger}
	d.sinks[models.ActionAlert] = alertSink{logger: logger}
	d.sinks[models.ActionReject] = rejectSink{logger: logger}
	d.sinks[models.ActionModbusWrite] = modbusSink{logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	for _, sink := range d.sinks {
		name := sink.Name()
		if _, ok := d.breakers[name]; ok {
			continue
		}
		failures := d.cfg.BreakerFailures
		d.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: d.cfg.BreakerRecovery,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		})
	}
	return d
}

// Dispatch delivers this tick's triggers plus any due retries. Failures are
// logged and requeued; nothing propagates back to the scheduler.
func (d *Dispatcher) Dispatch(ctx context.Context, triggers []Trigger) {
	now := time.Now()
	d.mu.Lock()
	due := d.takeDue(now)
	d.mu.Unlock()

	for _, item := range due {
		d.deliver(ctx, item)
	}
	for _, t := range triggers {
		if t.Verdict.Action == models.ActionPass {
			continue
		}
		if d.dedup(t) {
			continue
		}
		d.deliver(ctx, pendingItem{trigger: t})
	}
}

// dedup reports whether an identical verdict for the same (composite, node)
// fired within the dedup window.
func (d *Dispatcher) dedup(t Trigger) bool {
	hash := verdictHash(t.Verdict)
	k := dedupKey{composite: t.CompositeID, node: t.NodeID}
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.lastFire[k]; ok && rec.hash == hash && t.At.Sub(rec.at) < d.cfg.DedupWindow {
		d.stats.Deduped++
		return true
	}
	d.lastFire[k] = fireRecord{at: t.At, hash: hash}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, item pendingItem) {
	t := item.trigger
	sink, ok := d.sinks[t.Verdict.Action]
	if !ok {
		return
	}
	cb := d.breakers[sink.Name()]
	_, err := cb.Execute(func() (any, error) {
		return nil, sink.Emit(ctx, t)
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		d.stats.Delivered++
		return
	}
	d.logger.Warn("dispatch failed",
		slog.String("sink", sink.Name()),
		slog.String("composite_id", t.CompositeID),
		slog.String("error", err.Error()),
		slog.Int("attempt", item.attempts+1),
	)
	item.attempts++
	if item.attempts >= d.cfg.RetryMaxAttempts {
		d.stats.Dropped++
		return
	}
	if item.backoff == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = d.cfg.RetryBase
		bo.MaxInterval = d.cfg.RetryMax
		bo.MaxElapsedTime = 0
		bo.Multiplier = 2
		bo.Reset()
		item.backoff = bo
	}
	item.nextAttempt = time.Now().Add(item.backoff.NextBackOff())
	d.pending = append(d.pending, item)
	d.stats.Retrying = len(d.pending)
}

// takeDue removes and returns retry items whose backoff elapsed.
func (d *Dispatcher) takeDue(now time.Time) []pendingItem {
	var due []pendingItem
	keep := d.pending[:0]
	for _, item := range d.pending {
		if now.Before(item.nextAttempt) {
			keep = append(keep, item)
		} else {
			due = append(due, item)
		}
	}
	d.pending = keep
	d.stats.Retrying = len(d.pending)
	return due
}

// Stats returns activity counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func verdictHash(v models.ActionVerdict) string {
	raw, _ := json.Marshal(v)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
