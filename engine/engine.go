// Package engine is the evaluation core of the CLAW gateway: a single-owner
// tick loop that polls the fleet, runs every enabled atomic rule in a
// sandbox, feeds the verdicts through every enabled composite graph, hands
// triggered verdicts to the dispatcher and publishes an immutable result
// snapshot. The HTTP surface, dashboard and operational tooling are external
// collaborators: they read snapshots and mutate the rule store, never the
// tick.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siridech-bo/cira-claw/engine/config"
	"github.com/siridech-bo/cira-claw/engine/internal/atomicrun"
	"github.com/siridech-bo/cira-claw/engine/internal/dispatch"
	"github.com/siridech-bo/cira-claw/engine/internal/fetch"
	"github.com/siridech-bo/cira-claw/engine/internal/graph"
	"github.com/siridech-bo/cira-claw/engine/internal/state"
	"github.com/siridech-bo/cira-claw/engine/models"
	"github.com/siridech-bo/cira-claw/engine/rules"
	"github.com/siridech-bo/cira-claw/engine/sandbox"
	"github.com/siridech-bo/cira-claw/engine/telemetry/events"
	"github.com/siridech-bo/cira-claw/engine/telemetry/health"
	"github.com/siridech-bo/cira-claw/engine/telemetry/logging"
	"github.com/siridech-bo/cira-claw/engine/telemetry/metrics"
)

// Clock abstracts tick timestamps for deterministic tests.
type Clock = state.Clock

// EventObserver receives telemetry events synchronously after each publish.
type EventObserver func(ev events.Event)

// Options configures engine construction. Zero values select defaults.
type Options struct {
	Config          config.Config
	Fetcher         fetch.Fetcher
	Clock           Clock
	Logger          *slog.Logger
	MetricsProvider metrics.Provider
	DispatchOptions []dispatch.Option
}

// Engine owns the evaluation pipeline. Construct with New, drive with
// Start/Stop; everything else is a read-side accessor safe for concurrent
// use with a running tick loop.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger
	log    logging.Logger
	clock  Clock

	store      *rules.Store
	evaluator  *sandbox.Evaluator
	atomicEng  *atomicrun.Engine
	states     *state.Store
	fetcher    fetch.Fetcher
	dispatcher *dispatch.Dispatcher
	bus        events.Bus
	provider   metrics.Provider
	health     *health.Evaluator

	snapshot atomic.Pointer[models.Snapshot]
	tickSeq  atomic.Uint64
	skipped  atomic.Uint64
	lastTick atomic.Int64 // unix nanos of last completed tick

	obsMu     sync.RWMutex
	observers []EventObserver

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	mTickDuration metrics.Histogram
	mFetchFailed  metrics.Counter
	mTriggers     metrics.Counter
	mSkipped      metrics.Counter
	mFleetOnline  metrics.Gauge
}

// New wires the engine from configuration. All collaborators are injected at
// construction time; nothing reaches for module globals.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = state.SystemClock()
	}
	provider := opts.MetricsProvider
	if provider == nil {
		switch {
		case !cfg.Telemetry.MetricsEnabled:
			provider = metrics.NewNoopProvider()
		case cfg.Telemetry.MetricsBackend == "otel":
			provider = metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "claw"})
		case cfg.Telemetry.MetricsBackend == "noop":
			provider = metrics.NewNoopProvider()
		default:
			provider = metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
		}
	}

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		log:      logging.New(logger),
		clock:    clock,
		states:   state.NewStore(),
		provider: provider,
		bus:      events.NewBus(provider),
	}
	e.evaluator = sandbox.New(cfg.SandboxDeadline)
	e.atomicEng = atomicrun.New(e.evaluator)

	store, err := rules.NewStore(cfg.Root,
		rules.WithDryRunner(e.evaluator),
		rules.WithCompositeDeleteHook(e.states.Reset),
		rules.WithAtomicDeleteHook(e.atomicEng.Forget),
	)
	if err != nil {
		return nil, err
	}
	e.store = store

	e.fetcher = opts.Fetcher
	if e.fetcher == nil {
		e.fetcher = fetch.NewHTTPFetcher(nil, 2*cfg.TickInterval)
	}

	dispatchOpts := opts.DispatchOptions
	if cfg.Modbus.Address != "" {
		writer, err := dispatch.NewModbusWriter(cfg.Modbus.Address, cfg.Modbus.SlaveID, cfg.Modbus.Timeout)
		if err != nil {
			// MODBUS comes and goes on a factory floor; start degraded
			// rather than refusing to supervise the fleet.
			logger.Warn("modbus writer unavailable", slog.String("address", cfg.Modbus.Address), slog.String("error", err.Error()))
		} else {
			// Caller-supplied options come later and win.
			dispatchOpts = append([]dispatch.Option{dispatch.WithRegisterWriter(writer)}, dispatchOpts...)
		}
	}
	e.dispatcher = dispatch.New(cfg.Dispatch, logger, dispatchOpts...)

	e.health = health.NewEvaluator(cfg.TickInterval,
		health.ProbeFunc(e.probeStore),
		health.ProbeFunc(e.probeTickLiveness),
		health.ProbeFunc(e.probeFleet),
	)
	e.initMetrics()
	e.snapshot.Store(&models.Snapshot{
		Nodes:     map[string]*models.NodeEvaluation{},
		Atomic:    map[string]models.AtomicResult{},
		Composite: map[string]models.CompositeResult{},
	})
	return e, nil
}

func (e *Engine) initMetrics() {
	ns := "claw"
	e.mTickDuration = e.provider.NewHistogram(metrics.HistogramOpts{
		CommonOpts: metrics.CommonOpts{Namespace: ns, Subsystem: "tick", Name: "duration_seconds", Help: "Full tick duration"},
		Buckets:    []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	e.mFetchFailed = e.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: ns, Subsystem: "fetch", Name: "failed_total", Help: "Node fetches that fell back to the sentinel payload", Labels: []string{"node"}}})
	e.mTriggers = e.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: ns, Subsystem: "rules", Name: "triggers_total", Help: "Composite rule triggers", Labels: []string{"composite"}}})
	e.mSkipped = e.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: ns, Subsystem: "tick", Name: "skipped_total", Help: "Ticks skipped due to overrun"}})
	e.mFleetOnline = e.provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: ns, Subsystem: "fleet", Name: "online_nodes", Help: "Nodes that answered the last poll"}})
}

// Start launches the tick loop. It returns immediately; use Stop for a
// graceful shutdown that finishes the in-flight tick.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true
	go e.run(runCtx)
	return nil
}

// Stop refuses new ticks, waits for the current one, and releases resources.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	if !e.started {
		e.runMu.Unlock()
		return nil
	}
	cancel, done := e.cancel, e.done
	e.runMu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.runMu.Lock()
	e.started = false
	e.runMu.Unlock()
	return nil
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RunTick(ctx)
			// Overrun policy: if the next tick already queued while we were
			// evaluating, skip it rather than running back-to-back.
			select {
			case <-ticker.C:
				e.skipped.Add(1)
				e.mSkipped.Inc(1)
				e.publish(events.Event{Category: events.CategoryTick, Type: "skipped", Severity: "warn"})
			default:
			}
		}
	}
}

// RunTick executes exactly one tick now. The scheduler calls this on cadence;
// tests call it directly for deterministic control.
func (e *Engine) RunTick(ctx context.Context) {
	now := e.clock.Now()
	tctx, cancel := context.WithTimeout(ctx, e.cfg.TickInterval)
	defer cancel()

	started := time.Now()
	cat := e.store.Catalogue()
	fetched := fetch.All(tctx, e.fetcher, e.cfg.Nodes, e.cfg.FetchTimeout, now)

	snap := &models.Snapshot{
		EvaluatedAt:  now,
		TickSeq:      e.tickSeq.Add(1),
		SkippedTicks: e.skipped.Load(),
		Nodes:        make(map[string]*models.NodeEvaluation, len(fetched)),
		Atomic:       map[string]models.AtomicResult{},
		Composite:    map[string]models.CompositeResult{},
	}
	var triggers []dispatch.Trigger

	nodeIDs := make([]string, 0, len(fetched))
	for id := range fetched {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	online := 0
	for _, nodeID := range nodeIDs {
		res := fetched[nodeID]
		payload := res.Payload
		if res.Err != nil {
			e.mFetchFailed.Inc(1, nodeID)
			e.publish(events.Event{
				Category: events.CategoryFetch, Type: "sentinel_substituted", Severity: "warn",
				Labels: map[string]string{"node": nodeID},
			})
		} else {
			online++
		}

		ne := &models.NodeEvaluation{
			NodeID:    nodeID,
			Status:    payload.Node.Status,
			FetchedAt: res.FetchedAt,
			Atomic:    e.atomicEng.EvaluateAll(nodeID, payload, cat.Atomic),
			Composite: make(map[string]models.CompositeResult),
		}

		payloadMap, err := payloadAsMap(payload)
		if err != nil {
			e.log.ErrorCtx(tctx, "payload conversion failed", slog.String("node", nodeID), slog.String("error", err.Error()))
			payloadMap = map[string]any{}
		}
		for i := range cat.Composite {
			comp := &cat.Composite[i]
			if !comp.Enabled {
				continue
			}
			cres := graph.Evaluate(comp, nodeID, ne.Atomic, payloadMap, e.states, now)
			ne.Composite[comp.ID] = cres
			if cres.Triggered && cres.Action != nil {
				e.mTriggers.Inc(1, comp.ID)
				triggers = append(triggers, dispatch.Trigger{
					CompositeID: comp.ID,
					NodeID:      nodeID,
					RuleName:    comp.Name,
					Verdict:     *cres.Action,
					At:          now,
				})
			}
		}
		snap.Nodes[nodeID] = ne
		mergeResults(snap, ne)
	}
	e.mFleetOnline.Set(float64(online))
	snap.States = e.states.AllSummaries()

	// Publish atomically: readers see the previous tick or this one, never a mix.
	e.snapshot.Store(snap)
	e.lastTick.Store(now.UnixNano())

	duration := time.Since(started)
	e.mTickDuration.Observe(duration.Seconds())
	e.publish(events.Event{
		Category: events.CategoryTick, Type: "completed",
		Fields: map[string]any{
			"tick_seq":    snap.TickSeq,
			"duration_ms": float64(duration) / float64(time.Millisecond),
			"nodes":       len(nodeIDs),
			"triggers":    len(triggers),
		},
	})

	if len(triggers) > 0 {
		// Fire-and-forget with its own deadline; effect failures never stall
		// the loop.
		go func(ts []dispatch.Trigger) {
			dctx, dcancel := context.WithTimeout(context.Background(), e.cfg.TickInterval)
			defer dcancel()
			e.dispatcher.Dispatch(dctx, ts)
		}(triggers)
	}
}

// mergeResults folds one node's results into the fleet-wide maps. A rule that
// triggered anywhere wins over one that stayed quiet, so the flat view
// answers "did this rule fire this tick".
func mergeResults(snap *models.Snapshot, ne *models.NodeEvaluation) {
	for id, r := range ne.Atomic {
		if prev, ok := snap.Atomic[id]; !ok || (r.Triggered() && !prev.Triggered()) {
			snap.Atomic[id] = r
		}
	}
	for id, r := range ne.Composite {
		if prev, ok := snap.Composite[id]; !ok || (r.Triggered && !prev.Triggered) {
			snap.Composite[id] = r
		}
	}
}

func payloadAsMap(p *models.WorldPayload) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (e *Engine) publish(ev events.Event) {
	_ = e.bus.Publish(ev)
	e.obsMu.RLock()
	obs := e.observers
	e.obsMu.RUnlock()
	if len(obs) == 0 {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, fn := range obs {
		fn(ev)
	}
}

// RegisterObserver attaches a synchronous telemetry observer.
func (e *Engine) RegisterObserver(fn EventObserver) {
	if fn == nil {
		return
	}
	e.obsMu.Lock()
	e.observers = append(e.observers, fn)
	e.obsMu.Unlock()
}

// Snapshot returns the last published tick snapshot. The pointer is swapped
// atomically at end of tick; treat the contents as immutable.
func (e *Engine) Snapshot() *models.Snapshot { return e.snapshot.Load() }

// AtomicResults returns the fleet-merged atomic results of the last tick.
func (e *Engine) AtomicResults() map[string]models.AtomicResult { return e.Snapshot().Atomic }

// CompositeResults returns the fleet-merged composite results of the last tick.
func (e *Engine) CompositeResults() map[string]models.CompositeResult { return e.Snapshot().Composite }

// CompositeState exposes a composite rule's temporal state summaries.
func (e *Engine) CompositeState(compositeID string) map[string]models.StateSummary {
	return e.states.Summaries(compositeID)
}

// ResetCompositeState clears a composite rule's temporal state (admin reset).
func (e *Engine) ResetCompositeState(compositeID string) {
	e.states.Reset(compositeID)
	e.publish(events.Event{Category: events.CategoryState, Type: "reset", Labels: map[string]string{"composite": compositeID}})
}

// Store exposes the rule store for the admin/API surface.
func (e *Engine) Store() *rules.Store { return e.store }

// Events exposes the telemetry bus for subscribers.
func (e *Engine) Events() events.Bus { return e.bus }

// Health evaluates gateway health (cached per tick interval).
func (e *Engine) Health(ctx context.Context) health.Summary { return e.health.Evaluate(ctx) }

// MetricsProvider exposes the configured metrics backend.
func (e *Engine) MetricsProvider() metrics.Provider { return e.provider }

func (e *Engine) probeStore(context.Context) health.ProbeResult {
	info, err := os.Stat(e.cfg.Root)
	if err != nil || !info.IsDir() {
		return health.Unhealthy("rule_store", fmt.Sprintf("config root missing: %v", err))
	}
	return health.Healthy("rule_store")
}

func (e *Engine) probeTickLiveness(context.Context) health.ProbeResult {
	last := e.lastTick.Load()
	if last == 0 {
		return health.Degraded("tick", "no tick completed yet")
	}
	age := time.Since(time.Unix(0, last))
	if age > 3*e.cfg.TickInterval {
		return health.Unhealthy("tick", fmt.Sprintf("last tick %s ago", age.Round(time.Millisecond)))
	}
	return health.Healthy("tick")
}

func (e *Engine) probeFleet(context.Context) health.ProbeResult {
	snap := e.Snapshot()
	if len(e.cfg.Nodes) == 0 || len(snap.Nodes) == 0 {
		return health.Healthy("fleet")
	}
	offline := 0
	for _, ne := range snap.Nodes {
		if ne.Status != models.NodeOnline {
			offline++
		}
	}
	switch {
	case offline == len(snap.Nodes):
		return health.Unhealthy("fleet", "all nodes offline")
	case offline > 0:
		return health.Degraded("fleet", fmt.Sprintf("%d/%d nodes offline", offline, len(snap.Nodes)))
	}
	return health.Healthy("fleet")
}
