// Package fetch polls each fleet node's runtime for a fresh world payload and
// normalises heterogeneous responses. A node that cannot be reached yields the
// offline sentinel payload, so rule evaluation stays total: "node offline" is
// an observable condition, not an exception.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siridech-bo/cira-claw/engine/config"
	"github.com/siridech-bo/cira-claw/engine/models"
)

// DefaultTimeout bounds one node fetch unless the node overrides it.
const DefaultTimeout = 3 * time.Second

// Stats aggregates fetcher activity counters.
type Stats struct {
	RequestsCompleted int64
	RequestsFailed    int64
	BytesDownloaded   int64
}

// Fetcher retrieves one node's current world payload.
type Fetcher interface {
	Fetch(ctx context.Context, node config.NodeConfig) (*models.WorldPayload, error)
	Stats() Stats
}

// HTTPFetcher polls the node runtime's state endpoint.
type HTTPFetcher struct {
	client *http.Client
	// MaxAge discards responses older than this (2x tick period); zero
	// disables the staleness check.
	maxAge time.Duration
	now    func() time.Time

	completed atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
}

// NewHTTPFetcher builds a fetcher. maxAge should be twice the tick period.
func NewHTTPFetcher(client *http.Client, maxAge time.Duration) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client, maxAge: maxAge, now: time.Now}
}

// Fetch retrieves and normalises one node's payload.
func (f *HTTPFetcher) Fetch(ctx context.Context, node config.NodeConfig) (*models.WorldPayload, error) {
	url := strings.TrimRight(node.URL, "/") + "/api/nodes/" + node.ID + "/state"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, f.fail(node.ID, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.fail(node.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, f.fail(node.ID, fmt.Errorf("status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, f.fail(node.ID, err)
	}
	f.bytes.Add(int64(len(body)))

	var payload models.WorldPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// Some node runtimes ship Windows paths in string fields; repair the
		// backslashes and retry once before giving up.
		if err2 := json.Unmarshal(RepairBackslashes(body), &payload); err2 != nil {
			return nil, f.fail(node.ID, fmt.Errorf("parse payload: %w", err))
		}
	}
	if f.maxAge > 0 {
		if ts, err := time.Parse(time.RFC3339, payload.Frame.Timestamp); err == nil {
			if age := f.now().Sub(ts); age > f.maxAge {
				return nil, f.fail(node.ID, fmt.Errorf("payload stale by %s", age))
			}
		}
	}
	Normalize(&payload)
	payload.Node.ID = node.ID
	if payload.Node.Status == "" {
		payload.Node.Status = models.NodeOnline
	}
	f.completed.Add(1)
	return &payload, nil
}

func (f *HTTPFetcher) fail(nodeID string, err error) error {
	f.failed.Add(1)
	return models.NewRuleError(models.KindFetch, "fetch node", nodeID, err)
}

// Stats returns activity counters.
func (f *HTTPFetcher) Stats() Stats {
	return Stats{
		RequestsCompleted: f.completed.Load(),
		RequestsFailed:    f.failed.Load(),
		BytesDownloaded:   f.bytes.Load(),
	}
}

// Result pairs a node's payload with its fetch outcome. Payload is never nil:
// failures carry the sentinel.
type Result struct {
	Payload   *models.WorldPayload
	Err       error
	FetchedAt time.Time
}

// All fans out one fetch per node in parallel, each bounded by its own
// timeout, and returns a result per node id.
func All(ctx context.Context, fetcher Fetcher, nodes []config.NodeConfig, defaultTimeout time.Duration, now time.Time) map[string]Result {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	results := make(map[string]Result, len(nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node config.NodeConfig) {
			defer wg.Done()
			timeout := node.FetchTimeout
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			fctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			payload, err := fetcher.Fetch(fctx, node)
			if err != nil {
				payload = Sentinel(node.ID, now)
			}
			mu.Lock()
			results[node.ID] = Result{Payload: payload, Err: err, FetchedAt: now}
			mu.Unlock()
		}(node)
	}
	wg.Wait()
	return results
}

// Sentinel is the payload substituted when a node fetch fails: offline
// status, zero stats, no detections.
func Sentinel(nodeID string, now time.Time) *models.WorldPayload {
	return &models.WorldPayload{
		Frame:      models.Frame{Timestamp: now.UTC().Format(time.RFC3339)},
		Detections: []models.Detection{},
		Stats:      models.PayloadStats{ByLabel: map[string]int{}},
		Hourly:     []models.HourlyBucket{},
		Node:       models.NodeInfo{ID: nodeID, Status: models.NodeOffline},
	}
}

// Normalize clamps numeric fields into their documented ranges and drops
// detections violating geometry invariants.
func Normalize(p *models.WorldPayload) {
	kept := p.Detections[:0]
	for _, d := range p.Detections {
		d.Confidence = clamp01(d.Confidence)
		d.X = clamp01(d.X)
		d.Y = clamp01(d.Y)
		d.W = clamp01(d.W)
		d.H = clamp01(d.H)
		if d.W <= 0 || d.H <= 0 || d.X+d.W > 1 || d.Y+d.H > 1 {
			continue
		}
		kept = append(kept, d)
	}
	p.Detections = kept

	if p.Stats.TotalDetections < 0 {
		p.Stats.TotalDetections = 0
	}
	if p.Stats.FPS < 0 {
		p.Stats.FPS = 0
	}
	if p.Stats.UptimeSec < 0 {
		p.Stats.UptimeSec = 0
	}
	if p.Stats.DefectsPerHour < 0 {
		p.Stats.DefectsPerHour = 0
	}
	for label, n := range p.Stats.ByLabel {
		if n < 0 {
			p.Stats.ByLabel[label] = 0
		}
	}
	if len(p.Hourly) > 24 {
		p.Hourly = p.Hourly[len(p.Hourly)-24:]
	}
	switch p.Node.Status {
	case models.NodeOnline, models.NodeOffline, models.NodeError, models.NodeUpdating:
	default:
		p.Node.Status = models.NodeUnknown
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RepairBackslashes doubles any backslash not followed by a legal JSON escape
// character, repairing Windows-style paths pasted into string bodies.
func RepairBackslashes(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		c := data[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		if i+1 < len(data) && strings.IndexByte(`"\/bfnrtu`, data[i+1]) >= 0 {
			out = append(out, c, data[i+1])
			i++
			continue
		}
		out = append(out, '\\', '\\')
	}
	return out
}
