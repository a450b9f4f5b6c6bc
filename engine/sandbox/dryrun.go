package sandbox

import (
	"fmt"

	"github.com/siridech-bo/cira-claw/engine/models"
)

// DryRunPayload is the synthetic payload rule saves are validated against:
// one high-confidence detection plus representative stats, so a snippet that
// compiles but returns a malformed verdict is caught before it is persisted.
func DryRunPayload() *models.WorldPayload {
	return &models.WorldPayload{
		Frame: models.Frame{Number: 1, Timestamp: "2025-01-01T00:00:00Z", Width: 1920, Height: 1080},
		Detections: []models.Detection{
			{Label: "test", Confidence: 0.9, X: 0.1, Y: 0.1, W: 0.2, H: 0.2},
		},
		Stats: models.PayloadStats{
			TotalDetections: 10,
			ByLabel:         map[string]int{"test": 10},
			FPS:             30,
			UptimeSec:       100,
			DefectsPerHour:  5,
		},
		Hourly: []models.HourlyBucket{{Hour: "10:00", Detections: 5}},
		Node:   models.NodeInfo{ID: "local-dev", Status: models.NodeOnline},
	}
}

// DryRun evaluates code once against the synthetic payload and reports the
// first failure. A rule that fails its dry run must not be saved.
func (e *Evaluator) DryRun(code string) error {
	res := e.Evaluate(code, DryRunPayload())
	if !res.Success {
		return fmt.Errorf("dry run failed: %s", res.Error)
	}
	return nil
}
