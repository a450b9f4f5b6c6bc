package sockets

import "testing"

func TestInferDecisionOrder(t *testing.T) {
	cases := []struct {
		name  string
		reads []string
		want  Type
	}{
		{"confidence wins", []string{"payload.detections[*].confidence"}, VisionConfidence},
		{"confidence beats stats", []string{"payload.stats.fps", "payload.detections[*].confidence"}, VisionConfidence},
		{"detections path", []string{"payload.detections[*].label"}, VisionDetection},
		{"by_label counts as detection", []string{"payload.stats.by_label.scratch"}, VisionDetection},
		{"defect rate", []string{"payload.stats.defects_per_hour"}, SignalRate},
		{"hourly series", []string{"payload.hourly[*].detections"}, SignalRate},
		{"other stats", []string{"payload.stats.fps"}, SignalThreshold},
		{"uptime", []string{"payload.stats.uptime_sec"}, SignalThreshold},
		{"node status", []string{"payload.node.status"}, SystemHealth},
		{"frame meta", []string{"payload.frame.width"}, SystemHealth},
		{"nothing read", nil, AnyBoolean},
		{"unknown path collapses", []string{"payload.extra.field"}, AnyBoolean},
	}
	for _, tc := range cases {
		if got := Infer(tc.reads); got != tc.want {
			t.Errorf("%s: Infer(%v) = %s, want %s", tc.name, tc.reads, got, tc.want)
		}
	}
}

func TestCompatibleSameType(t *testing.T) {
	for _, typ := range All() {
		if !Compatible(typ, typ) {
			t.Errorf("%s should connect to itself", typ)
		}
	}
}

func TestCompatibleWildcardSinks(t *testing.T) {
	for _, src := range All() {
		if src == PipelineContext {
			continue
		}
		if !Compatible(src, AnyBoolean) {
			t.Errorf("%s -> any.boolean should be compatible", src)
		}
		if !Compatible(src, BooleanAny) {
			t.Errorf("%s -> boolean.any should be compatible", src)
		}
	}
}

func TestCompatibleFamilies(t *testing.T) {
	if !Compatible(VisionConfidence, VisionDetection) {
		t.Error("vision family members should interconnect")
	}
	if !Compatible(SignalRate, SignalThreshold) {
		t.Error("signal family members should interconnect")
	}
	if Compatible(VisionConfidence, SignalRate) {
		t.Error("vision -> signal must be incompatible")
	}
	if Compatible(SystemHealth, SignalThreshold) {
		t.Error("system.health -> signal.threshold must be incompatible")
	}
}

func TestPipelineContextIsolated(t *testing.T) {
	for _, other := range All() {
		if other == PipelineContext {
			continue
		}
		if Compatible(PipelineContext, other) {
			t.Errorf("pipeline.context -> %s must be incompatible", other)
		}
		if Compatible(other, PipelineContext) {
			t.Errorf("%s -> pipeline.context must be incompatible", other)
		}
	}
	if !Compatible(PipelineContext, PipelineContext) {
		t.Error("pipeline.context should connect to itself")
	}
}

func TestTimeWindowFeedsBooleanSinks(t *testing.T) {
	if !Compatible(TimeWindow, BooleanAny) {
		t.Error("time.window should feed gate inputs")
	}
	if Compatible(TimeWindow, SignalRate) {
		t.Error("time.window must not feed typed signal inputs")
	}
}

func TestInvalidTypesNeverCompatible(t *testing.T) {
	if Compatible("bogus", AnyBoolean) || Compatible(AnyBoolean, "bogus") {
		t.Error("unregistered types must be incompatible with everything")
	}
}
