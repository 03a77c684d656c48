package pgo

import (
	"math"
	"testing"
)

func TestHotness(t *testing.T) {
	c := NewContext()
	tests := []struct {
		name       string
		executions uint64
		cycles     uint64
		want       float64
	}{
		{"never executed", 0, 5000, 0},
		{"at threshold no cost", 1000, 0, 0.7},
		{"half threshold with cost", 500, 500 * 1000, 0.65},
		{"capped", 2000, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Hotness(tt.executions, tt.cycles)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Hotness(%d, %d) = %v, want %v", tt.executions, tt.cycles, got, tt.want)
			}
		})
	}
}

func TestSetters(t *testing.T) {
	c := NewContext()
	c.SetOptimizationLevel(7)
	if c.OptimizationLevel != MaxOptimizationLevel {
		t.Errorf("level = %d, want %d", c.OptimizationLevel, MaxOptimizationLevel)
	}
	c.SetHotnessThreshold(1.5)
	if c.HotnessThreshold != 1 {
		t.Errorf("hotness threshold = %v, want 1", c.HotnessThreshold)
	}
	c.SetHotnessThreshold(-0.5)
	if c.HotnessThreshold != 0 {
		t.Errorf("hotness threshold = %v, want 0", c.HotnessThreshold)
	}
}

func TestIngestHotLoop(t *testing.T) {
	c := NewContext()
	c.Ingest([]Sample{{NodeID: 7, IsLoop: true, Entries: 1000, Iterations: 8000}})

	hp := c.Lookup(7)
	if hp == nil {
		t.Fatal("hot path for node 7 not recorded")
	}
	if hp.AverageIterations != 8 {
		t.Errorf("average iterations = %v, want 8", hp.AverageIterations)
	}
	if hp.AverageCycles != 800 {
		t.Errorf("average cycles = %v, want 800", hp.AverageCycles)
	}
	if math.Abs(hp.Hotness-0.94) > 1e-9 {
		t.Errorf("hotness = %v, want 0.94", hp.Hotness)
	}
	if !c.IsHot(hp) {
		t.Fatal("loop should be hot")
	}
	if f := c.UnrollFactor(hp); f != 4 {
		t.Errorf("unroll factor = %d, want 4", f)
	}

	d := c.Decide(hp)
	want := DecisionOptimizeBackend | DecisionRegisterOpt | DecisionUnroll | DecisionVectorize
	if d != want {
		t.Errorf("decisions = %b, want %b", d, want)
	}
	if d.Has(DecisionSpecialize) {
		t.Error("specialize requires level 3")
	}

	c.SetOptimizationLevel(3)
	if d := c.Decide(hp); !d.Has(DecisionSpecialize) {
		t.Error("hot loop with hotness > 0.5 at level 3 should specialize")
	}

	if b := c.ChooseBackend(hp, BackendFast); b != BackendOptimized {
		t.Errorf("backend = %s, want optimized", b)
	}
	if c.BackendSwitches != 1 {
		t.Errorf("backend switches = %d, want 1", c.BackendSwitches)
	}
}

func TestIngestAccumulates(t *testing.T) {
	c := NewContext()
	s := Sample{NodeID: 3, IsLoop: true, Entries: 400, Iterations: 400, Cycles: 4000}
	c.Ingest([]Sample{s})
	if c.IsHot(c.Lookup(3)) {
		t.Fatal("400 entries should not be hot")
	}
	c.Ingest([]Sample{s, s})
	hp := c.Lookup(3)
	if hp.ExecutionCount != 1200 {
		t.Fatalf("executions = %d, want 1200", hp.ExecutionCount)
	}
	if !c.IsHot(hp) {
		t.Error("1200 entries should be hot")
	}
}

func TestChooseBackendFromProfile(t *testing.T) {
	tests := []struct {
		entries uint64
		want    Backend
	}{
		{1000, BackendOptimized},
		{300, BackendHybrid},
		{250, BackendHybrid},
		{100, BackendFast},
	}
	for _, tt := range tests {
		c := NewContext()
		c.Ingest([]Sample{{NodeID: 1, IsLoop: true, Entries: tt.entries, Iterations: tt.entries}})
		if got := c.ChooseBackend(c.Lookup(1), BackendAuto); got != tt.want {
			t.Errorf("entries %d: backend = %s, want %s", tt.entries, got, tt.want)
		}
	}

	c := NewContext()
	if got := c.ChooseBackend(nil, BackendHybrid); got != BackendHybrid {
		t.Errorf("no data: backend = %s, want default hybrid", got)
	}
}

func TestShouldOptimize(t *testing.T) {
	c := NewContext()
	tests := []struct {
		name string
		hp   *HotPath
		want bool
	}{
		{"loop at half threshold", &HotPath{IsLoop: true, ExecutionCount: 500}, true},
		{"loop below half", &HotPath{IsLoop: true, ExecutionCount: 499}, false},
		{"function at quarter", &HotPath{IsFunction: true, ExecutionCount: 250}, true},
		{"function below quarter", &HotPath{IsFunction: true, ExecutionCount: 249}, false},
		{"other node", &HotPath{ExecutionCount: 999}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := c.ShouldOptimize(tt.hp); got != tt.want {
			t.Errorf("%s: ShouldOptimize = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestShouldRecompile(t *testing.T) {
	c := NewContext()
	c.Ingest([]Sample{{NodeID: 1, IsLoop: true, Entries: 2000}})
	if !c.ShouldRecompile(c.Lookup(1)) {
		t.Error("2000 entries should warrant recompilation")
	}
	c.Ingest([]Sample{{NodeID: 2, IsLoop: true, Entries: 1999}})
	if c.ShouldRecompile(c.Lookup(2)) {
		t.Error("1999 entries should not warrant recompilation")
	}
}

func TestInlineDecision(t *testing.T) {
	c := NewContext()
	c.Ingest([]Sample{
		{NodeID: 1, Entries: 1000, Cycles: 1000 * 4000},
		{NodeID: 2, Entries: 1000, Cycles: 1000 * 6000},
	})
	if !c.ShouldInline(c.Lookup(1)) {
		t.Error("hot function averaging 4000 cycles should inline")
	}
	if c.ShouldInline(c.Lookup(2)) {
		t.Error("hot function averaging 6000 cycles should not inline")
	}
	if c.InliningDecisions != 1 {
		t.Errorf("inlining decisions = %d, want 1", c.InliningDecisions)
	}
}

func TestDisabledContext(t *testing.T) {
	c := NewContext()
	c.Enabled = false
	c.Ingest([]Sample{{NodeID: 1, IsLoop: true, Entries: 5000}})
	if c.Lookup(1) != nil {
		t.Error("disabled context should ignore samples")
	}
	if got := c.ChooseBackend(&HotPath{ExecutionCount: 5000, Hotness: 1}, BackendFast); got != BackendFast {
		t.Errorf("disabled context backend = %s, want fast", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	c := NewContext()
	c.Ingest([]Sample{{NodeID: 4, IsLoop: true, Entries: 1500, Iterations: 3000}})

	data, err := MarshalSnapshot(c.Snapshot("img"))
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	s, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	if s.Image != "img" || len(s.Paths) != 1 {
		t.Fatalf("snapshot = %+v", s)
	}

	d := NewContext()
	d.Restore(s)
	hp := d.Lookup(4)
	if hp == nil || hp.ExecutionCount != 1500 || !d.IsHot(hp) {
		t.Errorf("restored hot path = %+v", hp)
	}
}

func TestDecisionFlagsString(t *testing.T) {
	tests := []struct {
		flags DecisionFlags
		want  string
	}{
		{DecisionNone, "none"},
		{DecisionInline, "inline"},
		{DecisionUnroll | DecisionOptimizeBackend, "unroll|optimize-backend"},
		{DecisionRegisterOpt | DecisionVectorize | DecisionSpecialize, "vectorize|specialize|register-opt"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", uint32(tt.flags), got, tt.want)
		}
	}
}
