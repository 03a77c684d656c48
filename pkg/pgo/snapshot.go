package pgo

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var snapshotEncMode cbor.EncMode

func init() {
	var err error
	snapshotEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("pgo: failed to create CBOR encoder: %v", err))
	}
}

// Snapshot is a portable export of a context's hot paths.
type Snapshot struct {
	Image             string            `cbor:"image"`
	HotPathThreshold  uint64            `cbor:"hot_path_threshold"`
	HotnessThreshold  float64           `cbor:"hotness_threshold"`
	OptimizationLevel int               `cbor:"level"`
	Paths             []SnapshotHotPath `cbor:"paths"`
}

// SnapshotHotPath is one exported hot path.
type SnapshotHotPath struct {
	NodeID     int     `cbor:"node"`
	IsLoop     bool    `cbor:"loop,omitempty"`
	Executions uint64  `cbor:"executions"`
	Cycles     uint64  `cbor:"cycles"`
	AvgIters   float64 `cbor:"avg_iterations,omitempty"`
	Hotness    float64 `cbor:"hotness"`
	Decisions  uint32  `cbor:"decisions,omitempty"`
}

// Snapshot captures the current hot paths of c.
func (c *Context) Snapshot(image string) Snapshot {
	s := Snapshot{
		Image:             image,
		HotPathThreshold:  c.HotPathThreshold,
		HotnessThreshold:  c.HotnessThreshold,
		OptimizationLevel: c.OptimizationLevel,
	}
	for _, hp := range c.HotPaths() {
		s.Paths = append(s.Paths, SnapshotHotPath{
			NodeID:     hp.NodeID,
			IsLoop:     hp.IsLoop,
			Executions: hp.ExecutionCount,
			Cycles:     hp.TotalCycles,
			AvgIters:   hp.AverageIterations,
			Hotness:    hp.Hotness,
			Decisions:  uint32(hp.Decisions),
		})
	}
	return s
}

// MarshalSnapshot encodes s as canonical CBOR.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	data, err := snapshotEncMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("pgo: marshal snapshot: %w", err)
	}
	return data, nil
}

// UnmarshalSnapshot decodes a snapshot produced by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("pgo: unmarshal snapshot: %w", err)
	}
	return s, nil
}

// Restore replaces c's hot paths with the ones in s. Thresholds are left
// as configured on c and hotness is recomputed against them.
func (c *Context) Restore(s Snapshot) {
	c.hotPaths = make(map[int]*HotPath, len(s.Paths))
	for _, p := range s.Paths {
		hp := &HotPath{
			NodeID:            p.NodeID,
			IsLoop:            p.IsLoop,
			IsFunction:        !p.IsLoop,
			ExecutionCount:    p.Executions,
			TotalCycles:       p.Cycles,
			AverageIterations: p.AvgIters,
			Decisions:         DecisionFlags(p.Decisions),
		}
		if hp.ExecutionCount > 0 {
			hp.AverageCycles = float64(hp.TotalCycles) / float64(hp.ExecutionCount)
		}
		hp.Hotness = c.Hotness(hp.ExecutionCount, hp.TotalCycles)
		c.hotPaths[p.NodeID] = hp
	}
}
