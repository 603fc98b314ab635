// Package vmcheck scores running VMs for the wedge and quiet heuristics
// from Prometheus metrics: high sustained CPU with low I/O suggests a
// hung/spinning guest, low I/O alone suggests a reclaim candidate.
package vmcheck

import (
	"math"
	"sort"
)

// Composite score weights. CPU dominates; steadiness splits its weight
// between jitter and peak-vs-average spread.
const (
	weightCPU    = 60.0
	weightNet    = 15.0
	weightDisk   = 15.0
	weightJitter = 5.0
	weightSpread = 5.0
)

// Sample is one VM's aggregated metric inputs.
type Sample struct {
	Namespace string
	Name      string
	Node      string

	// CPUAvgPct/CPUMaxPct are utilization percentages over the window;
	// CPUStddevPct is the standard deviation of the same series.
	CPUAvgPct    float64
	CPUMaxPct    float64
	CPUStddevPct float64

	// NetBytesPerSec and DiskBytesPerSec are combined rx+tx / read+write
	// throughput averages over the window.
	NetBytesPerSec  float64
	DiskBytesPerSec float64

	// MissingSeries lists metric names that returned no data and were
	// substituted with zero. Recorded so reports never present a
	// substituted zero as a measurement.
	MissingSeries []string
}

// relJitter is CPU stddev relative to the average, clamped to [0,1].
func (s Sample) relJitter() float64 {
	if s.CPUAvgPct <= 0 {
		return 1 // unknown steadiness scores worst
	}
	return clamp01(s.CPUStddevPct / s.CPUAvgPct)
}

// relSpread is the peak-vs-average spread relative to the average,
// clamped to [0,1].
func (s Sample) relSpread() float64 {
	if s.CPUAvgPct <= 0 {
		return 1
	}
	return clamp01((s.CPUMaxPct - s.CPUAvgPct) / s.CPUAvgPct)
}

// Thresholds are the heuristic ceilings and floors.
type Thresholds struct {
	// CPUFloorPct is the minimum sustained CPU for the wedge heuristic.
	CPUFloorPct float64
	// NetCeilingBytes / DiskCeilingBytes are the "low I/O" ceilings.
	NetCeilingBytes  float64
	DiskCeilingBytes float64

	// RequireSteady additionally gates the wedge match on jitter/spread.
	RequireSteady bool
	// JitterMaxPct / SpreadMaxPct bound relative jitter and spread (in
	// percent of the CPU average) when RequireSteady is set.
	JitterMaxPct float64
	SpreadMaxPct float64

	// QuietRequireBoth selects AND (both net and disk below ceiling)
	// instead of the default OR for the quiet heuristic.
	QuietRequireBoth bool
}

// DefaultThresholds mirrors the operational defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUFloorPct:      85,
		NetCeilingBytes:  50 * 1024,
		DiskCeilingBytes: 100 * 1024,
		JitterMaxPct:     15,
		SpreadMaxPct:     30,
	}
}

// Score computes the composite wedge score in [0,100]. Monotone
// non-decreasing in CPU average: raising CPU while holding the other
// inputs fixed never lowers the score.
func Score(s Sample, t Thresholds) float64 {
	cpu := clamp01(s.CPUAvgPct/100) * weightCPU

	net := (1 - ratioOrMax(s.NetBytesPerSec, t.NetCeilingBytes)) * weightNet
	disk := (1 - ratioOrMax(s.DiskBytesPerSec, t.DiskCeilingBytes)) * weightDisk

	jitter := (1 - s.relJitter()) * weightJitter
	spread := (1 - s.relSpread()) * weightSpread

	return cpu + net + disk + jitter + spread
}

// MatchWedge reports whether the sample matches the wedge heuristic:
// CPU above the floor with both I/O signals below their ceilings, plus
// the steadiness gates when enabled.
func MatchWedge(s Sample, t Thresholds) bool {
	if s.CPUAvgPct < t.CPUFloorPct {
		return false
	}
	if s.NetBytesPerSec >= t.NetCeilingBytes || s.DiskBytesPerSec >= t.DiskCeilingBytes {
		return false
	}
	if t.RequireSteady {
		if s.relJitter()*100 > t.JitterMaxPct {
			return false
		}
		if s.relSpread()*100 > t.SpreadMaxPct {
			return false
		}
	}
	return true
}

// MatchQuiet reports whether the sample matches the quiet heuristic.
// Independent of CPU: a quiet VM may be idle or busy-but-isolated.
func MatchQuiet(s Sample, t Thresholds) bool {
	netQuiet := s.NetBytesPerSec < t.NetCeilingBytes
	diskQuiet := s.DiskBytesPerSec < t.DiskCeilingBytes
	if t.QuietRequireBoth {
		return netQuiet && diskQuiet
	}
	return netQuiet || diskQuiet
}

// Suggestion is the percentile-based threshold proposal.
type Suggestion struct {
	Percentile       float64
	NetCeilingBytes  float64
	DiskCeilingBytes float64
	Population       int
}

// SuggestThresholds proposes net/disk ceilings at a low percentile of
// the candidate population's throughput (nearest-rank). An empty
// population yields a zero suggestion.
func SuggestThresholds(samples []Sample, percentile float64) Suggestion {
	sug := Suggestion{Percentile: percentile, Population: len(samples)}
	if len(samples) == 0 {
		return sug
	}

	nets := make([]float64, 0, len(samples))
	disks := make([]float64, 0, len(samples))
	for _, s := range samples {
		nets = append(nets, s.NetBytesPerSec)
		disks = append(disks, s.DiskBytesPerSec)
	}
	sug.NetCeilingBytes = nearestRank(nets, percentile)
	sug.DiskCeilingBytes = nearestRank(disks, percentile)
	return sug
}

// nearestRank is the classic nearest-rank percentile over a copy of the
// input.
func nearestRank(values []float64, percentile float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	p := clamp01(percentile / 100)
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
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

// ratioOrMax is v/ceiling clamped to [0,1]; a zero ceiling counts as
// saturated so a misconfigured ceiling cannot inflate the score.
func ratioOrMax(v, ceiling float64) float64 {
	if ceiling <= 0 {
		return 1
	}
	return clamp01(v / ceiling)
}
