package engine

import "math"

// --------------------------------------------------------------------------
// Shard distribution statistics
// --------------------------------------------------------------------------

// DistributionStats summarizes how evenly entries spread across the shards
type DistributionStats struct {
	StdDeviation        float64 `json:"std_deviation"`
	Min                 float64 `json:"min"`
	Max                 float64 `json:"max"`
	Mean                float64 `json:"mean"`
	MinMaxRatio         float64 `json:"min_max_ratio"`
	DistributionQuality float64 `json:"distribution_quality"`
}

// newDistributionStats computes quality metrics for the shard size spread.
// Lower coefficient of variation and higher min/max ratio indicate a better
// distribution.
func newDistributionStats(shardSizes []float64) DistributionStats {
	if len(shardSizes) == 0 {
		return DistributionStats{}
	}

	minV := shardSizes[0]
	maxV := shardSizes[0]
	var sum float64
	for _, v := range shardSizes {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	mean := sum / float64(len(shardSizes))

	var sumSquaredDiffs float64
	for _, v := range shardSizes {
		diff := v - mean
		sumSquaredDiffs += diff * diff
	}
	stdDev := math.Sqrt(sumSquaredDiffs / float64(len(shardSizes)))

	minMaxRatio := 1.0
	if maxV > 0 {
		minMaxRatio = minV / maxV
	}

	var cv float64
	if mean > 0 {
		cv = stdDev / mean
	}

	return DistributionStats{
		StdDeviation:        stdDev,
		Min:                 minV,
		Max:                 maxV,
		Mean:                mean,
		MinMaxRatio:         minMaxRatio,
		DistributionQuality: (1.0-math.Min(1.0, cv))*0.5 + minMaxRatio*0.5,
	}
}

// Stats is a point-in-time snapshot of the engine's shape
type Stats struct {
	Keys              int               `json:"keys"`
	Tombstones        int               `json:"tombstones"`
	ShardCount        int               `json:"shard_count"`
	ShardDistribution DistributionStats `json:"shard_distribution"`
	ReplicationQueue  int               `json:"replication_queue"`
}

// Stats scans the shards and reports entry counts and distribution quality.
// Meta sidecars are not counted as keys.
func (e *Engine) Stats() Stats {
	shardSizes := make([]float64, len(e.shards))
	keys := 0
	tombstones := 0

	for i, s := range e.shards {
		s.mx.RLock()
		shardSizes[i] = float64(len(s.data))
		for k, b := range s.data {
			if isMetaKey(k) {
				continue
			}
			if b.Len() == 0 {
				tombstones++
			} else {
				keys++
			}
		}
		s.mx.RUnlock()
	}

	return Stats{
		Keys:              keys,
		Tombstones:        tombstones,
		ShardCount:        len(e.shards),
		ShardDistribution: newDistributionStats(shardSizes),
		ReplicationQueue:  e.replog.Size(),
	}
}
