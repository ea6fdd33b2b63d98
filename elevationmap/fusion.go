package elevationmap

import (
	"math"
	"time"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/viam-modules/viam-elevation-mapping/gridmap"
)

// FuseAll populates the fused map for the whole grid from the current raw
// map. It reports whether any region was processed.
func (em *ElevationMap) FuseAll() bool {
	em.logger.Debug("requested to fuse the entire elevation map")
	snapshot := em.RawSnapshot()

	em.fusedMu.Lock()
	defer em.fusedMu.Unlock()
	return em.fuse(snapshot, snapshot.StartIndex(), snapshot.Size())
}

// FuseArea populates the fused map for the rectangular region with the given
// center position and metric extent, clipped to the map bounds. It reports
// whether any region was processed; an empty region is a no-op.
func (em *ElevationMap) FuseArea(center, extent r2.Point) bool {
	em.logger.Debugf("requested to fuse the area centered at (%f, %f) with side lengths (%f, %f)",
		center.X, center.Y, extent.X, extent.Y)
	snapshot := em.RawSnapshot()
	info := snapshot.SubmapInfo(center, extent)

	em.fusedMu.Lock()
	defer em.fusedMu.Unlock()
	return em.fuse(snapshot, info.TopLeftIndex, info.Size)
}

// fuse runs the fusion pass over the given region of the raw map snapshot.
// The caller must hold the fused lock; the raw lock is not needed since the
// pass only reads the snapshot.
//
// Each target cell is recomputed as a Gaussian mixture of the valid snapshot
// cells within its positional-uncertainty footprint, weighted per axis by the
// probability mass of a zero-mean Gaussian over the neighbor's cell footprint
// at its distance from the target.
func (em *ElevationMap) fuse(snapshot *gridmap.Map, topLeft gridmap.Index, size gridmap.Size) bool {
	if size.IsZero() {
		return false
	}

	// The fused map is a function of a single raw map snapshot. If the raw
	// map has advanced since the last pass, everything fused so far is stale.
	if !em.fusedMap.Timestamp().Equal(snapshot.Timestamp()) {
		em.resetFusedData()
	}

	resolution := snapshot.Resolution()
	var means, variances, weights []float64

	for it := snapshot.NewSubmapIterator(topLeft, size); !it.Done(); it.Next() {
		index := it.Index()

		// Already fused for this snapshot.
		if em.fusedMap.IsValid(index) {
			continue
		}
		// A raw hole stays a hole in the fused map.
		if !snapshot.IsValid(index) {
			continue
		}

		center, err := snapshot.PositionAt(index)
		if err != nil {
			continue
		}

		// Footprint of the cell estimate (2 sigma bound per axis).
		hvx := snapshotAt(snapshot, layerHorizontalVarianceX, index)
		hvy := snapshotAt(snapshot, layerHorizontalVarianceY, index)
		extent := r2.Point{X: 4 * math.Sqrt(hvx), Y: 4 * math.Sqrt(hvy)}
		info := snapshot.SubmapInfo(center, extent)

		means, variances, weights = means[:0], variances[:0], weights[:0]
		for sub := snapshot.NewSubmapIterator(info.TopLeftIndex, info.Size); !sub.Done(); sub.Next() {
			neighbor := sub.Index()
			if !snapshot.IsValid(neighbor) {
				continue
			}
			variance := snapshotAt(snapshot, layerVariance, neighbor)
			// Diverged neighbors carry no usable information.
			if !isFinite(variance) {
				continue
			}
			position, err := snapshot.PositionAt(neighbor)
			if err != nil {
				continue
			}

			weight := normalCellMass(math.Abs(position.X-center.X), resolution,
				snapshotAt(snapshot, layerHorizontalVarianceX, neighbor)) *
				normalCellMass(math.Abs(position.Y-center.Y), resolution,
					snapshotAt(snapshot, layerHorizontalVarianceY, neighbor))

			means = append(means, snapshotAt(snapshot, layerElevation, neighbor))
			variances = append(variances, variance)
			weights = append(weights, weight)
		}

		if len(weights) == 0 {
			// Nothing to fuse, the raw estimate passes through unchanged.
			em.setFused(layerElevation, index, snapshotAt(snapshot, layerElevation, index))
			em.setFused(layerVariance, index, snapshotAt(snapshot, layerVariance, index))
			em.setFused(layerColor, index, snapshotAt(snapshot, layerColor, index))
			continue
		}

		// Mean and second moment of the weighted Gaussian mixture. This
		// captures both each neighbor's own uncertainty and the spread
		// between the neighbors' means, unlike the inverse-variance update
		// used at ingestion which refines a single estimate.
		var weightSum, meanSum, momentSum float64
		for i, w := range weights {
			weightSum += w
			meanSum += w * means[i]
			momentSum += w * (variances[i] + means[i]*means[i])
		}
		mean := meanSum / weightSum
		variance := momentSum/weightSum - mean*mean

		if !isFinite(mean) || !isFinite(variance) {
			em.logger.Errorw("fusion produced degenerate statistics, leaving the cell empty",
				"row", index.Row, "col", index.Col, "mean", mean, "variance", variance)
			continue
		}

		em.setFused(layerElevation, index, mean)
		em.setFused(layerVariance, index, variance)
		// No color fusion, the raw center cell's color passes through.
		em.setFused(layerColor, index, snapshotAt(snapshot, layerColor, index))
	}

	em.fusedMap.SetTimestamp(snapshot.Timestamp())
	return true
}

// resetFusedData invalidates all fused cells and clears the fused timestamp.
// Callers must hold the fused lock.
func (em *ElevationMap) resetFusedData() {
	em.fusedMap.ClearAll()
	em.fusedMap.SetTimestamp(time.Time{})
}

// normalCellMass is the probability that a zero-mean Gaussian with variance
// hv falls within a resolution-wide cell footprint centered at the given
// distance.
func normalCellMass(distance, resolution, hv float64) float64 {
	sigma := math.Sqrt(hv)
	if sigma == 0 {
		// Degenerate distribution, all mass at the cell itself.
		if distance <= resolution/2 {
			return 1
		}
		return 0
	}
	if math.IsInf(sigma, 1) || math.IsNaN(sigma) {
		return 0
	}
	normal := distuv.Normal{Mu: 0, Sigma: sigma}
	return normal.CDF(distance+resolution/2) - normal.CDF(distance-resolution/2)
}

func snapshotAt(snapshot *gridmap.Map, layer string, index gridmap.Index) float64 {
	v, err := snapshot.At(layer, index)
	if err != nil {
		return math.NaN()
	}
	return v
}

func (em *ElevationMap) setFused(layer string, index gridmap.Index, value float64) {
	_ = em.fusedMap.SetAt(layer, index, value)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
