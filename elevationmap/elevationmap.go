// Package elevationmap maintains a probabilistic 2.5D elevation grid built
// incrementally from noisy 3D point measurements. It keeps two grids: a raw
// map holding the per-cell Bayesian height estimate updated at sensor rate,
// and a fused map holding a spatially consistent view computed on demand from
// a snapshot of the raw map.
package elevationmap

import (
	"image/color"
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-elevation-mapping/gridmap"
)

const (
	layerElevation           = "elevation"
	layerVariance            = "variance"
	layerHorizontalVarianceX = "horizontal_variance_x"
	layerHorizontalVarianceY = "horizontal_variance_y"
	layerColor               = "color"
)

// Params holds the mapping parameters of the elevation map.
type Params struct {
	// MinVariance and MaxVariance bound the elevation variance of a cell.
	// Values computed below the minimum are raised to it; values above the
	// maximum are forced to +Inf to mark the estimate as diverged.
	MinVariance float64
	MaxVariance float64
	// MahalanobisDistanceThreshold separates measurements that refine a
	// cell's estimate from measurements of a different surface.
	MahalanobisDistanceThreshold float64
	// MultiHeightNoise is added to a cell's variance whenever a measurement
	// is rejected as belonging to a different surface, so that outliers and
	// moving objects eventually wash out.
	MultiHeightNoise float64
	// MinHorizontalVariance and MaxHorizontalVariance bound the positional
	// uncertainty of a cell's estimate along each map axis.
	MinHorizontalVariance float64
	MaxHorizontalVariance float64
}

// Point is a single 3D measurement with an attached color.
type Point struct {
	Position r3.Vector
	Color    color.NRGBA
}

// ElevationMap is the fusion core. All exported methods are safe for
// concurrent use; the raw and fused grids are guarded by separate locks so
// that ingestion and fusion do not stall each other. Methods touching both
// grids acquire the raw lock before the fused lock.
type ElevationMap struct {
	logger logging.Logger
	params Params

	rawMu  sync.Mutex
	rawMap *gridmap.Map
	pose   spatialmath.Pose

	fusedMu  sync.Mutex
	fusedMap *gridmap.Map
}

// New creates an elevation map with the given parameters. The map has no
// geometry until SetGeometry is called.
func New(params Params, logger logging.Logger) *ElevationMap {
	return &ElevationMap{
		logger: logger,
		params: params,
		rawMap: gridmap.NewMap(
			[]string{layerElevation, layerVariance, layerHorizontalVarianceX, layerHorizontalVarianceY, layerColor},
			[]string{layerElevation, layerVariance},
		),
		fusedMap: gridmap.NewMap(
			[]string{layerElevation, layerVariance, layerColor},
			[]string{layerElevation, layerVariance},
		),
		pose: spatialmath.NewZeroPose(),
	}
}

// SetGeometry resizes both grids to the given side lengths, resolution and
// center position. All cells are cleared.
func (em *ElevationMap) SetGeometry(length r2.Point, resolution float64, position r2.Point) {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	em.fusedMu.Lock()
	defer em.fusedMu.Unlock()
	em.rawMap.SetGeometry(length, resolution, position)
	em.fusedMap.SetGeometry(length, resolution, position)
	size := em.rawMap.Size()
	em.logger.Infof("elevation map grid resized to %d rows and %d columns", size.Rows, size.Cols)
}

// Add integrates a batch of measured points into the raw map. The variances
// slice holds the elevation variance of each point as supplied by the sensor
// noise model and must be parallel to points; this is a precondition of the
// call, not a checked error. The capture time t becomes the raw map timestamp.
//
// Points outside the map bounds are skipped. A point hitting an empty cell
// initializes it; a point within the Mahalanobis distance threshold of the
// cell estimate is fused by inverse-variance weighting; any other point is
// rejected as a different surface and instead inflates the cell variance.
func (em *ElevationMap) Add(points []Point, variances []float64, t time.Time) error {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()

	for i, point := range points {
		index, ok := em.rawMap.IndexAt(r2.Point{X: point.Position.X, Y: point.Position.Y})
		if !ok {
			// Not an error, the point simply does not lie within the map.
			continue
		}
		pointVariance := variances[i]

		if !em.rawMap.IsValid(index) {
			// No prior information in the map, use the measurement.
			em.setRaw(layerElevation, index, point.Position.Z)
			em.setRaw(layerVariance, index, pointVariance)
			em.setRaw(layerHorizontalVarianceX, index, em.params.MinHorizontalVariance)
			em.setRaw(layerHorizontalVarianceY, index, em.params.MinHorizontalVariance)
			em.setRaw(layerColor, index, gridmap.PackColor(point.Color))
			continue
		}

		elevation := em.rawAt(layerElevation, index)
		variance := em.rawAt(layerVariance, index)
		mahalanobisDistance := math.Abs(point.Position.Z-elevation) / math.Sqrt(variance)

		if mahalanobisDistance < em.params.MahalanobisDistanceThreshold {
			// Fuse the measurement with the cell estimate.
			em.setRaw(layerElevation, index,
				(variance*point.Position.Z+pointVariance*elevation)/(variance+pointVariance))
			em.setRaw(layerVariance, index, (pointVariance*variance)/(pointVariance+variance))
			// No color fusion, the latest measurement wins.
			em.setRaw(layerColor, index, gridmap.PackColor(point.Color))
			continue
		}

		// The measurement belongs to a different surface (outlier, moving
		// object or overhang). Inflate the variance so that persistent
		// conflicting measurements eventually reinitialize the cell, and
		// restart the positional uncertainty accumulation.
		em.setRaw(layerVariance, index, variance+em.params.MultiHeightNoise)
		em.setRaw(layerHorizontalVarianceX, index, em.params.MinHorizontalVariance)
		em.setRaw(layerHorizontalVarianceY, index, em.params.MinHorizontalVariance)
	}

	em.clean()
	em.rawMap.SetTimestamp(t)
	return nil
}

// Update adds exogenous variance growth (e.g. from platform motion) to the
// raw map. The three delta matrices must match the cell dimensions of the
// grid; on a mismatch the whole update is rejected and the map is unchanged.
func (em *ElevationMap) Update(variance, horizontalVarianceX, horizontalVarianceY *mat.Dense, t time.Time) error {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()

	size := em.rawMap.Size()
	var dimsErr error
	for layer, delta := range map[string]*mat.Dense{
		layerVariance:            variance,
		layerHorizontalVarianceX: horizontalVarianceX,
		layerHorizontalVarianceY: horizontalVarianceY,
	} {
		rows, cols := delta.Dims()
		if rows != size.Rows || cols != size.Cols {
			dimsErr = multierr.Append(dimsErr, errors.Errorf("%s update size (%d, %d) does not match the map size (%d, %d)",
				layer, rows, cols, size.Rows, size.Cols))
		}
	}
	if dimsErr != nil {
		return dimsErr
	}

	if err := em.rawMap.AddToLayer(layerVariance, denseValues(variance)); err != nil {
		return err
	}
	if err := em.rawMap.AddToLayer(layerHorizontalVarianceX, denseValues(horizontalVarianceX)); err != nil {
		return err
	}
	if err := em.rawMap.AddToLayer(layerHorizontalVarianceY, denseValues(horizontalVarianceY)); err != nil {
		return err
	}

	em.clean()
	em.rawMap.SetTimestamp(t)
	return nil
}

// Clean clamps the raw map variance layers into their configured bounds.
func (em *ElevationMap) Clean() {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	em.clean()
}

// clean applies the variance clamp to the three raw variance layers. Values
// below the minimum are raised to it; values above the maximum are forced to
// +Inf as a diverged marker rather than clamped to the ceiling. Callers must
// hold the raw lock.
func (em *ElevationMap) clean() {
	// The layer set is fixed at construction, these cannot fail.
	_ = em.rawMap.MapLayer(layerVariance, varianceClamp(em.params.MinVariance, em.params.MaxVariance))
	_ = em.rawMap.MapLayer(layerHorizontalVarianceX, varianceClamp(em.params.MinHorizontalVariance, em.params.MaxHorizontalVariance))
	_ = em.rawMap.MapLayer(layerHorizontalVarianceY, varianceClamp(em.params.MinHorizontalVariance, em.params.MaxHorizontalVariance))
}

func varianceClamp(min, max float64) func(float64) float64 {
	return func(v float64) float64 {
		switch {
		case v < min:
			return min
		case v > max:
			return math.Inf(1)
		default:
			return v
		}
	}
}

// Move relocates the raw map window so that it is centered at the given
// position. The fused map window is relocated too unless a fusion pass is in
// progress, in which case its relocation is skipped for this cycle; the fused
// view may lag the platform's motion until the next successful attempt.
func (em *ElevationMap) Move(position r2.Point) {
	em.rawMu.Lock()
	em.rawMap.Move(position)
	em.rawMu.Unlock()

	if em.fusedMu.TryLock() {
		em.fusedMap.Move(position)
		em.fusedMu.Unlock()
	} else {
		em.logger.Debug("fusion in progress, skipping fused map relocation")
	}
}

// ClearArea invalidates all raw cells whose center lies within radius of the
// given position, and returns how many cells were cleared.
func (em *ElevationMap) ClearArea(center r2.Point, radius float64) int {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()

	info := em.rawMap.SubmapInfo(center, r2.Point{X: 2 * radius, Y: 2 * radius})
	if info.Size.IsZero() {
		return 0
	}

	cleared := 0
	for it := em.rawMap.NewSubmapIterator(info.TopLeftIndex, info.Size); !it.Done(); it.Next() {
		index := it.Index()
		if !em.rawMap.IsValid(index) {
			continue
		}
		position, err := em.rawMap.PositionAt(index)
		if err != nil {
			continue
		}
		if position.Sub(center).Norm() > radius {
			continue
		}
		em.setRaw(layerElevation, index, math.NaN())
		em.setRaw(layerVariance, index, math.NaN())
		cleared++
	}
	return cleared
}

// Params returns the tuning parameters the map was created with.
func (em *ElevationMap) Params() Params {
	return em.params
}

// Reset clears both grids to all-invalid.
func (em *ElevationMap) Reset() {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	em.fusedMu.Lock()
	defer em.fusedMu.Unlock()
	em.rawMap.ClearAll()
	em.rawMap.SetTimestamp(time.Time{})
	em.fusedMap.ClearAll()
	em.fusedMap.SetTimestamp(time.Time{})
}

// LastUpdateTime returns the time of the most recent raw map mutation.
func (em *ElevationMap) LastUpdateTime() time.Time {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	return em.rawMap.Timestamp()
}

// LastFusionTime returns the raw map snapshot time the fused map was last
// computed from.
func (em *ElevationMap) LastFusionTime() time.Time {
	em.fusedMu.Lock()
	defer em.fusedMu.Unlock()
	return em.fusedMap.Timestamp()
}

// FrameID returns the coordinate frame of the map data.
func (em *ElevationMap) FrameID() string {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	return em.rawMap.FrameID()
}

// SetFrameID sets the coordinate frame on both grids.
func (em *ElevationMap) SetFrameID(frameID string) {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	em.fusedMu.Lock()
	defer em.fusedMu.Unlock()
	em.rawMap.SetFrameID(frameID)
	em.fusedMap.SetFrameID(frameID)
}

// Pose returns the rigid transform from the grid frame to its parent frame.
func (em *ElevationMap) Pose() spatialmath.Pose {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	return em.pose
}

// SetPose sets the rigid transform from the grid frame to its parent frame.
// The pose is used only for point queries, it does not affect fusion.
func (em *ElevationMap) SetPose(pose spatialmath.Pose) {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	em.pose = pose
}

// Position3InParentFrame returns the 3D position of the cell at the given
// index, transformed into the parent frame. It fails if the index has no
// valid elevation.
func (em *ElevationMap) Position3InParentFrame(index gridmap.Index) (r3.Vector, error) {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	position, err := em.rawMap.Position3(layerElevation, index)
	if err != nil {
		return r3.Vector{}, err
	}
	return spatialmath.Compose(em.pose, spatialmath.NewPoseFromPoint(position)).Point(), nil
}

// RawSnapshot returns a value copy of the raw grid.
func (em *ElevationMap) RawSnapshot() *gridmap.Map {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	return em.rawMap.Copy()
}

// FusedSnapshot returns a value copy of the fused grid.
func (em *ElevationMap) FusedSnapshot() *gridmap.Map {
	em.fusedMu.Lock()
	defer em.fusedMu.Unlock()
	return em.fusedMap.Copy()
}

// RawPointCloud serializes the valid cells of the raw grid.
func (em *ElevationMap) RawPointCloud() (pointcloud.PointCloud, error) {
	em.rawMu.Lock()
	defer em.rawMu.Unlock()
	return em.rawMap.ToPointCloud(layerElevation, layerColor)
}

// FusedPointCloud serializes the valid cells of the fused grid.
func (em *ElevationMap) FusedPointCloud() (pointcloud.PointCloud, error) {
	em.fusedMu.Lock()
	defer em.fusedMu.Unlock()
	return em.fusedMap.ToPointCloud(layerElevation, layerColor)
}

// rawAt reads a raw layer value at an index known to be in range.
func (em *ElevationMap) rawAt(layer string, index gridmap.Index) float64 {
	v, err := em.rawMap.At(layer, index)
	if err != nil {
		return math.NaN()
	}
	return v
}

// setRaw writes a raw layer value at an index known to be in range.
func (em *ElevationMap) setRaw(layer string, index gridmap.Index, value float64) {
	_ = em.rawMap.SetAt(layer, index, value)
}

// denseValues returns the matrix values as a flat row-major slice.
func denseValues(d *mat.Dense) []float64 {
	raw := d.RawMatrix()
	if raw.Stride == raw.Cols {
		return raw.Data
	}
	values := make([]float64, 0, raw.Rows*raw.Cols)
	for r := 0; r < raw.Rows; r++ {
		values = append(values, raw.Data[r*raw.Stride:r*raw.Stride+raw.Cols]...)
	}
	return values
}
