// Package motionupdater propagates robot pose uncertainty into the elevation map.
package motionupdater

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-elevation-mapping/elevationmap"
	"github.com/viam-modules/viam-elevation-mapping/gridmap"
)

// poseCovarianceDim is the dimension of the pose covariance matrix
// (x, y, z translation followed by roll, pitch, yaw rotation).
const poseCovarianceDim = 6

// Updater turns growth in the robot pose covariance into exogenous variance
// added to the elevation map. The first pose it sees establishes the baseline;
// every later pose contributes the covariance increase since the previous one.
type Updater struct {
	logger             logging.Logger
	elevationMap       *elevationmap.ElevationMap
	previousCovariance *mat.Dense
	previousUpdateTime time.Time
}

// New returns an Updater tracking covariance growth for the given map.
func New(elevationMap *elevationmap.ElevationMap, logger logging.Logger) *Updater {
	return &Updater{
		logger:       logger,
		elevationMap: elevationMap,
	}
}

// Update applies the pose covariance increase since the previous call to the
// elevation map. Poses whose timestamp has not advanced are ignored, and
// covariance that shrank contributes nothing: the per-cell deltas floor at zero.
func (u *Updater) Update(pose spatialmath.Pose, covariance *mat.Dense, t time.Time) error {
	if covariance == nil {
		return errors.New("pose covariance is nil")
	}
	if r, c := covariance.Dims(); r != poseCovarianceDim || c != poseCovarianceDim {
		return errors.Errorf("pose covariance must be %dx%d, got %dx%d", poseCovarianceDim, poseCovarianceDim, r, c)
	}
	if !t.After(u.previousUpdateTime) {
		u.logger.Debugf("pose time %v has not advanced past %v, skipping map variance update", t, u.previousUpdateTime)
		return nil
	}
	if u.previousCovariance == nil {
		u.previousCovariance = mat.DenseCopyOf(covariance)
		u.previousUpdateTime = t
		return nil
	}

	deltaX := floorAtZero(covariance.At(0, 0) - u.previousCovariance.At(0, 0))
	deltaY := floorAtZero(covariance.At(1, 1) - u.previousCovariance.At(1, 1))
	deltaZ := floorAtZero(covariance.At(2, 2) - u.previousCovariance.At(2, 2))
	deltaYaw := floorAtZero(covariance.At(5, 5) - u.previousCovariance.At(5, 5))

	snapshot := u.elevationMap.RawSnapshot()
	size := snapshot.Size()
	if size.IsZero() {
		return errors.New("elevation map has no geometry set")
	}

	variance := mat.NewDense(size.Rows, size.Cols, nil)
	horizontalVarianceX := mat.NewDense(size.Rows, size.Cols, nil)
	horizontalVarianceY := mat.NewDense(size.Rows, size.Cols, nil)

	robot := pose.Point()
	for row := 0; row < size.Rows; row++ {
		for col := 0; col < size.Cols; col++ {
			cell, err := snapshot.PositionAt(gridmap.Index{Row: row, Col: col})
			if err != nil {
				continue
			}
			// A yaw error sweeps each cell sideways in proportion to its
			// lever arm from the robot, first order in the rotation angle.
			leverX := cell.X - robot.X
			leverY := cell.Y - robot.Y
			variance.Set(row, col, deltaZ)
			horizontalVarianceX.Set(row, col, deltaX+deltaYaw*leverY*leverY)
			horizontalVarianceY.Set(row, col, deltaY+deltaYaw*leverX*leverX)
		}
	}

	if err := u.elevationMap.Update(variance, horizontalVarianceX, horizontalVarianceY, t); err != nil {
		return errors.Wrap(err, "failed to apply pose covariance to elevation map")
	}

	u.previousCovariance.Copy(covariance)
	u.previousUpdateTime = t
	return nil
}

// LastUpdateTime returns the pose time of the most recent accepted update.
func (u *Updater) LastUpdateTime() time.Time {
	return u.previousUpdateTime
}

func floorAtZero(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
