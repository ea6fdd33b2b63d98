// Package sensormodel computes per-point elevation variances for depth-sensor
// point clouds from a structured-light noise model, and cleans the cloud of
// unusable points. The variances feed the elevation map's per-cell Bayesian
// update as the measurement noise of each point.
package sensormodel

import (
	"image/color"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-elevation-mapping/elevationmap"
)

// Params holds the noise model factors. The noise of a structured-light depth
// sensor grows quadratically with the measurement distance along the beam
// (normal direction) and linearly across it (lateral direction).
type Params struct {
	NormalFactorA float64
	NormalFactorB float64
	NormalFactorC float64
	LateralFactor float64
	// CutoffMinDepth and CutoffMaxDepth bound the usable measurement
	// distance; points outside are dropped during cleaning.
	CutoffMinDepth float64
	CutoffMaxDepth float64
}

// DefaultParams returns the noise model of a PrimeSense-class depth sensor.
func DefaultParams() Params {
	return Params{
		NormalFactorA:  0.000002,
		NormalFactorB:  0.0042,
		NormalFactorC:  0.4,
		LateralFactor:  0.0015,
		CutoffMinDepth: 0.35,
		CutoffMaxDepth: 3.0,
	}
}

// SensorModel converts sensor-frame point clouds into map-frame point batches
// with per-point elevation variances.
type SensorModel struct {
	params Params
}

// New returns a sensor model with the given factors.
func New(params Params) *SensorModel {
	return &SensorModel{params: params}
}

// Process cleans the sensor-frame cloud, transforms the remaining points into
// the map frame through sensorPose, and computes the elevation variance of
// every point. rotationCovariance is the 3x3 covariance of the platform
// rotation estimate in the map frame; it propagates into the variance through
// each point's lever arm. The returned variance slice is parallel to the
// returned points.
func (sm *SensorModel) Process(
	cloud pointcloud.PointCloud,
	sensorPose spatialmath.Pose,
	rotationCovariance *mat.Dense,
) ([]elevationmap.Point, []float64, error) {
	if cloud == nil {
		return nil, nil, errors.New("no point cloud given")
	}
	if rotationCovariance != nil {
		if r, c := rotationCovariance.Dims(); r != 3 || c != 3 {
			return nil, nil, errors.Errorf("rotation covariance must be 3x3, got %dx%d", r, c)
		}
	}

	rotation := sensorPose.Orientation().RotationMatrix()
	// The map z axis expressed in the sensor frame projects the sensor noise
	// covariance onto the elevation direction.
	mapZInSensor := rotation.Row(2)

	points := make([]elevationmap.Point, 0, cloud.Size())
	variances := make([]float64, 0, cloud.Size())

	cloud.Iterate(0, 0, func(position r3.Vector, data pointcloud.Data) bool {
		depth := position.Norm()
		if !finiteVector(position) || depth < sm.params.CutoffMinDepth || depth > sm.params.CutoffMaxDepth {
			return true
		}

		varianceNormal := sm.params.NormalFactorA +
			sm.params.NormalFactorB*math.Pow(depth-sm.params.NormalFactorC, 2)
		varianceNormal *= varianceNormal
		varianceLateral := math.Pow(sm.params.LateralFactor*depth, 2)

		variance := varianceLateral*(mapZInSensor.X*mapZInSensor.X+mapZInSensor.Y*mapZInSensor.Y) +
			varianceNormal*mapZInSensor.Z*mapZInSensor.Z

		transformed := spatialmath.Compose(sensorPose, spatialmath.NewPoseFromPoint(position)).Point()

		if rotationCovariance != nil {
			// Lever arm of the point relative to the sensor in the map
			// frame; a small rotation moves the point height by the cross
			// product's z component.
			lever := transformed.Sub(sensorPose.Point())
			jacobian := []float64{lever.Y, -lever.X, 0}
			variance += quadraticForm(jacobian, rotationCovariance)
		}

		points = append(points, elevationmap.Point{
			Position: transformed,
			Color:    pointColor(data),
		})
		variances = append(variances, variance)
		return true
	})

	return points, variances, nil
}

// quadraticForm computes j * cov * j^T for a row vector j.
func quadraticForm(j []float64, cov *mat.Dense) float64 {
	var sum float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			sum += j[r] * cov.At(r, c) * j[c]
		}
	}
	return sum
}

func finiteVector(v r3.Vector) bool {
	return finite(v.X) && finite(v.Y) && finite(v.Z)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func pointColor(data pointcloud.Data) color.NRGBA {
	if data == nil || !data.HasColor() {
		return color.NRGBA{A: 255}
	}
	return color.NRGBAModel.Convert(data.Color()).(color.NRGBA)
}
