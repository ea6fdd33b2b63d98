// Package sensorprocess contains the logic that feeds lidar and odometer readings into the elevation map.
package sensorprocess

import (
	"sync"
	"time"

	geo "github.com/kellydunn/golang-geo"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-elevation-mapping/elevationmap"
	"github.com/viam-modules/viam-elevation-mapping/motionupdater"
	"github.com/viam-modules/viam-elevation-mapping/sensormodel"
	s "github.com/viam-modules/viam-elevation-mapping/sensors"
)

// Config holds everything needed to run the lidar and odometer polling loops.
type Config struct {
	ElevationMap *elevationmap.ElevationMap
	SensorModel  *sensormodel.SensorModel
	Updater      *motionupdater.Updater

	Lidar    s.TimedLidar
	Odometer s.TimedOdometer

	// MapOrigin anchors the map frame geographically. When nil, the first
	// odometer reading becomes the anchor.
	MapOrigin *geo.Point

	// TranslationNoise and RotationNoise model odometry drift as variance
	// accumulated per meter traveled.
	TranslationNoise float64
	RotationNoise    float64

	// Timeout bounds a single sensor read; zero means no bound.
	Timeout time.Duration
	Logger  logging.Logger

	Mutex *sync.Mutex

	previousPose   spatialmath.Pose
	poseCovariance *mat.Dense
}

// rotationCovariance returns a copy of the rotation block of the accumulated
// pose covariance, for projecting pose uncertainty into point variances.
func (config *Config) rotationCovariance() *mat.Dense {
	config.Mutex.Lock()
	defer config.Mutex.Unlock()
	cov := mat.NewDense(3, 3, nil)
	if config.poseCovariance != nil {
		cov.Copy(config.poseCovariance.Slice(3, 6, 3, 6))
	}
	return cov
}

// advancePoseCovariance grows the accumulated pose covariance by the drift
// noise for the distance traveled since the previous pose and returns a copy.
func (config *Config) advancePoseCovariance(pose spatialmath.Pose) *mat.Dense {
	config.Mutex.Lock()
	defer config.Mutex.Unlock()
	if config.poseCovariance == nil {
		config.poseCovariance = mat.NewDense(6, 6, nil)
	}
	if config.previousPose != nil {
		step := pose.Point().Sub(config.previousPose.Point()).Norm()
		for i := 0; i < 3; i++ {
			config.poseCovariance.Set(i, i, config.poseCovariance.At(i, i)+config.TranslationNoise*step)
		}
		for i := 3; i < 6; i++ {
			config.poseCovariance.Set(i, i, config.poseCovariance.At(i, i)+config.RotationNoise*step)
		}
	}
	config.previousPose = pose
	return mat.DenseCopyOf(config.poseCovariance)
}

// mapOrigin returns the geographic anchor of the map frame, adopting the
// given position as the anchor if none has been set yet.
func (config *Config) mapOrigin(position *geo.Point) *geo.Point {
	config.Mutex.Lock()
	defer config.Mutex.Unlock()
	if config.MapOrigin == nil && position != nil {
		config.MapOrigin = position
		config.Logger.Infof("anchoring map frame at lat %v lng %v", position.Lat(), position.Lng())
	}
	return config.MapOrigin
}
