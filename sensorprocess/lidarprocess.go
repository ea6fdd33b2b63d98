package sensorprocess

import (
	"context"
	"math"
	"strings"
	"time"

	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/camera/replaypcd"

	s "github.com/viam-modules/viam-elevation-mapping/sensors"
)

// StartLidar polls the lidar to get the next point cloud and adds it to the elevation map.
// Stops when the context is Done.
func (config *Config) StartLidar(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := config.addLidarReading(ctx); err != nil {
				config.Logger.Warn(err)
			}
		}
	}
}

// addLidarReading gets the next lidar reading, adds it to the elevation map, and sleeps
// the remainder of the data interval.
func (config *Config) addLidarReading(ctx context.Context) error {
	readCtx := ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}
	reading, err := config.Lidar.TimedLidarReading(readCtx)
	if err != nil {
		if strings.Contains(err.Error(), replaypcd.ErrEndOfDataset.Error()) {
			time.Sleep(1 * time.Second)
		}
		return err
	}

	timeToSleep := config.tryAddLidarReadingOnce(ctx, reading)
	if !reading.Replay {
		time.Sleep(time.Duration(timeToSleep) * time.Millisecond)
		config.Logger.Debugf("lidar sleep for %vms", timeToSleep)
	}
	return nil
}

// tryAddLidarReadingOnce adds a reading to the elevation map and does not retry.
// Returns remainder of the data interval.
func (config *Config) tryAddLidarReadingOnce(ctx context.Context, reading s.TimedLidarReadingResponse) int {
	startTime := time.Now().UTC()

	if err := config.tryAddLidarReading(ctx, reading); err != nil {
		config.Logger.Warnw("Skipping lidar reading due to error from elevation map", "error", err)
	}
	timeElapsedMs := int(time.Since(startTime).Milliseconds())
	if config.Lidar.DataFrequencyHz() <= 0 {
		return 0
	}
	return int(math.Max(0, float64(1000/config.Lidar.DataFrequencyHz()-timeElapsedMs)))
}

// tryAddLidarReading runs the point cloud through the sensor noise model and folds
// the resulting measurements into the elevation map.
func (config *Config) tryAddLidarReading(ctx context.Context, reading s.TimedLidarReadingResponse) error {
	_, span := trace.StartSpan(ctx, "viamelevationmapping::sensorprocess::tryAddLidarReading")
	defer span.End()

	sensorPose := config.ElevationMap.Pose()
	points, variances, err := config.SensorModel.Process(reading.Cloud, sensorPose, config.rotationCovariance())
	if err != nil {
		return err
	}
	if err := config.ElevationMap.Add(points, variances, reading.ReadingTime); err != nil {
		config.Logger.Debugf("%v \t | LIDAR | Failure \t \t | %v \n", reading.ReadingTime, reading.ReadingTime.Unix())
		return err
	}
	config.Logger.Debugf("%v \t | LIDAR | Success \t \t | %v \n", reading.ReadingTime, reading.ReadingTime.Unix())
	return nil
}
