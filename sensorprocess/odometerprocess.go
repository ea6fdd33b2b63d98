package sensorprocess

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/golang/geo/r2"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/movementsensor/replay"

	s "github.com/viam-modules/viam-elevation-mapping/sensors"
)

// StartOdometer polls the odometer to get the next pose, propagates its uncertainty
// into the elevation map, and recenters the map under the robot.
// Stops when the context is Done.
func (config *Config) StartOdometer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := config.addOdometerReading(ctx); err != nil {
				config.Logger.Warn(err)
			}
		}
	}
}

// addOdometerReading gets the next odometer reading, applies it to the elevation map,
// and sleeps the remainder of the data interval.
func (config *Config) addOdometerReading(ctx context.Context) error {
	readCtx := ctx
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		readCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}
	reading, err := config.Odometer.TimedOdometerReading(readCtx)
	if err != nil {
		if strings.Contains(err.Error(), replay.ErrEndOfDataset.Error()) {
			time.Sleep(1 * time.Second)
		}
		return err
	}

	timeToSleep := config.tryAddOdometerReadingOnce(ctx, reading)
	if !reading.Replay {
		time.Sleep(time.Duration(timeToSleep) * time.Millisecond)
		config.Logger.Debugf("odometer sleep for %vms", timeToSleep)
	}
	return nil
}

// tryAddOdometerReadingOnce applies a reading to the elevation map and does not retry.
// Returns remainder of the data interval.
func (config *Config) tryAddOdometerReadingOnce(ctx context.Context, reading s.TimedOdometerReadingResponse) int {
	startTime := time.Now().UTC()

	if err := config.tryAddOdometerReading(ctx, reading); err != nil {
		config.Logger.Warnw("Skipping odometer reading due to error from elevation map", "error", err)
	}
	timeElapsedMs := int(time.Since(startTime).Milliseconds())
	if config.Odometer.DataFrequencyHz() <= 0 {
		return 0
	}
	return int(math.Max(0, float64(1000/config.Odometer.DataFrequencyHz()-timeElapsedMs)))
}

// tryAddOdometerReading converts the geographic reading into a map frame pose, grows the
// map variance by the accumulated drift, and moves the map window under the robot.
func (config *Config) tryAddOdometerReading(ctx context.Context, reading s.TimedOdometerReadingResponse) error {
	_, span := trace.StartSpan(ctx, "viamelevationmapping::sensorprocess::tryAddOdometerReading")
	defer span.End()

	origin := config.mapOrigin(reading.Position)
	pose := s.PoseFromGeoReading(origin, reading)
	covariance := config.advancePoseCovariance(pose)

	config.ElevationMap.SetPose(pose)
	if err := config.Updater.Update(pose, covariance, reading.ReadingTime); err != nil {
		return err
	}
	config.ElevationMap.Move(r2.Point{X: pose.Point().X, Y: pose.Point().Y})
	return nil
}
