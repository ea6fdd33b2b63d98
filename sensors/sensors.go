// Package sensors wraps the robot components the elevation mapper reads from.
package sensors

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/movementsensor/replay"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

var defaultTime = time.Time{}

const (
	replayTimestampErrorMessage = "replay sensor timestamp parse error"
	replayTimeToleranceMsec     = 110
)

// ValidateGetLidarData checks every sensorValidationInterval if the provided lidar
// returned a valid timed reading until either success or
// sensorValidationMaxTimeout has elapsed.
// Returns an error if no valid lidar readings were returned.
func ValidateGetLidarData(
	ctx context.Context,
	lidar TimedLidar,
	sensorValidationMaxTimeout time.Duration,
	sensorValidationInterval time.Duration,
	logger logging.Logger,
) error {
	ctx, span := trace.StartSpan(ctx, "viamelevationmapping::sensors::ValidateGetLidarData")
	defer span.End()

	startTime := time.Now().UTC()

	for {
		_, err := lidar.TimedLidarReading(ctx)
		if err == nil {
			break
		}

		logger.Debugw("ValidateGetLidarData hit error: ", "error", err)
		if time.Since(startTime) >= sensorValidationMaxTimeout {
			return errors.Wrap(err, "ValidateGetLidarData timeout")
		}
		if !goutils.SelectContextOrWait(ctx, sensorValidationInterval) {
			return ctx.Err()
		}
	}

	return nil
}

// ValidateGetOdometerData checks every sensorValidationInterval if the provided
// odometer returned a valid timed reading until either success or
// sensorValidationMaxTimeout has elapsed.
// Returns an error if no valid odometer readings were returned.
func ValidateGetOdometerData(
	ctx context.Context,
	odometer TimedOdometer,
	sensorValidationMaxTimeout time.Duration,
	sensorValidationInterval time.Duration,
	logger logging.Logger,
) error {
	ctx, span := trace.StartSpan(ctx, "viamelevationmapping::sensors::ValidateGetOdometerData")
	defer span.End()

	startTime := time.Now().UTC()

	for {
		_, err := odometer.TimedOdometerReading(ctx)
		if err == nil {
			break
		}

		logger.Debugw("ValidateGetOdometerData hit error: ", "error", err)
		// if the sensor is a replay odometer with no data ready, allow validation to pass
		// online mode will continue mapping once data is found by the replay sensor
		if strings.Contains(err.Error(), replay.ErrEndOfDataset.Error()) {
			break
		}
		if time.Since(startTime) >= sensorValidationMaxTimeout {
			return errors.Wrap(err, "ValidateGetOdometerData timeout")
		}
		if !goutils.SelectContextOrWait(ctx, sensorValidationInterval) {
			return ctx.Err()
		}
	}

	return nil
}
