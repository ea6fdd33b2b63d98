package sensors

import (
	"context"
	"math"
	"time"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/rdk/utils/contextutils"
)

// TimedOdometer describes a sensor that reports the time the reading is from & whether or not it is
// from a replay movement sensor.
type TimedOdometer interface {
	Name() string
	DataFrequencyHz() int
	TimedOdometerReading(ctx context.Context) (TimedOdometerReadingResponse, error)
}

// TimedOdometerReadingResponse represents an odometer reading with a time & allows the caller
// to know if the reading is from a replay movement sensor.
type TimedOdometerReadingResponse struct {
	Position    *geo.Point
	Orientation spatialmath.Orientation
	ReadingTime time.Time
	Replay      bool
}

// Odometer represents an odometer movement sensor.
type Odometer struct {
	name            string
	dataFrequencyHz int
	Odometer        movementsensor.MovementSensor
}

// Name returns the name of the odometer.
func (odom Odometer) Name() string {
	return odom.name
}

// DataFrequencyHz returns the data rate in ms of the odometer.
func (odom Odometer) DataFrequencyHz() int {
	return odom.dataFrequencyHz
}

// TimedOdometerReading returns position and orientation from the odometer movement sensor
// along with the time the reading is from. The two readings are retried until they fall
// within replayTimeToleranceMsec of each other so that replay sensors stay aligned.
func (odom Odometer) TimedOdometerReading(ctx context.Context) (TimedOdometerReadingResponse, error) {
	replay := false

	var readingTimePosition, readingTimeOrientation time.Time
	var position *geo.Point
	var orientation spatialmath.Orientation
	var err error
	for {
		select {
		case <-ctx.Done():
			return TimedOdometerReadingResponse{}, ctx.Err()
		default:
			if readingTimePosition == defaultTime || readingTimePosition.Sub(readingTimeOrientation).Milliseconds() < 0 {
				ctxWithMetadata, md := contextutils.ContextWithMetadata(ctx)
				if position, _, err = odom.Odometer.Position(ctxWithMetadata, make(map[string]interface{})); err != nil {
					return TimedOdometerReadingResponse{}, errors.Wrap(err, "Position error")
				}

				readingTimePosition = time.Now().UTC()
				if timeRequestedMetadata, ok := md[contextutils.TimeRequestedMetadataKey]; ok {
					replay = true
					if readingTimePosition, err = time.Parse(time.RFC3339Nano, timeRequestedMetadata[0]); err != nil {
						return TimedOdometerReadingResponse{}, errors.Wrap(err, replayTimestampErrorMessage)
					}
				}
			}

			if readingTimeOrientation == defaultTime || readingTimeOrientation.Sub(readingTimePosition).Milliseconds() < 0 {
				ctxWithMetadata, md := contextutils.ContextWithMetadata(ctx)
				if orientation, err = odom.Odometer.Orientation(ctxWithMetadata, make(map[string]interface{})); err != nil {
					return TimedOdometerReadingResponse{}, errors.Wrap(err, "Orientation error")
				}

				readingTimeOrientation = time.Now().UTC()
				if timeRequestedMetadata, ok := md[contextutils.TimeRequestedMetadataKey]; ok {
					replay = true
					if readingTimeOrientation, err = time.Parse(time.RFC3339Nano, timeRequestedMetadata[0]); err != nil {
						return TimedOdometerReadingResponse{}, errors.Wrap(err, replayTimestampErrorMessage)
					}
				}
			}
			if math.Abs(float64(readingTimeOrientation.Sub(readingTimePosition).Milliseconds())) < replayTimeToleranceMsec {
				return TimedOdometerReadingResponse{
					Position:    position,
					Orientation: orientation,
					ReadingTime: readingTimePosition.Add(readingTimePosition.Sub(readingTimeOrientation) / 2),
					Replay:      replay,
				}, nil
			}
		}
	}
}

// NewOdometer returns a new Odometer.
func NewOdometer(
	ctx context.Context,
	deps resource.Dependencies,
	movementSensorName string,
	dataFrequencyHz int,
	logger logging.Logger,
) (TimedOdometer, error) {
	_, span := trace.StartSpan(ctx, "viamelevationmapping::sensors::NewOdometer")
	defer span.End()
	if movementSensorName == "" {
		return Odometer{}, nil
	}
	movementSensor, err := movementsensor.FromDependencies(deps, movementSensorName)
	if err != nil {
		return Odometer{}, errors.Wrapf(err, "error getting movement sensor %v for mapping service", movementSensorName)
	}

	// A movement_sensor used as an odometer must support Position and Orientation.
	properties, err := movementSensor.Properties(ctx, make(map[string]interface{}))
	if err != nil {
		return Odometer{}, errors.Wrapf(err, "error getting movement sensor properties from %v for mapping service", movementSensorName)
	}
	if !(properties.PositionSupported && properties.OrientationSupported) {
		return Odometer{}, errors.New("configuring odometer movement sensor error: " +
			"'movement_sensor' must support both Position and Orientation")
	}

	return Odometer{
		name:            movementSensorName,
		dataFrequencyHz: dataFrequencyHz,
		Odometer:        movementSensor,
	}, nil
}

// PoseFromGeoReading converts a geographic odometer reading into a pose in the map frame.
// The map frame is a local tangent plane anchored at origin with x pointing east and
// y pointing north, in meters.
func PoseFromGeoReading(origin *geo.Point, reading TimedOdometerReadingResponse) spatialmath.Pose {
	if origin == nil || reading.Position == nil {
		return spatialmath.NewPoseFromOrientation(reading.Orientation)
	}
	distanceMeters := origin.GreatCircleDistance(reading.Position) * 1000.
	bearingRadians := origin.BearingTo(reading.Position) * math.Pi / 180.
	point := r3.Vector{
		X: distanceMeters * math.Sin(bearingRadians),
		Y: distanceMeters * math.Cos(bearingRadians),
		Z: 0,
	}
	return spatialmath.NewPose(point, reading.Orientation)
}
