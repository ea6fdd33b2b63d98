package sensors

import (
	"context"
	"time"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/components/camera/replaypcd"
	"go.viam.com/rdk/components/movementsensor"
	"go.viam.com/rdk/components/movementsensor/replay"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/rdk/testutils/inject"
	"go.viam.com/rdk/utils/contextutils"
)

// BadTime can be used to represent something that should cause an error while parsing it as a time.
const BadTime = "NOT A TIME"

var (
	// TestTimestamp can be used to test specific timestamps provided by a replay sensor.
	TestTimestamp = time.Now().UTC().Format("2006-01-02T15:04:05.999999Z")
	// Position is the successful mock position result used for testing.
	Position = geo.NewPoint(1, 2)
	// Orientation is the successful mock orientation result used for testing.
	Orientation = spatialmath.NewZeroOrientation()
)

// TestSensor represents sensors used for testing.
type TestSensor string

const (
	// InvalidSensorTestErrMsg represents an error message that indicates that the sensor is invalid.
	InvalidSensorTestErrMsg = "invalid test sensor"

	// GoodLidar is a lidar that works as expected and returns a pointcloud.
	GoodLidar TestSensor = "good_lidar"
	// WarmingUpLidar is a lidar whose NextPointCloud function returns a "warming up" error on its first call.
	WarmingUpLidar TestSensor = "warming_up_lidar"
	// LidarWithErroringFunctions is a lidar whose functions return errors.
	LidarWithErroringFunctions TestSensor = "lidar_with_erroring_functions"
	// LidarWithInvalidProperties is a lidar whose properties are invalid.
	LidarWithInvalidProperties TestSensor = "lidar_with_invalid_properties"
	// ReplayLidar is a lidar that works as expected & provides a timestamp for replay.
	ReplayLidar TestSensor = "replay_lidar"
	// InvalidReplayLidar is a lidar whose replay timestamp is invalid.
	InvalidReplayLidar TestSensor = "invalid_replay_lidar"
	// FinishedReplayLidar is a lidar whose dataset has run out of data.
	FinishedReplayLidar TestSensor = "finished_replay_lidar"
	// GibberishLidar is a lidar that can't be found in the dependencies.
	GibberishLidar TestSensor = "gibberish_lidar"

	// GoodOdometer is an odometer that works as expected and returns position & orientation.
	GoodOdometer TestSensor = "good_odometer"
	// OdometerWithErroringFunctions is an odometer whose functions return errors.
	OdometerWithErroringFunctions TestSensor = "odometer_with_erroring_functions"
	// OdometerWithInvalidProperties is an odometer whose properties are invalid.
	OdometerWithInvalidProperties TestSensor = "odometer_with_invalid_properties"
	// ReplayOdometer is an odometer that works as expected & provides a timestamp for replay.
	ReplayOdometer TestSensor = "replay_odometer"
	// FinishedReplayOdometer is an odometer whose dataset has run out of data.
	FinishedReplayOdometer TestSensor = "finished_replay_odometer"
	// GibberishOdometer is an odometer that can't be found in the dependencies.
	GibberishOdometer TestSensor = "gibberish_odometer"
	// NoOdometer represents that no movement sensor is set up or added.
	NoOdometer TestSensor = ""
)

var (
	testLidars = map[TestSensor]func() *inject.Camera{
		GoodLidar:                  getGoodLidar,
		WarmingUpLidar:             getWarmingUpLidar,
		LidarWithErroringFunctions: getLidarWithErroringFunctions,
		LidarWithInvalidProperties: getLidarWithInvalidProperties,
		ReplayLidar:                func() *inject.Camera { return getReplayLidar(TestTimestamp) },
		InvalidReplayLidar:         func() *inject.Camera { return getReplayLidar(BadTime) },
		FinishedReplayLidar:        getFinishedReplayLidar,
	}

	testOdometers = map[TestSensor]func() *inject.MovementSensor{
		GoodOdometer:                  getGoodOdometer,
		OdometerWithErroringFunctions: getOdometerWithErroringFunctions,
		OdometerWithInvalidProperties: getOdometerWithInvalidProperties,
		ReplayOdometer:                func() *inject.MovementSensor { return getReplayOdometer(TestTimestamp) },
		FinishedReplayOdometer:        getFinishedReplayOdometer,
	}
)

// SetupDeps returns the dependencies based on the lidar and odometer names passed as arguments.
func SetupDeps(lidarName, odometerName TestSensor) resource.Dependencies {
	deps := make(resource.Dependencies)
	if getLidarFunc, ok := testLidars[lidarName]; ok {
		deps[camera.Named(string(lidarName))] = getLidarFunc()
	}

	if getOdometerFunc, ok := testOdometers[odometerName]; ok {
		deps[movementsensor.Named(string(odometerName))] = getOdometerFunc()
	}

	return deps
}

// TestCloud returns a small point cloud with points a fixed distance below the sensor.
func TestCloud() pointcloud.PointCloud {
	cloud := pointcloud.New()
	points := []r3.Vector{
		{X: 0, Y: 0, Z: 1},
		{X: 0.05, Y: 0, Z: 1},
		{X: 0, Y: 0.05, Z: 1},
		{X: -0.05, Y: -0.05, Z: 1},
	}
	for _, p := range points {
		if err := cloud.Set(p, pointcloud.NewBasicData()); err != nil {
			panic(err)
		}
	}
	return cloud
}

func getGoodLidar() *inject.Camera {
	cam := &inject.Camera{}
	cam.NextPointCloudFunc = func(ctx context.Context) (pointcloud.PointCloud, error) {
		return TestCloud(), nil
	}
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{SupportsPCD: true}, nil
	}
	return cam
}

func getWarmingUpLidar() *inject.Camera {
	cam := &inject.Camera{}
	counter := 0
	cam.NextPointCloudFunc = func(ctx context.Context) (pointcloud.PointCloud, error) {
		counter++
		if counter == 1 {
			return nil, errors.Errorf("warming up %d", counter)
		}
		return TestCloud(), nil
	}
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{SupportsPCD: true}, nil
	}
	return cam
}

func getLidarWithErroringFunctions() *inject.Camera {
	cam := &inject.Camera{}
	cam.NextPointCloudFunc = func(ctx context.Context) (pointcloud.PointCloud, error) {
		return nil, errors.New(InvalidSensorTestErrMsg)
	}
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{SupportsPCD: true}, nil
	}
	return cam
}

func getLidarWithInvalidProperties() *inject.Camera {
	cam := &inject.Camera{}
	cam.NextPointCloudFunc = func(ctx context.Context) (pointcloud.PointCloud, error) {
		return TestCloud(), nil
	}
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{SupportsPCD: false}, nil
	}
	return cam
}

func getReplayLidar(testTime string) *inject.Camera {
	cam := &inject.Camera{}
	cam.NextPointCloudFunc = func(ctx context.Context) (pointcloud.PointCloud, error) {
		md := ctx.Value(contextutils.MetadataContextKey)
		if mdMap, ok := md.(map[string][]string); ok {
			mdMap[contextutils.TimeRequestedMetadataKey] = []string{testTime}
		}
		return TestCloud(), nil
	}
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{SupportsPCD: true}, nil
	}
	return cam
}

func getFinishedReplayLidar() *inject.Camera {
	cam := &inject.Camera{}
	cam.NextPointCloudFunc = func(ctx context.Context) (pointcloud.PointCloud, error) {
		return nil, replaypcd.ErrEndOfDataset
	}
	cam.PropertiesFunc = func(ctx context.Context) (camera.Properties, error) {
		return camera.Properties{SupportsPCD: true}, nil
	}
	return cam
}

func getGoodOdometer() *inject.MovementSensor {
	odometer := &inject.MovementSensor{}
	odometer.PositionFunc = func(ctx context.Context, extra map[string]interface{}) (*geo.Point, float64, error) {
		return Position, 10, nil
	}
	odometer.OrientationFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
		return Orientation, nil
	}
	odometer.PropertiesFunc = func(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
		return &movementsensor.Properties{
			PositionSupported:    true,
			OrientationSupported: true,
		}, nil
	}
	return odometer
}

func getOdometerWithErroringFunctions() *inject.MovementSensor {
	odometer := &inject.MovementSensor{}
	odometer.PositionFunc = func(ctx context.Context, extra map[string]interface{}) (*geo.Point, float64, error) {
		return nil, 0, errors.New(InvalidSensorTestErrMsg)
	}
	odometer.OrientationFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
		return nil, errors.New(InvalidSensorTestErrMsg)
	}
	odometer.PropertiesFunc = func(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
		return &movementsensor.Properties{
			PositionSupported:    true,
			OrientationSupported: true,
		}, nil
	}
	return odometer
}

func getOdometerWithInvalidProperties() *inject.MovementSensor {
	odometer := &inject.MovementSensor{}
	odometer.PositionFunc = func(ctx context.Context, extra map[string]interface{}) (*geo.Point, float64, error) {
		return Position, 10, nil
	}
	odometer.OrientationFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
		return Orientation, nil
	}
	odometer.PropertiesFunc = func(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
		return &movementsensor.Properties{
			PositionSupported:    false,
			OrientationSupported: true,
		}, nil
	}
	return odometer
}

func getReplayOdometer(testTime string) *inject.MovementSensor {
	odometer := &inject.MovementSensor{}
	odometer.PositionFunc = func(ctx context.Context, extra map[string]interface{}) (*geo.Point, float64, error) {
		md := ctx.Value(contextutils.MetadataContextKey)
		if mdMap, ok := md.(map[string][]string); ok {
			mdMap[contextutils.TimeRequestedMetadataKey] = []string{testTime}
		}
		return Position, 10, nil
	}
	odometer.OrientationFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
		md := ctx.Value(contextutils.MetadataContextKey)
		if mdMap, ok := md.(map[string][]string); ok {
			mdMap[contextutils.TimeRequestedMetadataKey] = []string{testTime}
		}
		return Orientation, nil
	}
	odometer.PropertiesFunc = func(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
		return &movementsensor.Properties{
			PositionSupported:    true,
			OrientationSupported: true,
		}, nil
	}
	return odometer
}

func getFinishedReplayOdometer() *inject.MovementSensor {
	odometer := &inject.MovementSensor{}
	odometer.PositionFunc = func(ctx context.Context, extra map[string]interface{}) (*geo.Point, float64, error) {
		return nil, 0, replay.ErrEndOfDataset
	}
	odometer.OrientationFunc = func(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
		return nil, replay.ErrEndOfDataset
	}
	odometer.PropertiesFunc = func(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
		return &movementsensor.Properties{
			PositionSupported:    true,
			OrientationSupported: true,
		}, nil
	}
	return odometer
}
