package sensorprocess

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"

	"github.com/viam-modules/viam-elevation-mapping/elevationmap"
	"github.com/viam-modules/viam-elevation-mapping/motionupdater"
	"github.com/viam-modules/viam-elevation-mapping/sensormodel"
	s "github.com/viam-modules/viam-elevation-mapping/sensors"
	"github.com/viam-modules/viam-elevation-mapping/sensors/inject"
)

func testParams() elevationmap.Params {
	return elevationmap.Params{
		MinVariance:                  0.000009,
		MaxVariance:                  0.0009,
		MahalanobisDistanceThreshold: 2.5,
		MultiHeightNoise:             0.000009,
		MinHorizontalVariance:        0.0001,
		MaxHorizontalVariance:        0.5,
	}
}

func testConfig(t *testing.T) *Config {
	logger := logging.NewTestLogger(t)
	em := elevationmap.New(testParams(), logger)
	em.SetGeometry(r2.Point{X: 5, Y: 5}, 0.1, r2.Point{})
	// place the sensor a meter above the ground plane so the test cloud
	// points, which sit a meter below the sensor, land at zero elevation
	em.SetPose(spatialmath.NewPoseFromPoint(r3.Vector{Z: 1}))
	return &Config{
		ElevationMap: em,
		SensorModel:  sensormodel.New(sensormodel.DefaultParams()),
		Updater:      motionupdater.New(em, logger),
		Timeout:      10 * time.Second,
		Logger:       logger,
		Mutex:        &sync.Mutex{},
	}
}

func testCloud() pointcloud.PointCloud {
	cloud := pointcloud.New()
	for _, p := range []r3.Vector{{X: 0, Y: 0, Z: 1}, {X: 0.5, Y: 0.5, Z: 1}} {
		if err := cloud.Set(p, pointcloud.NewBasicData()); err != nil {
			panic(err)
		}
	}
	return cloud
}

func TestTryAddLidarReading(t *testing.T) {
	ctx := context.Background()

	t.Run("a successful reading lands in the raw map", func(t *testing.T) {
		config := testConfig(t)
		readingTime := time.Now().UTC()

		err := config.tryAddLidarReading(ctx, s.TimedLidarReadingResponse{
			Cloud:       testCloud(),
			ReadingTime: readingTime,
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, config.ElevationMap.LastUpdateTime(), test.ShouldEqual, readingTime)

		cloud, err := config.ElevationMap.RawPointCloud()
		test.That(t, err, test.ShouldBeNil)
		test.That(t, cloud.Size(), test.ShouldBeGreaterThan, 0)
	})

	t.Run("a nil cloud returns an error and leaves the map untouched", func(t *testing.T) {
		config := testConfig(t)
		err := config.tryAddLidarReading(ctx, s.TimedLidarReadingResponse{
			Cloud:       nil,
			ReadingTime: time.Now().UTC(),
		})
		test.That(t, err, test.ShouldBeError)
		test.That(t, config.ElevationMap.LastUpdateTime(), test.ShouldEqual, time.Time{})
	})
}

func TestTryAddOdometerReading(t *testing.T) {
	ctx := context.Background()

	t.Run("the first reading anchors the map frame", func(t *testing.T) {
		config := testConfig(t)
		err := config.tryAddOdometerReading(ctx, s.TimedOdometerReadingResponse{
			Position:    geo.NewPoint(40.7, -73.98),
			Orientation: spatialmath.NewZeroOrientation(),
			ReadingTime: time.Now().UTC(),
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, config.MapOrigin, test.ShouldNotBeNil)
		test.That(t, config.ElevationMap.Pose().Point().Norm(), test.ShouldAlmostEqual, 0, 1e-6)
	})

	t.Run("a later reading moves the map window under the robot", func(t *testing.T) {
		config := testConfig(t)
		config.MapOrigin = geo.NewPoint(40.7, -73.98)

		readingTime := time.Now().UTC()
		err := config.tryAddOdometerReading(ctx, s.TimedOdometerReadingResponse{
			Position:    geo.NewPoint(40.7001, -73.98),
			Orientation: spatialmath.NewZeroOrientation(),
			ReadingTime: readingTime,
		})
		test.That(t, err, test.ShouldBeNil)

		position := config.ElevationMap.RawSnapshot().Position()
		test.That(t, position.Y, test.ShouldBeGreaterThan, 0)
	})

	t.Run("drift accumulates into the pose covariance as the robot travels", func(t *testing.T) {
		config := testConfig(t)
		config.MapOrigin = geo.NewPoint(40.7, -73.98)
		config.TranslationNoise = 0.01
		config.RotationNoise = 0.001

		readings := []*geo.Point{
			geo.NewPoint(40.7, -73.98),
			geo.NewPoint(40.7001, -73.98),
		}
		readingTime := time.Now().UTC()
		for i, position := range readings {
			err := config.tryAddOdometerReading(ctx, s.TimedOdometerReadingResponse{
				Position:    position,
				Orientation: spatialmath.NewZeroOrientation(),
				ReadingTime: readingTime.Add(time.Duration(i) * time.Second),
			})
			test.That(t, err, test.ShouldBeNil)
		}

		cov := config.rotationCovariance()
		test.That(t, cov.At(2, 2), test.ShouldBeGreaterThan, 0)
	})
}

func TestStartLidar(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("returns when the context is cancelled", func(t *testing.T) {
		config := testConfig(t)
		lidar := &inject.TimedLidar{}
		lidar.NameFunc = func() string { return "good_lidar" }
		lidar.DataFrequencyHzFunc = func() int { return 5 }
		lidar.TimedLidarReadingFunc = func(ctx context.Context) (s.TimedLidarReadingResponse, error) {
			return s.TimedLidarReadingResponse{Cloud: testCloud(), ReadingTime: time.Now().UTC()}, nil
		}
		config.Lidar = lidar
		config.Logger = logger

		cancelCtx, cancelFunc := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			config.StartLidar(cancelCtx)
			close(done)
		}()
		cancelFunc()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("StartLidar did not stop after cancellation")
		}
	})

	t.Run("keeps polling when the lidar errors", func(t *testing.T) {
		config := testConfig(t)
		calls := 0
		lidar := &inject.TimedLidar{}
		lidar.NameFunc = func() string { return "erroring_lidar" }
		lidar.DataFrequencyHzFunc = func() int { return 5 }
		lidar.TimedLidarReadingFunc = func(ctx context.Context) (s.TimedLidarReadingResponse, error) {
			calls++
			return s.TimedLidarReadingResponse{}, errors.New("bad reading")
		}
		config.Lidar = lidar
		config.Logger = logger

		cancelCtx, cancelFunc := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			config.StartLidar(cancelCtx)
			close(done)
		}()
		time.Sleep(20 * time.Millisecond)
		cancelFunc()
		<-done
		test.That(t, calls, test.ShouldBeGreaterThan, 0)
	})
}

func TestStartOdometer(t *testing.T) {
	logger := logging.NewTestLogger(t)

	t.Run("returns when the context is cancelled", func(t *testing.T) {
		config := testConfig(t)
		odometer := &inject.TimedOdometer{}
		odometer.NameFunc = func() string { return "good_odometer" }
		odometer.DataFrequencyHzFunc = func() int { return 5 }
		odometer.TimedOdometerReadingFunc = func(ctx context.Context) (s.TimedOdometerReadingResponse, error) {
			return s.TimedOdometerReadingResponse{
				Position:    geo.NewPoint(40.7, -73.98),
				Orientation: spatialmath.NewZeroOrientation(),
				ReadingTime: time.Now().UTC(),
			}, nil
		}
		config.Odometer = odometer
		config.Logger = logger

		cancelCtx, cancelFunc := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			config.StartOdometer(cancelCtx)
			close(done)
		}()
		cancelFunc()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("StartOdometer did not stop after cancellation")
		}
	})
}
