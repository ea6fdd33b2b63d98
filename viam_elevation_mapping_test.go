// Package viamelevationmapping_test tests the elevation mapping service.
package viamelevationmapping_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/slam"
	"go.viam.com/test"

	viamelevationmapping "github.com/viam-modules/viam-elevation-mapping"
	vemConfig "github.com/viam-modules/viam-elevation-mapping/config"
	s "github.com/viam-modules/viam-elevation-mapping/sensors"
)

const (
	testSensorValidationMaxTimeout = 50 * time.Millisecond
	testSensorValidationInterval   = 10 * time.Millisecond
)

func makeTestConfig(lidarName, movementSensorName string) resource.Config {
	cfg := &vemConfig.Config{
		Camera:       map[string]string{"name": lidarName},
		ConfigParams: map[string]string{},
	}
	if movementSensorName != "" {
		cfg.MovementSensor = map[string]string{"name": movementSensorName}
	}
	return resource.Config{
		Name:                "test",
		API:                 slam.API,
		Model:               viamelevationmapping.Model,
		ConvertedAttributes: cfg,
	}
}

func newTestService(t *testing.T, lidar, odometer s.TestSensor) (slam.Service, func()) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	svc, err := viamelevationmapping.New(
		context.Background(),
		s.SetupDeps(lidar, odometer),
		makeTestConfig(string(lidar), string(odometer)),
		logger,
		testSensorValidationMaxTimeout,
		testSensorValidationInterval,
		nil,
		nil,
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, svc, test.ShouldNotBeNil)
	return svc, func() {
		test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	}
}

func readAllChunks(t *testing.T, f func() ([]byte, error)) []byte {
	t.Helper()
	var data []byte
	for {
		chunk, err := f()
		if err == io.EOF {
			return data
		}
		test.That(t, err, test.ShouldBeNil)
		data = append(data, chunk...)
	}
}

func TestNew(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()

	t.Run("fails without a lidar in the dependencies", func(t *testing.T) {
		_, err := viamelevationmapping.New(
			ctx,
			s.SetupDeps(s.NoOdometer, s.NoOdometer),
			makeTestConfig("missing_lidar", ""),
			logger,
			testSensorValidationMaxTimeout,
			testSensorValidationInterval,
			nil,
			nil,
		)
		test.That(t, err, test.ShouldBeError)
		test.That(t, err.Error(), test.ShouldContainSubstring, "missing from dependencies")
	})

	t.Run("fails when the lidar returns no valid data", func(t *testing.T) {
		_, err := viamelevationmapping.New(
			ctx,
			s.SetupDeps(s.LidarWithErroringFunctions, s.NoOdometer),
			makeTestConfig(string(s.LidarWithErroringFunctions), ""),
			logger,
			testSensorValidationMaxTimeout,
			testSensorValidationInterval,
			nil,
			nil,
		)
		test.That(t, err, test.ShouldBeError)
		test.That(t, err.Error(), test.ShouldContainSubstring, "failed to get data from lidar")
	})

	t.Run("fails on an invalid config param", func(t *testing.T) {
		cfg := makeTestConfig(string(s.GoodLidar), "")
		cfg.ConvertedAttributes.(*vemConfig.Config).ConfigParams["resolution_meters"] = "-1"
		_, err := viamelevationmapping.New(
			ctx,
			s.SetupDeps(s.GoodLidar, s.NoOdometer),
			cfg,
			logger,
			testSensorValidationMaxTimeout,
			testSensorValidationInterval,
			nil,
			nil,
		)
		test.That(t, err, test.ShouldBeError)
		test.That(t, err.Error(), test.ShouldContainSubstring, "resolution_meters must be greater than zero")
	})

	t.Run("succeeds with a lidar only", func(t *testing.T) {
		svc, closeSvc := newTestService(t, s.GoodLidar, s.NoOdometer)
		test.That(t, svc.Name().ShortName(), test.ShouldEqual, "test")
		closeSvc()
	})

	t.Run("succeeds with a lidar and an odometer", func(t *testing.T) {
		_, closeSvc := newTestService(t, s.GoodLidar, s.GoodOdometer)
		closeSvc()
	})

	t.Run("logs the resolved parameters at debug level", func(t *testing.T) {
		obsLogger, obs := logging.NewObservedTestLogger(t)
		svc, err := viamelevationmapping.New(
			ctx,
			s.SetupDeps(s.GoodLidar, s.NoOdometer),
			makeTestConfig(string(s.GoodLidar), ""),
			obsLogger,
			testSensorValidationMaxTimeout,
			testSensorValidationInterval,
			nil,
			nil,
		)
		test.That(t, err, test.ShouldBeNil)
		defer func() {
			test.That(t, svc.Close(ctx), test.ShouldBeNil)
		}()
		test.That(t, obs.FilterMessageSnippet("resolved map parameters").Len(), test.ShouldBeGreaterThan, 0)
		test.That(t, obs.FilterMessageSnippet("resolved sensor model parameters").Len(), test.ShouldBeGreaterThan, 0)
	})
}

func TestPosition(t *testing.T) {
	svc, closeSvc := newTestService(t, s.GoodLidar, s.NoOdometer)
	defer closeSvc()

	pose, componentReference, err := svc.Position(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pose, test.ShouldNotBeNil)
	test.That(t, componentReference, test.ShouldEqual, string(s.GoodLidar))
}

func TestPointCloudMap(t *testing.T) {
	svc, closeSvc := newTestService(t, s.GoodLidar, s.NoOdometer)
	defer closeSvc()

	// give the lidar process a moment to land a reading in the map
	time.Sleep(100 * time.Millisecond)

	f, err := svc.PointCloudMap(context.Background())
	test.That(t, err, test.ShouldBeNil)
	data := readAllChunks(t, f)

	cloud, err := pointcloud.ReadPCD(bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldBeGreaterThan, 0)
}

func TestInternalState(t *testing.T) {
	svc, closeSvc := newTestService(t, s.GoodLidar, s.NoOdometer)
	defer closeSvc()

	time.Sleep(100 * time.Millisecond)

	f, err := svc.InternalState(context.Background())
	test.That(t, err, test.ShouldBeNil)
	data := readAllChunks(t, f)

	cloud, err := pointcloud.ReadPCD(bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldBeGreaterThan, 0)
}

func TestDoCommand(t *testing.T) {
	ctx := context.Background()
	svc, closeSvc := newTestService(t, s.GoodLidar, s.NoOdometer)
	defer closeSvc()

	time.Sleep(100 * time.Millisecond)

	t.Run("last_update_time returns a timestamp", func(t *testing.T) {
		resp, err := svc.DoCommand(ctx, map[string]interface{}{"last_update_time": true})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["last_update_time"], test.ShouldNotBeEmpty)
	})

	t.Run("fuse_area fuses the requested region", func(t *testing.T) {
		resp, err := svc.DoCommand(ctx, map[string]interface{}{
			"fuse_area": map[string]interface{}{
				"x": 0., "y": 0., "length_x": 2., "length_y": 2.,
			},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["fused"], test.ShouldEqual, true)
	})

	t.Run("fuse_area rejects a malformed request", func(t *testing.T) {
		_, err := svc.DoCommand(ctx, map[string]interface{}{"fuse_area": "everything"})
		test.That(t, err, test.ShouldBeError)
	})

	t.Run("postprocess commands edit the map", func(t *testing.T) {
		resp, err := svc.DoCommand(ctx, map[string]interface{}{
			"postprocess_add": []interface{}{
				map[string]interface{}{"X": 1., "Y": 1., "Z": 0.3},
			},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["postprocess_add"], test.ShouldEqual, true)

		resp, err = svc.DoCommand(ctx, map[string]interface{}{
			"postprocess_remove": []interface{}{
				map[string]interface{}{"X": 1., "Y": 1.},
			},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["postprocess_remove"], test.ShouldEqual, true)
	})

	t.Run("save_map writes a PCD file", func(t *testing.T) {
		dataDirectory := t.TempDir()
		resp, err := svc.DoCommand(ctx, map[string]interface{}{"save_map": dataDirectory})
		test.That(t, err, test.ShouldBeNil)
		filename, ok := resp["save_map"].(string)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, filename, test.ShouldContainSubstring, dataDirectory)
	})

	t.Run("reset clears the map", func(t *testing.T) {
		resp, err := svc.DoCommand(ctx, map[string]interface{}{"reset": true})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp["reset"], test.ShouldEqual, true)
	})

	t.Run("unknown commands are unimplemented", func(t *testing.T) {
		_, err := svc.DoCommand(ctx, map[string]interface{}{"gibberish": true})
		test.That(t, err, test.ShouldBeError)
	})
}

func TestClose(t *testing.T) {
	svc, _ := newTestService(t, s.GoodLidar, s.NoOdometer)

	test.That(t, svc.Close(context.Background()), test.ShouldBeNil)
	// closing twice is a no-op
	test.That(t, svc.Close(context.Background()), test.ShouldBeNil)

	_, _, err := svc.Position(context.Background())
	test.That(t, err, test.ShouldBeError, viamelevationmapping.ErrClosed)
}