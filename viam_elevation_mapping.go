// Package viamelevationmapping implements probabilistic 2.5D elevation mapping
// as a modular SLAM service.
package viamelevationmapping

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	geo "github.com/kellydunn/golang-geo"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/zap/zapcore"
	viamgrpc "go.viam.com/rdk/grpc"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/slam"
	"go.viam.com/rdk/spatialmath"

	vemConfig "github.com/viam-modules/viam-elevation-mapping/config"
	"github.com/viam-modules/viam-elevation-mapping/dataprocess"
	"github.com/viam-modules/viam-elevation-mapping/elevationmap"
	"github.com/viam-modules/viam-elevation-mapping/motionupdater"
	"github.com/viam-modules/viam-elevation-mapping/postprocess"
	"github.com/viam-modules/viam-elevation-mapping/sensormodel"
	"github.com/viam-modules/viam-elevation-mapping/sensorprocess"
	s "github.com/viam-modules/viam-elevation-mapping/sensors"
)

// Model is the model name of the elevation mapping service.
var (
	Model = resource.NewModel("viam", "mapping", "elevation")
	// ErrClosed denotes that a service method was called on a closed resource.
	ErrClosed = errors.Errorf("resource (%s) is closed", Model.String())
)

const (
	defaultLidarDataFrequencyHz          = 5
	defaultMovementSensorDataFrequencyHz = 20
	defaultSensorValidationMaxTimeoutSec = 30
	defaultSensorValidationIntervalSec   = 1
	defaultSensorReadTimeout             = 1 * time.Minute
	chunkSizeBytes                       = 1 * 1024 * 1024
	mapFrameID                           = "map"
)

// algoConfig collects the tunable parameters of the mapping algorithm.
type algoConfig struct {
	mapLengthXMeters float64
	mapLengthYMeters float64
	resolutionMeters float64

	mapParams    elevationmap.Params
	sensorParams sensormodel.Params

	originLatitude  float64
	originLongitude float64
	hasOrigin       bool

	odometryTranslationNoise float64
	odometryRotationNoise    float64
}

var defaultAlgoConfig = algoConfig{
	mapLengthXMeters: 10.0,
	mapLengthYMeters: 10.0,
	resolutionMeters: 0.1,
	mapParams: elevationmap.Params{
		MinVariance:                  0.000009,
		MaxVariance:                  0.009,
		MahalanobisDistanceThreshold: 2.5,
		MultiHeightNoise:             0.000009,
		MinHorizontalVariance:        0.0025,
		MaxHorizontalVariance:        0.5,
	},
	sensorParams:             sensormodel.DefaultParams(),
	odometryTranslationNoise: 0.0001,
	odometryRotationNoise:    0.00001,
}

func init() {
	resource.RegisterService(slam.API, Model, resource.Registration[slam.Service, *vemConfig.Config]{
		Constructor: func(
			ctx context.Context,
			deps resource.Dependencies,
			c resource.Config,
			logger logging.Logger,
		) (slam.Service, error) {
			return New(
				ctx,
				deps,
				c,
				logger,
				defaultSensorValidationMaxTimeoutSec*time.Second,
				defaultSensorValidationIntervalSec*time.Second,
				nil,
				nil,
			)
		},
	})
}

func initSensorProcesses(cancelCtx context.Context, svc *ElevationMappingService) {
	spConfig := &sensorprocess.Config{
		ElevationMap:     svc.elevationMap,
		SensorModel:      svc.sensorModel,
		Updater:          svc.updater,
		Lidar:            svc.lidar,
		Odometer:         svc.odometer,
		MapOrigin:        svc.mapOrigin,
		TranslationNoise: svc.odometryTranslationNoise,
		RotationNoise:    svc.odometryRotationNoise,
		Timeout:          defaultSensorReadTimeout,
		Logger:           svc.logger,
		Mutex:            &sync.Mutex{},
	}

	svc.sensorProcessWorkers.Add(1)
	go func() {
		defer svc.sensorProcessWorkers.Done()
		spConfig.StartLidar(cancelCtx)
	}()

	if spConfig.Odometer != nil {
		svc.sensorProcessWorkers.Add(1)
		go func() {
			defer svc.sensorProcessWorkers.Done()
			spConfig.StartOdometer(cancelCtx)
		}()
	}
}

// New returns a new elevation mapping service for the given robot.
func New(
	ctx context.Context,
	deps resource.Dependencies,
	c resource.Config,
	logger logging.Logger,
	sensorValidationMaxTimeout time.Duration,
	sensorValidationInterval time.Duration,
	testTimedLidarOverride s.TimedLidar,
	testTimedOdometerOverride s.TimedOdometer,
) (slam.Service, error) {
	ctx, span := trace.StartSpan(ctx, "viamelevationmapping::elevationMappingService::New")
	defer span.End()

	svcConfig, err := resource.NativeConfig[*vemConfig.Config](c)
	if err != nil {
		return nil, err
	}

	optionalConfigParams, err := vemConfig.GetOptionalParameters(
		svcConfig,
		defaultLidarDataFrequencyHz,
		defaultMovementSensorDataFrequencyHz,
		logger,
	)
	if err != nil {
		return nil, err
	}

	algoCfg, err := parseAlgoConfig(svcConfig.ConfigParams, logger)
	if err != nil {
		return nil, err
	}
	if logger.Level() == zapcore.DebugLevel {
		logger.Debugf("resolved map parameters: %+v", algoCfg.mapParams)
		logger.Debugf("resolved sensor model parameters: %+v", algoCfg.sensorParams)
	}

	lidarName := svcConfig.Camera["name"]
	timedLidar, err := s.NewLidar(ctx, deps, lidarName, optionalConfigParams.LidarDataFrequencyHz, logger)
	if err != nil {
		return nil, err
	}

	var timedOdometer s.TimedOdometer
	movementSensorName := optionalConfigParams.MovementSensorName
	if movementSensorName == "" {
		logger.Info("no movement sensor configured, proceeding without odometer")
	} else if timedOdometer, err = s.NewOdometer(ctx, deps, movementSensorName,
		optionalConfigParams.MovementSensorDataFrequencyHz, logger); err != nil {
		return nil, err
	}

	// Override the sensors for testing if the override sensors are not nil
	if testTimedLidarOverride != nil {
		timedLidar = testTimedLidarOverride
	}
	if testTimedOdometerOverride != nil {
		timedOdometer = testTimedOdometerOverride
	}

	elevationMap := elevationmap.New(algoCfg.mapParams, logger)
	elevationMap.SetGeometry(
		r2.Point{X: algoCfg.mapLengthXMeters, Y: algoCfg.mapLengthYMeters},
		algoCfg.resolutionMeters,
		r2.Point{},
	)
	elevationMap.SetFrameID(mapFrameID)

	var mapOrigin *geo.Point
	if algoCfg.hasOrigin {
		mapOrigin = geo.NewPoint(algoCfg.originLatitude, algoCfg.originLongitude)
	}

	cancelSensorProcessCtx, cancelSensorProcessFunc := context.WithCancel(context.Background())

	svc := &ElevationMappingService{
		Named:                    c.ResourceName().AsNamed(),
		lidar:                    timedLidar,
		odometer:                 timedOdometer,
		movementSensorName:       movementSensorName,
		configParams:             svcConfig.ConfigParams,
		elevationMap:             elevationMap,
		sensorModel:              sensormodel.New(algoCfg.sensorParams),
		mapOrigin:                mapOrigin,
		odometryTranslationNoise: algoCfg.odometryTranslationNoise,
		odometryRotationNoise:    algoCfg.odometryRotationNoise,
		cancelSensorProcessFunc:  cancelSensorProcessFunc,
		logger:                   logger,
	}
	svc.updater = motionupdater.New(elevationMap, logger)

	defer func() {
		if err != nil {
			logger.Errorw("New() hit error, closing...", "error", err)
			if closeErr := svc.Close(ctx); closeErr != nil {
				logger.Errorw("error closing out after error", "error", closeErr)
			}
		}
	}()

	if err = s.ValidateGetLidarData(
		cancelSensorProcessCtx,
		timedLidar,
		sensorValidationMaxTimeout,
		sensorValidationInterval,
		logger); err != nil {
		err = errors.Wrap(err, "failed to get data from lidar")
		return nil, err
	}

	if timedOdometer != nil {
		if err = s.ValidateGetOdometerData(
			cancelSensorProcessCtx,
			timedOdometer,
			sensorValidationMaxTimeout,
			sensorValidationInterval,
			logger); err != nil {
			err = errors.Wrap(err, "failed to get data from odometer")
			return nil, err
		}
	}

	initSensorProcesses(cancelSensorProcessCtx, svc)

	return svc, nil
}

func parseAlgoConfig(configParams map[string]string, logger logging.Logger) (algoConfig, error) {
	algoCfg := defaultAlgoConfig
	hasLatitude, hasLongitude := false, false
	for k, val := range configParams {
		switch k {
		case "map_length_x_meters":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.mapLengthXMeters = fVal
		case "map_length_y_meters":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.mapLengthYMeters = fVal
		case "resolution_meters":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			if fVal <= 0 {
				return algoCfg, errors.New("resolution_meters must be greater than zero")
			}
			algoCfg.resolutionMeters = fVal
		case "min_variance":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.mapParams.MinVariance = fVal
		case "max_variance":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.mapParams.MaxVariance = fVal
		case "mahalanobis_distance_threshold":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.mapParams.MahalanobisDistanceThreshold = fVal
		case "multi_height_noise":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.mapParams.MultiHeightNoise = fVal
		case "min_horizontal_variance":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.mapParams.MinHorizontalVariance = fVal
		case "max_horizontal_variance":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.mapParams.MaxHorizontalVariance = fVal
		case "sensor_normal_factor_a":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.sensorParams.NormalFactorA = fVal
		case "sensor_normal_factor_b":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.sensorParams.NormalFactorB = fVal
		case "sensor_normal_factor_c":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.sensorParams.NormalFactorC = fVal
		case "sensor_lateral_factor":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.sensorParams.LateralFactor = fVal
		case "sensor_cutoff_min_depth_meters":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.sensorParams.CutoffMinDepth = fVal
		case "sensor_cutoff_max_depth_meters":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.sensorParams.CutoffMaxDepth = fVal
		case "origin_latitude":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.originLatitude = fVal
			hasLatitude = true
		case "origin_longitude":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.originLongitude = fVal
			hasLongitude = true
		case "odometry_translation_noise":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.odometryTranslationNoise = fVal
		case "odometry_rotation_noise":
			fVal, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return algoCfg, err
			}
			algoCfg.odometryRotationNoise = fVal
		default:
			logger.Warnf("unused config param: %s: %s", k, val)
		}
	}
	if hasLatitude != hasLongitude {
		return algoCfg, errors.New("origin_latitude and origin_longitude must be provided together")
	}
	algoCfg.hasOrigin = hasLatitude && hasLongitude
	return algoCfg, nil
}

// ElevationMappingService is the structure of the elevation mapping service.
type ElevationMappingService struct {
	resource.Named
	resource.AlwaysRebuild
	mu     sync.Mutex
	closed bool

	lidar              s.TimedLidar
	odometer           s.TimedOdometer
	movementSensorName string

	configParams map[string]string

	elevationMap *elevationmap.ElevationMap
	sensorModel  *sensormodel.SensorModel
	updater      *motionupdater.Updater

	mapOrigin                *geo.Point
	odometryTranslationNoise float64
	odometryRotationNoise    float64

	cancelSensorProcessFunc func()
	logger                  logging.Logger
	sensorProcessWorkers    sync.WaitGroup
}

// Position returns the current pose of the robot in the map frame, with the
// lidar as the component reference.
func (svc *ElevationMappingService) Position(ctx context.Context) (spatialmath.Pose, string, error) {
	_, span := trace.StartSpan(ctx, "viamelevationmapping::ElevationMappingService::Position")
	defer span.End()
	if svc.closed {
		svc.logger.Warn("Position called after closed")
		return nil, "", ErrClosed
	}

	return svc.elevationMap.Pose(), svc.lidar.Name(), nil
}

// PointCloudMap fuses the raw elevation map and returns a callback function
// which will return the next chunk of the fused map encoded as PCD.
func (svc *ElevationMappingService) PointCloudMap(ctx context.Context) (func() ([]byte, error), error) {
	_, span := trace.StartSpan(ctx, "viamelevationmapping::ElevationMappingService::PointCloudMap")
	defer span.End()
	if svc.closed {
		svc.logger.Warn("PointCloudMap called after closed")
		return nil, ErrClosed
	}

	svc.elevationMap.FuseAll()
	cloud, err := svc.elevationMap.FusedPointCloud()
	if err != nil {
		return nil, err
	}
	return toChunkedPCDFunc(cloud)
}

// InternalState returns a callback function which will return the next chunk
// of the raw, unfused elevation map encoded as PCD.
func (svc *ElevationMappingService) InternalState(ctx context.Context) (func() ([]byte, error), error) {
	_, span := trace.StartSpan(ctx, "viamelevationmapping::ElevationMappingService::InternalState")
	defer span.End()
	if svc.closed {
		svc.logger.Warn("InternalState called after closed")
		return nil, ErrClosed
	}

	cloud, err := svc.elevationMap.RawPointCloud()
	if err != nil {
		return nil, err
	}
	return toChunkedPCDFunc(cloud)
}

func toChunkedPCDFunc(cloud pointcloud.PointCloud) (func() ([]byte, error), error) {
	buf := new(bytes.Buffer)
	if err := pointcloud.ToPCD(cloud, buf, pointcloud.PCDBinary); err != nil {
		return nil, err
	}

	chunk := make([]byte, chunkSizeBytes)
	reader := bytes.NewReader(buf.Bytes())

	f := func() ([]byte, error) {
		bytesRead, err := reader.Read(chunk)
		if err != nil {
			return nil, err
		}
		return chunk[:bytesRead], err
	}
	return f, nil
}

// LatestMapInfo returns the time of the most recent measurement update to the map.
func (svc *ElevationMappingService) LatestMapInfo(ctx context.Context) (time.Time, error) {
	_, span := trace.StartSpan(ctx, "viamelevationmapping::ElevationMappingService::LatestMapInfo")
	defer span.End()
	if svc.closed {
		svc.logger.Warn("LatestMapInfo called after closed")
		return time.Time{}, ErrClosed
	}

	return svc.elevationMap.LastUpdateTime(), nil
}

// DoCommand receives arbitrary commands.
func (svc *ElevationMappingService) DoCommand(ctx context.Context, req map[string]interface{}) (map[string]interface{}, error) {
	if svc.closed {
		svc.logger.Warn("DoCommand called after closed")
		return nil, ErrClosed
	}

	if val, ok := req["fuse_area"]; ok {
		area, ok := val.(map[string]interface{})
		if !ok {
			return nil, errors.New("fuse_area requires an object with x, y, length_x and length_y")
		}
		center, extent, err := parseFuseArea(area)
		if err != nil {
			return nil, err
		}
		fused := svc.elevationMap.FuseArea(center, extent)
		return map[string]interface{}{"fused": fused}, nil
	}

	if _, ok := req["reset"]; ok {
		svc.elevationMap.Reset()
		return map[string]interface{}{"reset": true}, nil
	}

	if _, ok := req["last_update_time"]; ok {
		return map[string]interface{}{"last_update_time": svc.elevationMap.LastUpdateTime().UTC().Format(time.RFC3339Nano)}, nil
	}

	if _, ok := req["last_fusion_time"]; ok {
		return map[string]interface{}{"last_fusion_time": svc.elevationMap.LastFusionTime().UTC().Format(time.RFC3339Nano)}, nil
	}

	if val, ok := req[postprocess.AddCommand]; ok {
		task, err := postprocess.ParseDoCommand(val, postprocess.Add)
		if err != nil {
			return nil, err
		}
		if err := postprocess.Apply(svc.elevationMap, []postprocess.Task{task}, time.Now().UTC()); err != nil {
			return nil, err
		}
		return map[string]interface{}{postprocess.AddCommand: true}, nil
	}

	if val, ok := req[postprocess.RemoveCommand]; ok {
		task, err := postprocess.ParseDoCommand(val, postprocess.Remove)
		if err != nil {
			return nil, err
		}
		if err := postprocess.Apply(svc.elevationMap, []postprocess.Task{task}, time.Now().UTC()); err != nil {
			return nil, err
		}
		return map[string]interface{}{postprocess.RemoveCommand: true}, nil
	}

	if val, ok := req["save_map"]; ok {
		dataDirectory, ok := val.(string)
		if !ok {
			return nil, errors.New("save_map requires a directory path")
		}
		svc.elevationMap.FuseAll()
		cloud, err := svc.elevationMap.FusedPointCloud()
		if err != nil {
			return nil, err
		}
		filename := dataprocess.CreateTimestampFilename(dataDirectory, svc.Name().ShortName(), ".pcd", time.Now())
		if err := dataprocess.WritePCDToFile(cloud, filename); err != nil {
			return nil, err
		}
		return map[string]interface{}{"save_map": filename}, nil
	}

	return nil, viamgrpc.UnimplementedError
}

func parseFuseArea(area map[string]interface{}) (r2.Point, r2.Point, error) {
	var center, extent r2.Point
	fields := []struct {
		name string
		dst  *float64
	}{
		{"x", &center.X},
		{"y", &center.Y},
		{"length_x", &extent.X},
		{"length_y", &extent.Y},
	}
	for _, field := range fields {
		val, ok := area[field.name].(float64)
		if !ok {
			return r2.Point{}, r2.Point{}, errors.Errorf("fuse_area requires a numeric %q field", field.name)
		}
		*field.dst = val
	}
	return center, extent, nil
}

// Close out of all mapping related processes.
func (svc *ElevationMappingService) Close(ctx context.Context) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	svc.logger.Info("Closing elevation mapping module")

	if svc.closed {
		svc.logger.Warn("Close() called multiple times")
		return nil
	}
	// stop sensor process workers
	svc.cancelSensorProcessFunc()
	svc.sensorProcessWorkers.Wait()
	svc.closed = true

	svc.logger.Info("Closing complete")
	return nil
}
