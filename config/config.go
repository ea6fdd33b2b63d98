// Package config implements functions to assist with attribute evaluation in the elevation mapping service.
package config

import (
	"strconv"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

// newError returns an error specific to a failure in the module config.
func newError(configError string) error {
	return errors.Errorf("elevation mapping service configuration error: %s", configError)
}

// Config describes how to configure the elevation mapping service.
type Config struct {
	Camera         map[string]string `json:"camera"`
	MovementSensor map[string]string `json:"movement_sensor"`
	ConfigParams   map[string]string `json:"config_params"`
}

// OptionalConfigParams holds the optional config parameters of the service
// after defaults have been applied.
type OptionalConfigParams struct {
	LidarDataFrequencyHz          int
	MovementSensorName            string
	MovementSensorDataFrequencyHz int
}

// Validate creates the list of implicit dependencies.
func (config *Config) Validate(path string) ([]string, error) {
	cameraName, ok := config.Camera["name"]
	if !ok {
		return nil, utils.NewConfigValidationFieldRequiredError(path, "camera[name]")
	}
	if _, err := parseDataFrequencyHz(config.Camera); err != nil {
		return nil, newError(err.Error())
	}

	deps := []string{cameraName}

	if movementSensorName, ok := config.MovementSensor["name"]; ok {
		if _, err := parseDataFrequencyHz(config.MovementSensor); err != nil {
			return nil, newError(err.Error())
		}
		deps = append(deps, movementSensorName)
	}

	return deps, nil
}

// GetOptionalParameters sets any unset optional config parameters to the
// defaults passed to this function, and returns them.
func GetOptionalParameters(
	config *Config,
	defaultLidarDataFrequencyHz int,
	defaultMovementSensorDataFrequencyHz int,
	logger logging.Logger,
) (OptionalConfigParams, error) {
	var optionalConfigParams OptionalConfigParams

	lidarDataFrequencyHz, err := parseDataFrequencyHz(config.Camera)
	if err != nil {
		return OptionalConfigParams{}, newError(err.Error())
	}
	if lidarDataFrequencyHz == 0 {
		lidarDataFrequencyHz = defaultLidarDataFrequencyHz
		logger.Debugf("no data_frequency_hz given for camera, setting to default value of %d", defaultLidarDataFrequencyHz)
	}
	optionalConfigParams.LidarDataFrequencyHz = lidarDataFrequencyHz

	if movementSensorName, ok := config.MovementSensor["name"]; ok && movementSensorName != "" {
		optionalConfigParams.MovementSensorName = movementSensorName
		movementSensorDataFrequencyHz, err := parseDataFrequencyHz(config.MovementSensor)
		if err != nil {
			return OptionalConfigParams{}, newError(err.Error())
		}
		if movementSensorDataFrequencyHz == 0 {
			movementSensorDataFrequencyHz = defaultMovementSensorDataFrequencyHz
			logger.Debugf("no data_frequency_hz given for movement sensor, setting to default value of %d",
				defaultMovementSensorDataFrequencyHz)
		}
		optionalConfigParams.MovementSensorDataFrequencyHz = movementSensorDataFrequencyHz
	} else {
		logger.Debug("no movement sensor configured, proceeding without pose updates")
	}

	return optionalConfigParams, nil
}

// parseDataFrequencyHz returns the data_frequency_hz attribute of a sensor
// config map, or zero when the attribute is absent.
func parseDataFrequencyHz(sensor map[string]string) (int, error) {
	strDataFrequencyHz, ok := sensor["data_frequency_hz"]
	if !ok || strDataFrequencyHz == "" {
		return 0, nil
	}
	dataFrequencyHz, err := strconv.Atoi(strDataFrequencyHz)
	if err != nil {
		return 0, errors.Errorf("data_frequency_hz must be an integer, got %s", strDataFrequencyHz)
	}
	if dataFrequencyHz < 0 {
		return 0, errors.New("cannot specify data_frequency_hz less than zero")
	}
	return dataFrequencyHz, nil
}
