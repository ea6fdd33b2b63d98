// Package main is a module with an elevation mapping service model.
package main

import (
	"context"
	"strings"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/services/slam"
	"go.viam.com/utils"

	viamelevationmapping "github.com/viam-modules/viam-elevation-mapping"
	"github.com/viam-modules/viam-elevation-mapping/telemetry"
)

// Versioning variables which are replaced by LD flags.
var (
	Version     = "development"
	GitRevision = ""
)

func main() {
	utils.ContextualMain(mainWithArgs, module.NewLoggerFromArgs("elevationMappingModule"))
}

func mainWithArgs(ctx context.Context, args []string, logger logging.Logger) error {
	var versionFields []interface{}
	if Version != "" {
		versionFields = append(versionFields, "version", Version)
	}
	if GitRevision != "" {
		versionFields = append(versionFields, "git_rev", GitRevision)
	}
	if len(versionFields) != 0 {
		logger.Infow(viamelevationmapping.Model.String(), versionFields...)
	} else {
		logger.Info(viamelevationmapping.Model.String() + " built from source; version unknown")
	}

	if len(args) == 2 && strings.HasSuffix(args[1], "-version") {
		return nil
	}

	exporter, err := telemetry.SetupTelemetry()
	if err != nil {
		return err
	}
	defer exporter.Stop()

	// Instantiate the module
	elevationModule, err := module.NewModuleFromArgs(ctx, logger)
	if err != nil {
		return err
	}

	// Add the elevation mapping model to the module
	if err = elevationModule.AddModelFromRegistry(ctx, slam.API, viamelevationmapping.Model); err != nil {
		return err
	}

	// Start the module
	err = elevationModule.Start(ctx)
	defer elevationModule.Close(ctx)
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
