package inject

import (
	"context"

	s "github.com/viam-modules/viam-elevation-mapping/sensors"
)

// TimedOdometer is an injected TimedOdometer.
type TimedOdometer struct {
	s.Odometer
	NameFunc                 func() string
	DataFrequencyHzFunc      func() int
	TimedOdometerReadingFunc func(ctx context.Context) (s.TimedOdometerReadingResponse, error)
}

// Name calls the injected Name or the real version.
func (to *TimedOdometer) Name() string {
	if to.NameFunc == nil {
		return to.Odometer.Name()
	}
	return to.NameFunc()
}

// DataFrequencyHz calls the injected DataFrequencyHz or the real version.
func (to *TimedOdometer) DataFrequencyHz() int {
	if to.DataFrequencyHzFunc == nil {
		return to.Odometer.DataFrequencyHz()
	}
	return to.DataFrequencyHzFunc()
}

// TimedOdometerReading calls the injected TimedOdometerReading or the real version.
func (to *TimedOdometer) TimedOdometerReading(ctx context.Context) (s.TimedOdometerReadingResponse, error) {
	if to.TimedOdometerReadingFunc == nil {
		return to.Odometer.TimedOdometerReading(ctx)
	}
	return to.TimedOdometerReadingFunc(ctx)
}
