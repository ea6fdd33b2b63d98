// Package inject provides dependency injected structures for mocking interfaces.
package inject

import (
	"context"

	s "github.com/viam-modules/viam-elevation-mapping/sensors"
)

// TimedLidar is an injected TimedLidar.
type TimedLidar struct {
	s.Lidar
	NameFunc              func() string
	DataFrequencyHzFunc   func() int
	TimedLidarReadingFunc func(ctx context.Context) (s.TimedLidarReadingResponse, error)
}

// Name calls the injected Name or the real version.
func (tl *TimedLidar) Name() string {
	if tl.NameFunc == nil {
		return tl.Lidar.Name()
	}
	return tl.NameFunc()
}

// DataFrequencyHz calls the injected DataFrequencyHz or the real version.
func (tl *TimedLidar) DataFrequencyHz() int {
	if tl.DataFrequencyHzFunc == nil {
		return tl.Lidar.DataFrequencyHz()
	}
	return tl.DataFrequencyHzFunc()
}

// TimedLidarReading calls the injected TimedLidarReading or the real version.
func (tl *TimedLidar) TimedLidarReading(ctx context.Context) (s.TimedLidarReadingResponse, error) {
	if tl.TimedLidarReadingFunc == nil {
		return tl.Lidar.TimedLidarReading(ctx)
	}
	return tl.TimedLidarReadingFunc(ctx)
}
