package motionupdater_test

import (
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/viam-modules/viam-elevation-mapping/elevationmap"
	"github.com/viam-modules/viam-elevation-mapping/motionupdater"
)

func testMap(t *testing.T) *elevationmap.ElevationMap {
	t.Helper()
	em := elevationmap.New(elevationmap.Params{
		MinVariance:                  0.000001,
		MaxVariance:                  10,
		MahalanobisDistanceThreshold: 2.5,
		MultiHeightNoise:             0.01,
		MinHorizontalVariance:        0.0025,
		MaxHorizontalVariance:        10,
	}, logging.NewTestLogger(t))
	em.SetGeometry(r2.Point{X: 1, Y: 1}, 0.1, r2.Point{})
	return em
}

func diagonalCovariance(values ...float64) *mat.Dense {
	cov := mat.NewDense(6, 6, nil)
	for i, v := range values {
		cov.Set(i, i, v)
	}
	return cov
}

func cellVariance(t *testing.T, em *elevationmap.ElevationMap, x, y float64) float64 {
	t.Helper()
	snapshot := em.RawSnapshot()
	index, ok := snapshot.IndexAt(r2.Point{X: x, Y: y})
	test.That(t, ok, test.ShouldBeTrue)
	v, err := snapshot.At("variance", index)
	test.That(t, err, test.ShouldBeNil)
	return v
}

func TestUpdate(t *testing.T) {
	pose := spatialmath.NewZeroPose()

	t.Run("rejects a nil covariance", func(t *testing.T) {
		u := motionupdater.New(testMap(t), logging.NewTestLogger(t))
		err := u.Update(pose, nil, time.Now())
		test.That(t, err, test.ShouldBeError)
	})

	t.Run("rejects covariance of the wrong dimension", func(t *testing.T) {
		u := motionupdater.New(testMap(t), logging.NewTestLogger(t))
		err := u.Update(pose, mat.NewDense(3, 3, nil), time.Now())
		test.That(t, err, test.ShouldBeError)
		test.That(t, err.Error(), test.ShouldContainSubstring, "must be 6x6")
	})

	t.Run("the first pose only establishes the baseline", func(t *testing.T) {
		em := testMap(t)
		u := motionupdater.New(em, logging.NewTestLogger(t))
		ts := time.Now()

		err := em.Add([]elevationmap.Point{
			{Position: r3.Vector{X: 0.05, Y: 0.05, Z: 1}},
		}, []float64{0.01}, ts)
		test.That(t, err, test.ShouldBeNil)

		err = u.Update(pose, diagonalCovariance(1, 1, 1, 1, 1, 1), ts)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, u.LastUpdateTime().Equal(ts), test.ShouldBeTrue)
		test.That(t, cellVariance(t, em, 0.05, 0.05), test.ShouldEqual, 0.01)
	})

	t.Run("covariance growth lands in the map as variance", func(t *testing.T) {
		em := testMap(t)
		u := motionupdater.New(em, logging.NewTestLogger(t))
		ts := time.Now()

		err := em.Add([]elevationmap.Point{
			{Position: r3.Vector{X: 0.05, Y: 0.05, Z: 1}},
		}, []float64{0.01}, ts)
		test.That(t, err, test.ShouldBeNil)

		err = u.Update(pose, diagonalCovariance(0, 0, 0.001, 0, 0, 0), ts)
		test.That(t, err, test.ShouldBeNil)
		err = u.Update(pose, diagonalCovariance(0, 0, 0.006, 0, 0, 0), ts.Add(time.Second))
		test.That(t, err, test.ShouldBeNil)

		test.That(t, cellVariance(t, em, 0.05, 0.05), test.ShouldAlmostEqual, 0.015)
		test.That(t, u.LastUpdateTime().Equal(ts.Add(time.Second)), test.ShouldBeTrue)
	})

	t.Run("a pose time that has not advanced is skipped", func(t *testing.T) {
		em := testMap(t)
		u := motionupdater.New(em, logging.NewTestLogger(t))
		ts := time.Now()

		err := em.Add([]elevationmap.Point{
			{Position: r3.Vector{X: 0.05, Y: 0.05, Z: 1}},
		}, []float64{0.01}, ts)
		test.That(t, err, test.ShouldBeNil)

		err = u.Update(pose, diagonalCovariance(0, 0, 0.001, 0, 0, 0), ts)
		test.That(t, err, test.ShouldBeNil)
		err = u.Update(pose, diagonalCovariance(0, 0, 0.006, 0, 0, 0), ts)
		test.That(t, err, test.ShouldBeNil)

		test.That(t, cellVariance(t, em, 0.05, 0.05), test.ShouldEqual, 0.01)
	})

	t.Run("shrinking covariance contributes nothing", func(t *testing.T) {
		em := testMap(t)
		u := motionupdater.New(em, logging.NewTestLogger(t))
		ts := time.Now()

		err := em.Add([]elevationmap.Point{
			{Position: r3.Vector{X: 0.05, Y: 0.05, Z: 1}},
		}, []float64{0.01}, ts)
		test.That(t, err, test.ShouldBeNil)

		err = u.Update(pose, diagonalCovariance(0, 0, 0.006, 0, 0, 0), ts)
		test.That(t, err, test.ShouldBeNil)
		err = u.Update(pose, diagonalCovariance(0, 0, 0.001, 0, 0, 0), ts.Add(time.Second))
		test.That(t, err, test.ShouldBeNil)

		test.That(t, cellVariance(t, em, 0.05, 0.05), test.ShouldEqual, 0.01)
	})

	t.Run("yaw growth adds horizontal variance scaled by the lever arm", func(t *testing.T) {
		em := testMap(t)
		u := motionupdater.New(em, logging.NewTestLogger(t))
		ts := time.Now()

		err := em.Add([]elevationmap.Point{
			{Position: r3.Vector{X: 0.05, Y: 0.05, Z: 1}},
			{Position: r3.Vector{X: 0.05, Y: 0.45, Z: 1}},
		}, []float64{0.01, 0.01}, ts)
		test.That(t, err, test.ShouldBeNil)

		err = u.Update(pose, diagonalCovariance(0, 0, 0, 0, 0, 0.001), ts)
		test.That(t, err, test.ShouldBeNil)
		err = u.Update(pose, diagonalCovariance(0, 0, 0, 0, 0, 0.005), ts.Add(time.Second))
		test.That(t, err, test.ShouldBeNil)

		snapshot := em.RawSnapshot()
		nearIndex, ok := snapshot.IndexAt(r2.Point{X: 0.05, Y: 0.05})
		test.That(t, ok, test.ShouldBeTrue)
		farIndex, ok := snapshot.IndexAt(r2.Point{X: 0.05, Y: 0.45})
		test.That(t, ok, test.ShouldBeTrue)

		near, err := snapshot.At("horizontal_variance_x", nearIndex)
		test.That(t, err, test.ShouldBeNil)
		far, err := snapshot.At("horizontal_variance_x", farIndex)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, far, test.ShouldBeGreaterThan, near)
	})

	t.Run("fails when the map has no geometry", func(t *testing.T) {
		em := elevationmap.New(elevationmap.Params{}, logging.NewTestLogger(t))
		u := motionupdater.New(em, logging.NewTestLogger(t))
		ts := time.Now()

		err := u.Update(pose, diagonalCovariance(), ts)
		test.That(t, err, test.ShouldBeNil)
		err = u.Update(pose, diagonalCovariance(1, 1, 1, 1, 1, 1), ts.Add(time.Second))
		test.That(t, err, test.ShouldBeError)
		test.That(t, err.Error(), test.ShouldContainSubstring, "no geometry")
	})
}