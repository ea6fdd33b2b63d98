// Package postprocess contains functionality to manually edit elevation maps.
package postprocess

import (
	"errors"
	"image/color"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/viam-modules/viam-elevation-mapping/elevationmap"
)

// Instruction describes the action of the postprocess step.
type Instruction int

const (
	// Add is the instruction for adding points.
	Add Instruction = iota
	// Remove is the instruction for removing points.
	Remove = iota
)

const (
	fullConfidence = 100
	removalRadius  = 0.25 // meters
	xKey           = "X"
	yKey           = "Y"
	zKey           = "Z"

	// AddCommand can be used to write elevations into the map by hand.
	AddCommand = "postprocess_add"
	// RemoveCommand can be used to clear map cells around given points.
	RemoveCommand = "postprocess_remove"
)

var (
	// ErrPointsNotASlice denotes that the points have not been properly formatted as a slice.
	ErrPointsNotASlice = errors.New("could not parse provided points as a slice")

	// ErrPointNotAMap denotes that a point has not been properly formatted as a map.
	ErrPointNotAMap = errors.New("could not parse provided point as a map")

	// ErrXNotProvided denotes that an X value was not provided.
	ErrXNotProvided = errors.New("X not provided")

	// ErrXNotFloat64 denotes that an X value is not a float64.
	ErrXNotFloat64 = errors.New("could not parse provided X as a float64")

	// ErrYNotProvided denotes that a Y value was not provided.
	ErrYNotProvided = errors.New("Y not provided")

	// ErrYNotFloat64 denotes that a Y value is not a float64.
	ErrYNotFloat64 = errors.New("could not parse provided Y as a float64")

	// ErrZNotProvided denotes that a Z value was not provided for an added point.
	ErrZNotProvided = errors.New("Z not provided")

	// ErrZNotFloat64 denotes that a Z value is not a float64.
	ErrZNotFloat64 = errors.New("could not parse provided Z as a float64")
)

// Task can be used to construct a postprocessing step.
type Task struct {
	Instruction Instruction
	Points      []r3.Vector
}

// ParseDoCommand parses postprocessing DoCommands into Tasks. Added points
// carry an elevation in Z; removed points only need a map position.
func ParseDoCommand(
	unstructuredPoints interface{},
	instruction Instruction,
) (Task, error) {
	pointSlice, ok := unstructuredPoints.([]interface{})
	if !ok {
		return Task{}, ErrPointsNotASlice
	}

	task := Task{Instruction: instruction}
	for _, point := range pointSlice {
		pointMap, ok := point.(map[string]interface{})
		if !ok {
			return Task{}, ErrPointNotAMap
		}

		x, ok := pointMap[xKey]
		if !ok {
			return Task{}, ErrXNotProvided
		}
		xFloat, ok := x.(float64)
		if !ok {
			return Task{}, ErrXNotFloat64
		}

		y, ok := pointMap[yKey]
		if !ok {
			return Task{}, ErrYNotProvided
		}
		yFloat, ok := y.(float64)
		if !ok {
			return Task{}, ErrYNotFloat64
		}

		zFloat := 0.
		if instruction == Add {
			z, ok := pointMap[zKey]
			if !ok {
				return Task{}, ErrZNotProvided
			}
			if zFloat, ok = z.(float64); !ok {
				return Task{}, ErrZNotFloat64
			}
		}

		task.Points = append(task.Points, r3.Vector{X: xFloat, Y: yFloat, Z: zFloat})
	}
	return task, nil
}

// Apply iterates through a list of tasks and adds or removes cells from the
// elevation map. Added cells are written at the map's minimum variance and
// colored so they are recognizable as hand edits.
func Apply(em *elevationmap.ElevationMap, tasks []Task, t time.Time) error {
	for _, task := range tasks {
		switch task.Instruction {
		case Add:
			points := make([]elevationmap.Point, 0, len(task.Points))
			variances := make([]float64, 0, len(task.Points))
			for _, p := range task.Points {
				points = append(points, elevationmap.Point{
					Position: p,
					Color:    color.NRGBA{R: fullConfidence, B: fullConfidence},
				})
				variances = append(variances, em.Params().MinVariance)
			}
			if err := em.Add(points, variances, t); err != nil {
				return err
			}
		case Remove:
			for _, p := range task.Points {
				em.ClearArea(r2.Point{X: p.X, Y: p.Y}, removalRadius)
			}
		}
	}
	return nil
}
