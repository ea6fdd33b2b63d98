package gridmap

import (
	"github.com/golang/geo/r2"
)

// The buffer axes run inverted to the map frame axes: row 0 holds the cells
// with the largest x coordinate and column 0 the cells with the largest y
// coordinate. The circular buffer additionally offsets all indices by the
// start index, modulo the buffer size.

func (i Index) axis(axis int) int {
	if axis == 0 {
		return i.Row
	}
	return i.Col
}

func (s Size) axis(axis int) int {
	if axis == 0 {
		return s.Rows
	}
	return s.Cols
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// wrapIndex maps an arbitrary axis coordinate into [0, size).
func wrapIndex(index, size int) int {
	index %= size
	if index < 0 {
		index += size
	}
	return index
}

func indexInRange(index Index, size Size) bool {
	return index.Row >= 0 && index.Col >= 0 && index.Row < size.Rows && index.Col < size.Cols
}

// unwrapIndex converts a buffer index into the index the cell would have if
// the buffer start were at the origin.
func unwrapIndex(bufferIndex Index, size Size, startIndex Index) Index {
	return Index{
		Row: wrapIndex(bufferIndex.Row-startIndex.Row, size.Rows),
		Col: wrapIndex(bufferIndex.Col-startIndex.Col, size.Cols),
	}
}

// wrapToBuffer is the inverse of unwrapIndex.
func wrapToBuffer(index Index, size Size, startIndex Index) Index {
	return Index{
		Row: wrapIndex(index.Row+startIndex.Row, size.Rows),
		Col: wrapIndex(index.Col+startIndex.Col, size.Cols),
	}
}

func positionInMap(position r2.Point, length, center r2.Point) bool {
	dx := position.X - center.X
	dy := position.Y - center.Y
	return dx >= -0.5*length.X && dx <= 0.5*length.X && dy >= -0.5*length.Y && dy <= 0.5*length.Y
}

func positionFromIndex(index Index, length r2.Point, resolution float64, size Size, startIndex Index, center r2.Point) r2.Point {
	unwrapped := unwrapIndex(index, size, startIndex)
	return r2.Point{
		X: center.X + 0.5*length.X - (float64(unwrapped.Row)+0.5)*resolution,
		Y: center.Y + 0.5*length.Y - (float64(unwrapped.Col)+0.5)*resolution,
	}
}

func indexFromPosition(position r2.Point, length r2.Point, resolution float64, size Size, startIndex Index, center r2.Point) (Index, bool) {
	if size.IsZero() || !positionInMap(position, length, center) {
		return Index{}, false
	}
	row := int((center.X + 0.5*length.X - position.X) / resolution)
	col := int((center.Y + 0.5*length.Y - position.Y) / resolution)
	// Positions on the lower map edge belong to the last cell.
	row = clamp(row, 0, size.Rows-1)
	col = clamp(col, 0, size.Cols-1)
	return wrapToBuffer(Index{Row: row, Col: col}, size, startIndex), true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// indexShiftFromPositionShift converts a map frame position shift into a
// buffer index shift, rounding half away from zero.
func indexShiftFromPositionShift(shift r2.Point, resolution float64) Index {
	return Index{
		Row: -roundHalfAway(shift.X / resolution),
		Col: -roundHalfAway(shift.Y / resolution),
	}
}

// positionShiftFromIndexShift converts a buffer index shift back into the
// map frame position shift it represents.
func positionShiftFromIndexShift(shift Index, resolution float64) r2.Point {
	return r2.Point{
		X: -float64(shift.Row) * resolution,
		Y: -float64(shift.Col) * resolution,
	}
}

func roundHalfAway(v float64) int {
	if v > 0 {
		return int(v + 0.5)
	}
	return int(v - 0.5)
}

// limitPositionToMap clamps a position into the map bounds.
func limitPositionToMap(position r2.Point, length, center r2.Point) r2.Point {
	return r2.Point{
		X: clampFloat(position.X, center.X-0.5*length.X, center.X+0.5*length.X),
		Y: clampFloat(position.Y, center.Y-0.5*length.Y, center.Y+0.5*length.Y),
	}
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SubmapInfo describes the part of the map covered by a requested rectangular
// region after clipping to the map bounds.
type SubmapInfo struct {
	// TopLeftIndex is the buffer index of the submap corner with the largest
	// x and y world coordinates.
	TopLeftIndex Index
	// Size is the cell dimensions of the clipped submap.
	Size Size
	// Position and Length describe the clipped region in world coordinates.
	Position r2.Point
	Length   r2.Point
	// RequestedIndex is the index of the cell containing the requested center,
	// relative to the submap's top-left corner.
	RequestedIndex Index
}

// SubmapInfo computes the submap parameters for a rectangular region given by
// its center position and metric extent, clipped to the map bounds. Regions
// with a non-positive extent along any axis yield a zero-sized submap.
func (m *Map) SubmapInfo(center r2.Point, extent r2.Point) SubmapInfo {
	if extent.X <= 0 || extent.Y <= 0 || m.size.IsZero() {
		return SubmapInfo{}
	}

	hi := limitPositionToMap(r2.Point{X: center.X + 0.5*extent.X, Y: center.Y + 0.5*extent.Y}, m.length, m.position)
	lo := limitPositionToMap(r2.Point{X: center.X - 0.5*extent.X, Y: center.Y - 0.5*extent.Y}, m.length, m.position)

	topLeft, ok := m.IndexAt(hi)
	if !ok {
		return SubmapInfo{}
	}
	bottomRight, ok := m.IndexAt(lo)
	if !ok {
		return SubmapInfo{}
	}

	topLeftUnwrapped := unwrapIndex(topLeft, m.size, m.startIndex)
	bottomRightUnwrapped := unwrapIndex(bottomRight, m.size, m.startIndex)

	info := SubmapInfo{
		TopLeftIndex: topLeft,
		Size: Size{
			Rows: bottomRightUnwrapped.Row - topLeftUnwrapped.Row + 1,
			Cols: bottomRightUnwrapped.Col - topLeftUnwrapped.Col + 1,
		},
		Position: r2.Point{X: 0.5 * (hi.X + lo.X), Y: 0.5 * (hi.Y + lo.Y)},
		Length:   r2.Point{X: hi.X - lo.X, Y: hi.Y - lo.Y},
	}

	requested, ok := m.IndexAt(limitPositionToMap(center, m.length, m.position))
	if ok {
		requestedUnwrapped := unwrapIndex(requested, m.size, m.startIndex)
		info.RequestedIndex = Index{
			Row: requestedUnwrapped.Row - topLeftUnwrapped.Row,
			Col: requestedUnwrapped.Col - topLeftUnwrapped.Col,
		}
	}
	return info
}
