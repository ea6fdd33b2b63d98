// Package gridmap implements a two-dimensional, multi-layered grid map with a
// circular-buffer memory layout. Cells are addressed either by buffer index or
// by world position in the map frame; moving the map shifts the buffer start
// index instead of copying cell data.
package gridmap

import (
	"image/color"
	"math"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/rdk/pointcloud"
)

// ErrOutOfBounds is returned when a requested position or index does not lie
// within the map.
var ErrOutOfBounds = errors.New("position or index is out of the map bounds")

// Index addresses a single cell in the buffer. Row corresponds to the map
// frame x axis and Col to the y axis, both in inverted (buffer) order.
type Index struct {
	Row, Col int
}

// Size holds the cell dimensions of the buffer or of a submap.
type Size struct {
	Rows, Cols int
}

// IsZero reports whether the size spans no cells.
func (s Size) IsZero() bool {
	return s.Rows <= 0 || s.Cols <= 0
}

// Cells returns the total number of cells covered by the size.
func (s Size) Cells() int {
	if s.IsZero() {
		return 0
	}
	return s.Rows * s.Cols
}

// Map is a dense 2D grid with named per-cell layers of float64 values.
// Validity of a cell is derived from its basic layers: a cell is valid when
// none of the basic layer values are NaN. A Map is not safe for concurrent
// use; callers are expected to provide their own synchronization.
type Map struct {
	layers      map[string][]float64
	layerNames  []string
	basicLayers []string
	size        Size
	resolution  float64
	length      r2.Point
	position    r2.Point
	startIndex  Index
	frameID     string
	timestamp   time.Time
}

// NewMap creates an empty map with the given layers. The basic layers define
// cell validity and must be a subset of layers. The map has no geometry until
// SetGeometry is called.
func NewMap(layers, basicLayers []string) *Map {
	m := &Map{
		layers:      map[string][]float64{},
		layerNames:  append([]string{}, layers...),
		basicLayers: append([]string{}, basicLayers...),
	}
	for _, layer := range layers {
		m.layers[layer] = nil
	}
	return m
}

// SetGeometry resizes the map to the given side lengths (m), resolution
// (m/cell) and center position. The cell count is rounded from
// length/resolution and all cells are cleared.
func (m *Map) SetGeometry(length r2.Point, resolution float64, position r2.Point) {
	m.size = Size{
		Rows: int(math.Round(length.X / resolution)),
		Cols: int(math.Round(length.Y / resolution)),
	}
	m.resolution = resolution
	// The true length is a whole multiple of the resolution.
	m.length = r2.Point{
		X: float64(m.size.Rows) * resolution,
		Y: float64(m.size.Cols) * resolution,
	}
	m.position = position
	m.startIndex = Index{}
	for _, layer := range m.layerNames {
		m.layers[layer] = make([]float64, m.size.Cells())
	}
	m.ClearAll()
}

// Layers returns the names of all layers.
func (m *Map) Layers() []string {
	return append([]string{}, m.layerNames...)
}

// HasLayer reports whether the map carries the named layer.
func (m *Map) HasLayer(layer string) bool {
	_, ok := m.layers[layer]
	return ok
}

// Size returns the cell dimensions of the buffer.
func (m *Map) Size() Size {
	return m.size
}

// Resolution returns the side length of a single cell.
func (m *Map) Resolution() float64 {
	return m.resolution
}

// Length returns the metric side lengths of the map.
func (m *Map) Length() r2.Point {
	return m.length
}

// Position returns the world position of the map center.
func (m *Map) Position() r2.Point {
	return m.position
}

// StartIndex returns the circular buffer start index.
func (m *Map) StartIndex() Index {
	return m.startIndex
}

// FrameID returns the coordinate frame the map data is defined in.
func (m *Map) FrameID() string {
	return m.frameID
}

// SetFrameID sets the coordinate frame the map data is defined in.
func (m *Map) SetFrameID(frameID string) {
	m.frameID = frameID
}

// Timestamp returns the time attached to the map data.
func (m *Map) Timestamp() time.Time {
	return m.timestamp
}

// SetTimestamp attaches a time to the map data.
func (m *Map) SetTimestamp(t time.Time) {
	m.timestamp = t
}

func (m *Map) cell(index Index) int {
	return index.Row*m.size.Cols + index.Col
}

// At returns the value of the layer at the given buffer index.
func (m *Map) At(layer string, index Index) (float64, error) {
	values, ok := m.layers[layer]
	if !ok {
		return math.NaN(), errors.Errorf("no layer %q in the map", layer)
	}
	if !indexInRange(index, m.size) {
		return math.NaN(), ErrOutOfBounds
	}
	return values[m.cell(index)], nil
}

// SetAt sets the value of the layer at the given buffer index.
func (m *Map) SetAt(layer string, index Index, value float64) error {
	values, ok := m.layers[layer]
	if !ok {
		return errors.Errorf("no layer %q in the map", layer)
	}
	if !indexInRange(index, m.size) {
		return ErrOutOfBounds
	}
	values[m.cell(index)] = value
	return nil
}

// AddToLayer adds the given values elementwise to the layer. The values are
// in buffer order and their count must equal the cell count of the map.
func (m *Map) AddToLayer(layer string, values []float64) error {
	target, ok := m.layers[layer]
	if !ok {
		return errors.Errorf("no layer %q in the map", layer)
	}
	if len(values) != len(target) {
		return errors.Errorf("layer %q has %d cells, got %d values", layer, len(target), len(values))
	}
	for i, v := range values {
		target[i] += v
	}
	return nil
}

// MapLayer applies fn elementwise to the layer.
func (m *Map) MapLayer(layer string, fn func(float64) float64) error {
	values, ok := m.layers[layer]
	if !ok {
		return errors.Errorf("no layer %q in the map", layer)
	}
	for i, v := range values {
		values[i] = fn(v)
	}
	return nil
}

// IsValid reports whether the cell at the given buffer index holds a valid
// value, i.e. none of its basic layers are NaN.
func (m *Map) IsValid(index Index) bool {
	if !indexInRange(index, m.size) {
		return false
	}
	for _, layer := range m.basicLayers {
		if math.IsNaN(m.layers[layer][m.cell(index)]) {
			return false
		}
	}
	return len(m.basicLayers) > 0
}

// IndexAt returns the buffer index of the cell containing the given world
// position, or false if the position lies outside of the map.
func (m *Map) IndexAt(position r2.Point) (Index, bool) {
	return indexFromPosition(position, m.length, m.resolution, m.size, m.startIndex, m.position)
}

// PositionAt returns the world position of the center of the cell at the
// given buffer index.
func (m *Map) PositionAt(index Index) (r2.Point, error) {
	if !indexInRange(index, m.size) {
		return r2.Point{}, ErrOutOfBounds
	}
	return positionFromIndex(index, m.length, m.resolution, m.size, m.startIndex, m.position), nil
}

// Position3 returns the 3D world position of the cell at the given buffer
// index, with the z coordinate taken from the given layer. It fails if the
// index is out of range or the layer value is NaN.
func (m *Map) Position3(layer string, index Index) (r3.Vector, error) {
	z, err := m.At(layer, index)
	if err != nil {
		return r3.Vector{}, err
	}
	if math.IsNaN(z) {
		return r3.Vector{}, errors.Errorf("no valid %q value at index (%d, %d)", layer, index.Row, index.Col)
	}
	position, err := m.PositionAt(index)
	if err != nil {
		return r3.Vector{}, err
	}
	return r3.Vector{X: position.X, Y: position.Y, Z: z}, nil
}

// Clear invalidates all cells by setting the basic layers to NaN. Non-basic
// layers keep their values.
func (m *Map) Clear() {
	for _, layer := range m.basicLayers {
		fill(m.layers[layer], math.NaN())
	}
}

// ClearAll sets every layer of every cell to NaN.
func (m *Map) ClearAll() {
	for _, layer := range m.layerNames {
		fill(m.layers[layer], math.NaN())
	}
}

// Copy returns a deep copy of the map.
func (m *Map) Copy() *Map {
	clone := &Map{
		layers:      map[string][]float64{},
		layerNames:  append([]string{}, m.layerNames...),
		basicLayers: append([]string{}, m.basicLayers...),
		size:        m.size,
		resolution:  m.resolution,
		length:      m.length,
		position:    m.position,
		startIndex:  m.startIndex,
		frameID:     m.frameID,
		timestamp:   m.timestamp,
	}
	for _, layer := range m.layerNames {
		clone.layers[layer] = append([]float64{}, m.layers[layer]...)
	}
	return clone
}

// Move relocates the map window so that it is centered at the given world
// position, aligned to the cell raster. Cells that fall out of the new window
// are cleared; regions that enter the window start out invalid. Cell data
// within the overlap is untouched.
func (m *Map) Move(position r2.Point) {
	// Without geometry there is no window to relocate.
	if m.size.IsZero() {
		return
	}
	shift := r2.Point{X: position.X - m.position.X, Y: position.Y - m.position.Y}
	indexShift := indexShiftFromPositionShift(shift, m.resolution)
	alignedShift := positionShiftFromIndexShift(indexShift, m.resolution)

	for axis := 0; axis < 2; axis++ {
		n := indexShift.axis(axis)
		if n == 0 {
			continue
		}
		if abs(n) >= m.size.axis(axis) {
			// The entire buffer content falls out of the window.
			m.ClearAll()
			continue
		}
		// Clear the cells that wrap from one edge of the window to the other.
		sign := 1
		if n < 0 {
			sign = -1
		}
		start := m.startIndex.axis(axis)
		if sign < 0 {
			start--
		}
		first := start
		if sign < 0 {
			first = start - sign + n
		}
		first = wrapIndex(first, m.size.axis(axis))
		count := abs(n)

		if first+count <= m.size.axis(axis) {
			m.clearAxis(axis, first, count)
		} else {
			firstCount := m.size.axis(axis) - first
			m.clearAxis(axis, first, firstCount)
			m.clearAxis(axis, 0, count-firstCount)
		}
	}

	m.startIndex = Index{
		Row: wrapIndex(m.startIndex.Row+indexShift.Row, m.size.Rows),
		Col: wrapIndex(m.startIndex.Col+indexShift.Col, m.size.Cols),
	}
	m.position = r2.Point{X: m.position.X + alignedShift.X, Y: m.position.Y + alignedShift.Y}
}

// clearAxis clears count rows (axis 0) or columns (axis 1) of every layer,
// starting at the given buffer coordinate.
func (m *Map) clearAxis(axis, start, count int) {
	for _, layer := range m.layerNames {
		values := m.layers[layer]
		if axis == 0 {
			for row := start; row < start+count; row++ {
				for col := 0; col < m.size.Cols; col++ {
					values[row*m.size.Cols+col] = math.NaN()
				}
			}
		} else {
			for col := start; col < start+count; col++ {
				for row := 0; row < m.size.Rows; row++ {
					values[row*m.size.Cols+col] = math.NaN()
				}
			}
		}
	}
}

// ToPointCloud serializes all valid cells into a point cloud, taking the z
// coordinate from the elevation layer. If colorLayer is non-empty and present,
// the packed cell color is attached to each point.
func (m *Map) ToPointCloud(elevationLayer, colorLayer string) (pointcloud.PointCloud, error) {
	if !m.HasLayer(elevationLayer) {
		return nil, errors.Errorf("no layer %q in the map", elevationLayer)
	}
	cloud := pointcloud.NewWithPrealloc(m.size.Cells())
	withColor := colorLayer != "" && m.HasLayer(colorLayer)
	for it := m.NewSubmapIterator(m.startIndex, m.size); !it.Done(); it.Next() {
		index := it.Index()
		if !m.IsValid(index) {
			continue
		}
		position, err := m.Position3(elevationLayer, index)
		if err != nil {
			continue
		}
		data := pointcloud.NewBasicData()
		if withColor {
			if packed, err := m.At(colorLayer, index); err == nil && !math.IsNaN(packed) {
				data = pointcloud.NewColoredData(UnpackColor(packed))
			}
		}
		if err := cloud.Set(position, data); err != nil {
			return nil, err
		}
	}
	return cloud, nil
}

// PackColor packs an RGB color into a float64 layer value.
func PackColor(c color.NRGBA) float64 {
	return float64(uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B))
}

// UnpackColor restores a color packed with PackColor.
func UnpackColor(value float64) color.NRGBA {
	packed := uint32(value)
	return color.NRGBA{
		R: uint8(packed >> 16 & 0xff),
		G: uint8(packed >> 8 & 0xff),
		B: uint8(packed & 0xff),
		A: 255,
	}
}

func fill(values []float64, v float64) {
	for i := range values {
		values[i] = v
	}
}
