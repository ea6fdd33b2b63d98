package gridmap

// SubmapIterator yields the buffer indices of a rectangular submap in
// row-major order, following the circular buffer across the wrap boundary.
// The iterator is restartable via Reset.
type SubmapIterator struct {
	mapSize Size
	topLeft Index
	size    Size
	row     int
	col     int
}

// NewSubmapIterator returns an iterator over the submap with the given
// top-left buffer index and size. A zero size yields an iterator that is
// immediately done.
func (m *Map) NewSubmapIterator(topLeft Index, size Size) *SubmapIterator {
	return &SubmapIterator{
		mapSize: m.size,
		topLeft: topLeft,
		size:    size,
	}
}

// Done reports whether the iterator has passed the last cell of the submap.
func (it *SubmapIterator) Done() bool {
	return it.size.IsZero() || it.row >= it.size.Rows
}

// Index returns the buffer index of the current cell.
func (it *SubmapIterator) Index() Index {
	return Index{
		Row: wrapIndex(it.topLeft.Row+it.row, it.mapSize.Rows),
		Col: wrapIndex(it.topLeft.Col+it.col, it.mapSize.Cols),
	}
}

// Next advances the iterator to the next cell.
func (it *SubmapIterator) Next() {
	if it.Done() {
		return
	}
	it.col++
	if it.col >= it.size.Cols {
		it.col = 0
		it.row++
	}
}

// Reset rewinds the iterator to the first cell of the submap.
func (it *SubmapIterator) Reset() {
	it.row, it.col = 0, 0
}
