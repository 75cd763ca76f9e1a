package aggregation

// Mask is the row selection for one page: all rows, no rows, or an explicit
// ascending list of positions.
type Mask struct {
	positionCount int
	selectAll     bool
	positions     []int
}

// SelectAll selects every position of a page with positionCount rows.
// An empty page selects nothing.
func SelectAll(positionCount int) Mask {
	return Mask{positionCount: positionCount, selectAll: positionCount > 0}
}

// SelectNone selects no position.
func SelectNone(positionCount int) Mask {
	return Mask{positionCount: positionCount}
}

// SelectPositions selects the given ascending positions. It normalizes to
// SelectAll or SelectNone when the list covers everything or nothing.
func SelectPositions(positionCount int, positions []int) Mask {
	switch {
	case len(positions) == 0:
		return SelectNone(positionCount)
	case len(positions) == positionCount:
		return SelectAll(positionCount)
	}
	return Mask{positionCount: positionCount, positions: positions}
}

func (m Mask) PositionCount() int { return m.positionCount }
func (m Mask) IsSelectAll() bool  { return m.selectAll }

func (m Mask) IsSelectNone() bool {
	return !m.selectAll && len(m.positions) == 0
}

// SelectedPositionCount is the number of selected rows.
func (m Mask) SelectedPositionCount() int {
	if m.selectAll {
		return m.positionCount
	}
	return len(m.positions)
}

// Position returns the i-th selected position, for i < SelectedPositionCount.
func (m Mask) Position(i int) int {
	if m.selectAll {
		return i
	}
	return m.positions[i]
}

// Positions materializes the selection.
func (m Mask) Positions() []int {
	if !m.selectAll {
		return m.positions
	}
	out := make([]int, m.positionCount)
	for i := range out {
		out[i] = i
	}
	return out
}
