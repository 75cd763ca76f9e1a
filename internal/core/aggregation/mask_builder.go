package aggregation

import (
	"encoding/binary"

	"github.com/aevon-lab/groupagg/internal/core/block"
)

// MaskBuilder turns a page's FILTER column and DISTINCT requirement into the
// rows an accumulator may see. No other component reads filter columns.
//
// filter is nil when the aggregate has no FILTER clause. groupIDs is parallel
// to the page and only consulted by builders keeping per-group state.
type MaskBuilder interface {
	Build(groupIDs []int32, arguments *block.Page, filter block.Block) Mask
	EstimatedSizeBytes() int64
}

// PassThroughMaskBuilder selects every row that passes the FILTER column, and
// every row when there is none.
type PassThroughMaskBuilder struct{}

func (PassThroughMaskBuilder) Build(_ []int32, arguments *block.Page, filter block.Block) Mask {
	if filter == nil {
		return SelectAll(arguments.PositionCount())
	}
	return buildFilterMask(arguments, filter, nil)
}

func (PassThroughMaskBuilder) EstimatedSizeBytes() int64 { return 0 }

// FilterMaskBuilder selects rows whose FILTER value is true (null counts as
// false) and whose NonNullChannels, indexes into the argument page, hold no
// null. Aggregates that ignore null inputs list their argument channels.
type FilterMaskBuilder struct {
	NonNullChannels []int
}

func NewFilterMaskBuilder(nonNullChannels ...int) *FilterMaskBuilder {
	return &FilterMaskBuilder{NonNullChannels: nonNullChannels}
}

func (b *FilterMaskBuilder) Build(_ []int32, arguments *block.Page, filter block.Block) Mask {
	var nonNull []block.Block
	for _, c := range b.NonNullChannels {
		if arg := arguments.Block(c); arg.MayHaveNull() {
			nonNull = append(nonNull, arg)
		}
	}
	if filter == nil && len(nonNull) == 0 {
		return SelectAll(arguments.PositionCount())
	}
	return buildFilterMask(arguments, filter, nonNull)
}

func (b *FilterMaskBuilder) EstimatedSizeBytes() int64 { return 0 }

func buildFilterMask(arguments *block.Page, filter block.Block, nonNull []block.Block) Mask {
	n := arguments.PositionCount()
	var flags *block.BooleanBlock
	if filter != nil {
		flags = filter.(*block.BooleanBlock)
	}
	positions := make([]int, 0, n)
	for p := 0; p < n; p++ {
		if flags != nil && (flags.IsNull(p) || !flags.Boolean(p)) {
			continue
		}
		if anyNull(nonNull, p) {
			continue
		}
		positions = append(positions, p)
	}
	return SelectPositions(n, positions)
}

func anyNull(blocks []block.Block, position int) bool {
	for _, b := range blocks {
		if b.IsNull(position) {
			return true
		}
	}
	return false
}

// distinctEntryOverhead approximates a map entry's bucket share and string header.
const distinctEntryOverhead = 48

// DistinctMaskBuilder drops rows whose argument tuple was already seen for
// the same group, in this page or any earlier one. Rows are first narrowed
// by the wrapped builder, so FILTER applies before deduplication.
type DistinctMaskBuilder struct {
	inner    MaskBuilder
	seen     map[string]struct{}
	retained int64
	key      []byte
}

func NewDistinctMaskBuilder(inner MaskBuilder) *DistinctMaskBuilder {
	if inner == nil {
		inner = PassThroughMaskBuilder{}
	}
	return &DistinctMaskBuilder{inner: inner, seen: make(map[string]struct{})}
}

func (b *DistinctMaskBuilder) Build(groupIDs []int32, arguments *block.Page, filter block.Block) Mask {
	mask := b.inner.Build(groupIDs, arguments, filter)
	if mask.IsSelectNone() {
		return mask
	}

	selected := mask.SelectedPositionCount()
	positions := make([]int, 0, selected)
	for i := 0; i < selected; i++ {
		p := mask.Position(i)
		b.key = binary.BigEndian.AppendUint32(b.key[:0], uint32(groupIDs[p]))
		for c := 0; c < arguments.ChannelCount(); c++ {
			b.key = block.AppendKey(b.key, arguments.Block(c), p)
		}
		if _, dup := b.seen[string(b.key)]; dup {
			continue
		}
		b.seen[string(b.key)] = struct{}{}
		b.retained += int64(len(b.key)) + distinctEntryOverhead
		positions = append(positions, p)
	}
	return SelectPositions(arguments.PositionCount(), positions)
}

func (b *DistinctMaskBuilder) EstimatedSizeBytes() int64 {
	return b.inner.EstimatedSizeBytes() + b.retained + int64(cap(b.key))
}
