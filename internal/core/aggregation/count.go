package aggregation

import "github.com/aevon-lab/groupagg/internal/core/block"

// CountAccumulator counts selected rows per group. With an argument channel
// it skips rows where the argument is null, matching count(x); without one it
// is count(*).
type CountAccumulator struct {
	groupBounds
	counts []int64
}

func NewCountAccumulator() *CountAccumulator {
	return &CountAccumulator{}
}

func (a *CountAccumulator) EstimatedSizeBytes() int64 {
	return accumulatorOverhead + int64(cap(a.counts))*8
}

func (a *CountAccumulator) SetGroupCount(groupCount int) {
	a.setGroupCount(groupCount)
	a.counts = growTo(a.counts, a.groupCount)
}

func (a *CountAccumulator) AddInput(groupIDs []int32, arguments *block.Page, mask Mask) {
	var arg block.Block
	if arguments.ChannelCount() > 0 && arguments.Block(0).MayHaveNull() {
		arg = arguments.Block(0)
	}
	for i, n := 0, mask.SelectedPositionCount(); i < n; i++ {
		p := mask.Position(i)
		if arg != nil && arg.IsNull(p) {
			continue
		}
		g := groupIDs[p]
		a.check(g)
		a.counts[g]++
	}
}

func (a *CountAccumulator) AddIntermediate(groupIDs []int32, state block.Block) {
	counts := state.(*block.LongBlock)
	for p := 0; p < counts.PositionCount(); p++ {
		g := groupIDs[p]
		a.check(g)
		if counts.IsNull(p) {
			continue
		}
		a.counts[g] += counts.Long(p)
	}
}

func (a *CountAccumulator) PrepareFinal() {}

func (a *CountAccumulator) EvaluateIntermediate(groupID int32, out block.BlockBuilder) {
	a.EvaluateFinal(groupID, out)
}

func (a *CountAccumulator) EvaluateFinal(groupID int32, out block.BlockBuilder) {
	a.check(groupID)
	out.(*block.LongBlockBuilder).AppendLong(a.counts[groupID])
}
