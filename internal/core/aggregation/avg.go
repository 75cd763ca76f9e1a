package aggregation

import (
	"fmt"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/aevon-lab/groupagg/internal/core/statecodec"
	"github.com/shopspring/decimal"
)

// AverageAccumulator keeps a decimal sum and a row count per group. The
// quotient is only taken at EvaluateFinal, so partial states merge exactly.
type AverageAccumulator struct {
	groupBounds
	codec  *statecodec.Codec
	sums   decimalGroups
	counts []int64
}

func NewAverageAccumulator() *AverageAccumulator {
	return &AverageAccumulator{codec: statecodec.Default()}
}

func (a *AverageAccumulator) EstimatedSizeBytes() int64 {
	return accumulatorOverhead + a.sums.sizeBytes() + int64(cap(a.counts))*8
}

func (a *AverageAccumulator) SetGroupCount(groupCount int) {
	a.setGroupCount(groupCount)
	a.sums.grow(a.groupCount)
	a.counts = growTo(a.counts, a.groupCount)
}

func (a *AverageAccumulator) add(g int32, sum decimal.Decimal, count int64) {
	a.check(g)
	if a.sums.present[g] {
		sum = a.sums.values[g].Add(sum)
	}
	a.sums.store(g, sum)
	a.counts[g] += count
}

func (a *AverageAccumulator) AddInput(groupIDs []int32, arguments *block.Page, mask Mask) {
	arg := arguments.Block(0)
	for i, n := 0, mask.SelectedPositionCount(); i < n; i++ {
		p := mask.Position(i)
		v, ok := block.DecimalAt(arg, p)
		if !ok {
			continue
		}
		a.add(groupIDs[p], v, 1)
	}
}

func (a *AverageAccumulator) AddIntermediate(groupIDs []int32, state block.Block) {
	states := state.(*block.BytesBlock)
	for p := 0; p < states.PositionCount(); p++ {
		if states.IsNull(p) {
			continue
		}
		sum, count, err := a.codec.DecodeAverage(states.Bytes(p))
		if err != nil {
			panic(fmt.Errorf("merge state at position %d: %w", p, err))
		}
		if count == 0 {
			a.check(groupIDs[p])
			continue
		}
		a.add(groupIDs[p], sum, count)
	}
}

func (a *AverageAccumulator) PrepareFinal() {}

func (a *AverageAccumulator) EvaluateIntermediate(groupID int32, out block.BlockBuilder) {
	a.check(groupID)
	state := a.codec.EncodeAverage(a.sums.values[groupID], a.counts[groupID])
	out.(*block.BytesBlockBuilder).AppendBytes(state)
}

func (a *AverageAccumulator) EvaluateFinal(groupID int32, out block.BlockBuilder) {
	a.check(groupID)
	count := a.counts[groupID]
	if count == 0 {
		out.AppendNull()
		return
	}
	avg := a.sums.values[groupID].Div(decimal.NewFromInt(count))
	out.(*block.DecimalBlockBuilder).AppendDecimal(avg)
}

func validateAverageState(state []byte) error {
	_, count, err := statecodec.Default().DecodeAverage(state)
	if err != nil {
		return err
	}
	if count < 0 {
		return fmt.Errorf("%w: negative count %d", statecodec.ErrMalformedState, count)
	}
	return nil
}
