package aggregation

import (
	"fmt"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/aevon-lab/groupagg/internal/core/statecodec"
	"github.com/shopspring/decimal"
)

// combiner defines the reduce semantics of a decimal aggregate: how an
// incoming value folds into the running one. Partial states merge with the
// same rule, which is what makes sum, min and max splittable.
type combiner interface {
	Apply(current, incoming decimal.Decimal) decimal.Decimal
}

// sumCombiner accumulates the sum of incoming values.
type sumCombiner struct{}

func (sumCombiner) Apply(cur, inc decimal.Decimal) decimal.Decimal { return cur.Add(inc) }

// minCombiner tracks the minimum value seen.
type minCombiner struct{}

func (minCombiner) Apply(cur, inc decimal.Decimal) decimal.Decimal {
	if inc.LessThan(cur) {
		return inc
	}
	return cur
}

// maxCombiner tracks the maximum value seen.
type maxCombiner struct{}

func (maxCombiner) Apply(cur, inc decimal.Decimal) decimal.Decimal {
	if inc.GreaterThan(cur) {
		return inc
	}
	return cur
}

// decimalGroups is a dense per-group decimal slot with a presence flag, and
// the heap accounting for the big integers behind the values.
type decimalGroups struct {
	values    []decimal.Decimal
	present   []bool
	heapBytes int64
}

func (s *decimalGroups) grow(n int) {
	s.values = growTo(s.values, n)
	s.present = growTo(s.present, n)
}

func (s *decimalGroups) store(g int32, d decimal.Decimal) {
	if s.present[g] {
		s.heapBytes -= block.DecimalRetainedBytes(s.values[g])
	}
	s.values[g] = d
	s.present[g] = true
	s.heapBytes += block.DecimalRetainedBytes(d)
}

func (s *decimalGroups) sizeBytes() int64 {
	return int64(cap(s.values))*decimalSlotBytes + int64(cap(s.present)) + s.heapBytes
}

// decimalSlotBytes is the inline size of a decimal.Decimal: a pointer and an exponent.
const decimalSlotBytes = 16

// DecimalAccumulator implements sum, min and max over numeric input with
// exact decimal arithmetic. A group that saw no non-null input evaluates to
// null.
type DecimalAccumulator struct {
	groupBounds
	combine combiner
	codec   *statecodec.Codec
	groups  decimalGroups
}

func NewDecimalAccumulator(c combiner) *DecimalAccumulator {
	return &DecimalAccumulator{combine: c, codec: statecodec.Default()}
}

func (a *DecimalAccumulator) EstimatedSizeBytes() int64 {
	return accumulatorOverhead + a.groups.sizeBytes()
}

func (a *DecimalAccumulator) SetGroupCount(groupCount int) {
	a.setGroupCount(groupCount)
	a.groups.grow(a.groupCount)
}

func (a *DecimalAccumulator) fold(g int32, v decimal.Decimal) {
	a.check(g)
	if a.groups.present[g] {
		v = a.combine.Apply(a.groups.values[g], v)
	}
	a.groups.store(g, v)
}

func (a *DecimalAccumulator) AddInput(groupIDs []int32, arguments *block.Page, mask Mask) {
	arg := arguments.Block(0)
	for i, n := 0, mask.SelectedPositionCount(); i < n; i++ {
		p := mask.Position(i)
		v, ok := block.DecimalAt(arg, p)
		if !ok {
			continue
		}
		a.fold(groupIDs[p], v)
	}
}

func (a *DecimalAccumulator) AddIntermediate(groupIDs []int32, state block.Block) {
	states := state.(*block.BytesBlock)
	for p := 0; p < states.PositionCount(); p++ {
		if states.IsNull(p) {
			continue
		}
		v, present, err := a.codec.DecodeDecimal(states.Bytes(p))
		if err != nil {
			panic(fmt.Errorf("merge state at position %d: %w", p, err))
		}
		if !present {
			// Still validate the id: an empty state is a real group.
			a.check(groupIDs[p])
			continue
		}
		a.fold(groupIDs[p], v)
	}
}

func (a *DecimalAccumulator) PrepareFinal() {}

func (a *DecimalAccumulator) EvaluateIntermediate(groupID int32, out block.BlockBuilder) {
	a.check(groupID)
	state := a.codec.EncodeDecimal(a.groups.values[groupID], a.groups.present[groupID])
	out.(*block.BytesBlockBuilder).AppendBytes(state)
}

func (a *DecimalAccumulator) EvaluateFinal(groupID int32, out block.BlockBuilder) {
	a.check(groupID)
	if !a.groups.present[groupID] {
		out.AppendNull()
		return
	}
	out.(*block.DecimalBlockBuilder).AppendDecimal(a.groups.values[groupID])
}

func validateDecimalState(state []byte) error {
	_, _, err := statecodec.Default().DecodeDecimal(state)
	return err
}
