package aggregation

import (
	"errors"
	"testing"
	"time"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/stretchr/testify/require"
)

// recordingMetrics counts samples instead of exporting them.
type recordingMetrics struct {
	samples int
}

func (m *recordingMetrics) RecordAccumulatorUpdateTimeSince(time.Time) { m.samples++ }

// recordingAccumulator remembers what reached it.
type recordingAccumulator struct {
	groupCounts   []int
	inputMasks    []Mask
	inputPages    []*block.Page
	intermediates int
	prepared      int
	finals        []int32
	partials      []int32
}

func (a *recordingAccumulator) EstimatedSizeBytes() int64 { return int64(len(a.inputPages)) }
func (a *recordingAccumulator) SetGroupCount(n int)       { a.groupCounts = append(a.groupCounts, n) }

func (a *recordingAccumulator) AddInput(_ []int32, arguments *block.Page, mask Mask) {
	a.inputPages = append(a.inputPages, arguments)
	a.inputMasks = append(a.inputMasks, mask)
}

func (a *recordingAccumulator) AddIntermediate([]int32, block.Block) { a.intermediates++ }
func (a *recordingAccumulator) PrepareFinal()                        { a.prepared++ }

func (a *recordingAccumulator) EvaluateIntermediate(g int32, out block.BlockBuilder) {
	a.partials = append(a.partials, g)
	out.AppendNull()
}

func (a *recordingAccumulator) EvaluateFinal(g int32, out block.BlockBuilder) {
	a.finals = append(a.finals, g)
	out.AppendNull()
}

func longs(values ...int64) *block.LongBlock {
	return block.NewLongBlock(values, nil)
}

func groupIDs(ids ...int32) []int32 { return ids }

// evaluateFinal returns the finished value of one group as a single-position block.
func evaluateFinal(acc GroupedAccumulator, fn Function, g int32) block.Block {
	out := block.NewBlockBuilder(fn.FinalType, 1)
	acc.EvaluateFinal(g, out)
	return out.Build()
}

// spillAndMerge serializes every group of src and merges the states into a
// fresh accumulator of the same function.
func spillAndMerge(t *testing.T, src GroupedAccumulator, fn Function, groupCount int) GroupedAccumulator {
	t.Helper()
	states := block.NewBlockBuilder(fn.IntermediateType, groupCount)
	ids := make([]int32, groupCount)
	for g := 0; g < groupCount; g++ {
		src.EvaluateIntermediate(int32(g), states)
		ids[g] = int32(g)
	}
	dst := fn.NewAccumulator()
	dst.SetGroupCount(groupCount)
	dst.AddIntermediate(ids, states.Build())
	return dst
}

func requirePanicsWith(t *testing.T, target error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		require.True(t, errors.Is(err, target), "panic %v does not wrap %v", err, target)
	}()
	fn()
}
