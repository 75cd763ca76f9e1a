package aggregation

import (
	"testing"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAggregator(t *testing.T, fn string, b Binding) *GroupedAggregator {
	t.Helper()
	f := Functions[fn]
	b.IntermediateType = f.IntermediateType
	b.FinalType = f.FinalType
	agg, err := NewGroupedAggregator(f.NewAccumulator(), b)
	require.NoError(t, err)
	return agg
}

func TestGroupedAggregator_CountSingle(t *testing.T) {
	agg := newAggregator(t, FnCount, Binding{Step: Single, InputChannels: []int{0}})

	page := block.PageOf(longs(7, 8, 9, 10, 11))
	agg.ProcessPage(3, groupIDs(0, 1, 0, 2, 1), page)
	agg.PrepareFinal()

	out := block.NewBlockBuilder(agg.Type(), 3)
	for g := int32(0); g < 3; g++ {
		agg.Evaluate(g, out)
	}
	counts := out.Build().(*block.LongBlock)
	assert.Equal(t, int64(2), counts.Long(0))
	assert.Equal(t, int64(2), counts.Long(1))
	assert.Equal(t, int64(1), counts.Long(2))
}

func TestGroupedAggregator_SumSpillAndMerge(t *testing.T) {
	agg := newAggregator(t, FnSum, Binding{Step: Single, InputChannels: []int{0}})
	agg.ProcessPage(1, groupIDs(0, 0), block.PageOf(longs(10, 20)))

	require.Equal(t, block.Decimal, agg.Type())
	agg.PromoteToSpillOutput()
	assert.Equal(t, Partial, agg.Step())
	assert.True(t, agg.Promoted())
	require.Equal(t, block.Varbinary, agg.Type())

	spilled := block.NewBlockBuilder(agg.Type(), 1)
	agg.Evaluate(0, spilled)

	merge := newAggregator(t, FnSum, Binding{Step: Single.PartialInput(), InputChannels: []int{0}})
	merge.ProcessPage(1, groupIDs(0), block.PageOf(spilled.Build()))
	merge.PrepareFinal()

	out := block.NewBlockBuilder(merge.Type(), 1)
	merge.Evaluate(0, out)
	got, ok := block.DecimalAt(out.Build(), 0)
	require.True(t, ok)
	assert.True(t, decimal.NewFromInt(30).Equal(got), "got %s", got)
}

func TestGroupedAggregator_FilterChannel(t *testing.T) {
	acc := &recordingAccumulator{}
	metrics := &recordingMetrics{}
	agg, err := NewGroupedAggregator(acc, Binding{
		Step:          Single,
		InputChannels: []int{0},
		MaskChannel:   ChannelAt(1),
		Metrics:       metrics,
	})
	require.NoError(t, err)

	filter := block.NewBooleanBlock([]bool{true, false, true}, nil)
	agg.ProcessPage(1, groupIDs(0, 0, 0), block.PageOf(longs(1, 2, 3), filter))

	require.Len(t, acc.inputMasks, 1)
	assert.Equal(t, []int{0, 2}, acc.inputMasks[0].Positions())
	assert.Equal(t, 1, acc.inputPages[0].ChannelCount(), "filter column must not reach the accumulator")
	assert.Equal(t, 1, metrics.samples)
}

func TestGroupedAggregator_SelectNoneSkipsAccumulator(t *testing.T) {
	metrics := &recordingMetrics{}
	agg := newAggregator(t, FnSum, Binding{
		Step:          Single,
		InputChannels: []int{0},
		MaskChannel:   ChannelAt(1),
		Metrics:       metrics,
	})
	agg.ProcessPage(1, groupIDs(0), block.PageOf(longs(5), block.NewBooleanBlock([]bool{true}, nil)))
	before := agg.EstimatedSizeBytes()
	samples := metrics.samples

	filter := block.NewBooleanBlock([]bool{false, false}, nil)
	agg.ProcessPage(1, groupIDs(0, 0), block.PageOf(longs(1, 2), filter))

	assert.Equal(t, before, agg.EstimatedSizeBytes())
	assert.Equal(t, samples, metrics.samples)
}

func TestGroupedAggregator_NullFilterIsFalse(t *testing.T) {
	acc := &recordingAccumulator{}
	agg, err := NewGroupedAggregator(acc, Binding{Step: Partial, InputChannels: []int{0}, MaskChannel: ChannelAt(1)})
	require.NoError(t, err)

	filter := block.NewBooleanBlock([]bool{true, true, false}, []bool{false, true, false})
	agg.ProcessPage(1, groupIDs(0, 0, 0), block.PageOf(longs(1, 2, 3), filter))

	require.Len(t, acc.inputMasks, 1)
	assert.Equal(t, []int{0}, acc.inputMasks[0].Positions())
}

func TestGroupedAggregator_MergeAlwaysTimed(t *testing.T) {
	acc := &recordingAccumulator{}
	metrics := &recordingMetrics{}
	agg, err := NewGroupedAggregator(acc, Binding{Step: Final, InputChannels: []int{0}, Metrics: metrics})
	require.NoError(t, err)

	empty := block.NewBytesBlock(block.Varbinary, nil, nil)
	agg.ProcessPage(0, nil, block.PageOf(empty))
	agg.ProcessPage(0, nil, block.PageOf(empty))

	assert.Equal(t, 2, acc.intermediates)
	assert.Equal(t, 2, metrics.samples)
	assert.Equal(t, []int{0, 0}, acc.groupCounts)
}

func TestGroupedAggregator_SetGroupCountOnEveryPage(t *testing.T) {
	acc := &recordingAccumulator{}
	agg, err := NewGroupedAggregator(acc, Binding{Step: Single, InputChannels: []int{0}})
	require.NoError(t, err)

	agg.ProcessPage(4, nil, block.PageOf(longs()))
	agg.ProcessPage(9, groupIDs(8), block.PageOf(longs(1)))

	assert.Equal(t, []int{4, 9}, acc.groupCounts)
	assert.Len(t, acc.inputPages, 1, "an empty page selects nothing")
}

func TestNewGroupedAggregator_Validation(t *testing.T) {
	tests := []struct {
		name     string
		step     Step
		channels []int
		wantErr  error
	}{
		{name: "final needs one channel", step: Final, channels: []int{0, 1}, wantErr: ErrIntermediateInputChannels},
		{name: "intermediate needs one channel", step: Intermediate, channels: nil, wantErr: ErrIntermediateInputChannels},
		{name: "single takes any channels", step: Single, channels: []int{0, 1, 2}},
		{name: "partial takes no channels", step: Partial, channels: nil},
		{name: "final with one channel", step: Final, channels: []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGroupedAggregator(NewCountAccumulator(), Binding{Step: tt.step, InputChannels: tt.channels})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	_, err := NewGroupedAggregator(nil, Binding{Step: Single})
	require.Error(t, err)
	_, err = NewGroupedAggregator(NewCountAccumulator(), Binding{Step: Step(7)})
	require.Error(t, err)
}

func TestGroupedAggregator_Promotion(t *testing.T) {
	tests := []struct {
		start      Step
		wantStep   Step
		typeBefore block.Type
		typeAfter  block.Type
	}{
		{start: Single, wantStep: Partial, typeBefore: block.Decimal, typeAfter: block.Varbinary},
		{start: Partial, wantStep: Partial, typeBefore: block.Varbinary, typeAfter: block.Varbinary},
		{start: Intermediate, wantStep: Intermediate, typeBefore: block.Varbinary, typeAfter: block.Varbinary},
		{start: Final, wantStep: Intermediate, typeBefore: block.Decimal, typeAfter: block.Varbinary},
	}
	for _, tt := range tests {
		t.Run(tt.start.String(), func(t *testing.T) {
			agg := newAggregator(t, FnAvg, Binding{Step: tt.start, InputChannels: []int{0}})
			assert.Equal(t, tt.typeBefore, agg.Type())
			assert.False(t, agg.Promoted())

			agg.PromoteToSpillOutput()
			agg.PromoteToSpillOutput()

			assert.Equal(t, tt.wantStep, agg.Step())
			assert.True(t, agg.Promoted())
			assert.Equal(t, tt.typeAfter, agg.Type())
			assert.Equal(t, block.Varbinary, agg.SpillType())
		})
	}
}

func TestGroupedAggregator_PromotionKeepsState(t *testing.T) {
	agg := newAggregator(t, FnCount, Binding{Step: Single})
	agg.ProcessPage(2, groupIDs(0, 1, 1), block.NewPage(3))
	agg.PromoteToSpillOutput()
	agg.ProcessPage(2, groupIDs(1), block.NewPage(1))

	out := block.NewBlockBuilder(agg.Type(), 2)
	agg.Evaluate(0, out)
	agg.Evaluate(1, out)
	counts := out.Build().(*block.LongBlock)
	assert.Equal(t, int64(1), counts.Long(0))
	assert.Equal(t, int64(3), counts.Long(1))
}

func TestGroupedAggregator_GroupIDOutOfRange(t *testing.T) {
	agg := newAggregator(t, FnSum, Binding{Step: Single, InputChannels: []int{0}})
	requirePanicsWith(t, ErrGroupIDOutOfRange, func() {
		agg.ProcessPage(2, groupIDs(0, 2), block.PageOf(longs(1, 1)))
	})

	requirePanicsWith(t, ErrGroupIDOutOfRange, func() {
		agg.Evaluate(5, block.NewBlockBuilder(agg.Type(), 1))
	})
}

func TestGroupedAggregator_DistinctSize(t *testing.T) {
	agg := newAggregator(t, FnCount, Binding{
		Step:          Single,
		InputChannels: []int{0},
		MaskBuilder:   NewDistinctMaskBuilder(nil),
	})
	agg.ProcessPage(1, groupIDs(0, 0), block.PageOf(longs(4, 4)))
	first := agg.EstimatedSizeBytes()
	agg.ProcessPage(1, groupIDs(0, 0), block.PageOf(longs(5, 6)))
	assert.Greater(t, agg.EstimatedSizeBytes(), first)

	out := block.NewBlockBuilder(agg.Type(), 1)
	agg.Evaluate(0, out)
	assert.Equal(t, int64(3), out.Build().(*block.LongBlock).Long(0))
}
