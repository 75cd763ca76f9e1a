package aggregation

import (
	"math/rand"
	"testing"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/aevon-lab/groupagg/internal/core/statecodec"
	"github.com/axiomhq/hyperloglog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomInput builds n rows over groupCount groups with roughly one null in ten.
func randomInput(r *rand.Rand, n, groupCount int) ([]int32, *block.LongBlock) {
	ids := make([]int32, n)
	values := make([]int64, n)
	nulls := make([]bool, n)
	for i := range ids {
		ids[i] = int32(r.Intn(groupCount))
		values[i] = r.Int63n(2000) - 1000
		nulls[i] = r.Intn(10) == 0
	}
	return ids, block.NewLongBlock(values, nulls)
}

func assertSameFinal(t *testing.T, fn Function, want, got block.Block) {
	t.Helper()
	require.Equal(t, want.IsNull(0), got.IsNull(0))
	if want.IsNull(0) {
		return
	}
	switch fn.FinalType {
	case block.Decimal:
		w, _ := block.DecimalAt(want, 0)
		g, _ := block.DecimalAt(got, 0)
		assert.True(t, w.Equal(g), "%s: want %s, got %s", fn.Name, w, g)
	case block.Bigint:
		assert.Equal(t, want.(*block.LongBlock).Long(0), got.(*block.LongBlock).Long(0), fn.Name)
	default:
		t.Fatalf("unexpected final type %s", fn.FinalType)
	}
}

// Feeding all rows into one accumulator must equal splitting them across
// two, spilling both and merging the states.
func TestAccumulators_SplitMergeEqualsSingle(t *testing.T) {
	const groupCount = 7
	for _, name := range FunctionNames() {
		fn := Functions[name]
		t.Run(name, func(t *testing.T) {
			r := rand.New(rand.NewSource(42))
			ids, arg := randomInput(r, 300, groupCount)
			page := block.PageOf(arg)

			whole := fn.NewAccumulator()
			whole.SetGroupCount(groupCount)
			whole.AddInput(ids, page, SelectAll(page.PositionCount()))

			var first, second []int
			for p := 0; p < page.PositionCount(); p++ {
				if p%3 == 0 {
					first = append(first, p)
				} else {
					second = append(second, p)
				}
			}
			left := fn.NewAccumulator()
			left.SetGroupCount(groupCount)
			left.AddInput(ids, page, SelectPositions(page.PositionCount(), first))
			right := fn.NewAccumulator()
			right.SetGroupCount(groupCount)
			right.AddInput(ids, page, SelectPositions(page.PositionCount(), second))

			merged := spillAndMerge(t, left, fn, groupCount)
			rightStates := block.NewBlockBuilder(fn.IntermediateType, groupCount)
			allGroups := make([]int32, groupCount)
			for g := 0; g < groupCount; g++ {
				right.EvaluateIntermediate(int32(g), rightStates)
				allGroups[g] = int32(g)
			}
			merged.AddIntermediate(allGroups, rightStates.Build())

			whole.PrepareFinal()
			merged.PrepareFinal()
			for g := int32(0); g < groupCount; g++ {
				assertSameFinal(t, fn, evaluateFinal(whole, fn, g), evaluateFinal(merged, fn, g))
			}
		})
	}
}

// A group that never saw input must survive a spill and still read as empty.
func TestAccumulators_EmptyGroupRoundTrip(t *testing.T) {
	for _, name := range FunctionNames() {
		fn := Functions[name]
		t.Run(name, func(t *testing.T) {
			acc := fn.NewAccumulator()
			acc.SetGroupCount(2)
			acc.AddInput(groupIDs(1), block.PageOf(longs(3)), SelectAll(1))

			merged := spillAndMerge(t, acc, fn, 2)
			merged.PrepareFinal()
			assertSameFinal(t, fn, evaluateFinal(acc, fn, 0), evaluateFinal(merged, fn, 0))
			assertSameFinal(t, fn, evaluateFinal(acc, fn, 1), evaluateFinal(merged, fn, 1))
		})
	}
}

func TestAccumulators_OutOfRange(t *testing.T) {
	for _, name := range FunctionNames() {
		fn := Functions[name]
		t.Run(name, func(t *testing.T) {
			acc := fn.NewAccumulator()
			acc.SetGroupCount(1)
			requirePanicsWith(t, ErrGroupIDOutOfRange, func() {
				acc.AddInput(groupIDs(1), block.PageOf(longs(1)), SelectAll(1))
			})
			requirePanicsWith(t, ErrGroupIDOutOfRange, func() {
				acc.EvaluateFinal(-1, block.NewBlockBuilder(fn.FinalType, 1))
			})
		})
	}
}

func TestAverageAccumulator_Final(t *testing.T) {
	fn := Functions[FnAvg]
	acc := fn.NewAccumulator()
	acc.SetGroupCount(2)
	acc.AddInput(groupIDs(0, 0, 0), block.PageOf(longs(1, 2, 4)), SelectAll(3))

	got, ok := block.DecimalAt(evaluateFinal(acc, fn, 0), 0)
	require.True(t, ok)
	want := decimal.NewFromInt(7).Div(decimal.NewFromInt(3))
	assert.True(t, want.Equal(got), "want %s, got %s", want, got)
	assert.True(t, evaluateFinal(acc, fn, 1).IsNull(0))
}

func TestCountAccumulator_StarAndColumn(t *testing.T) {
	fn := Functions[FnCount]
	arg := block.NewLongBlock([]int64{1, 0, 3}, []bool{false, true, false})

	star := fn.NewAccumulator()
	star.SetGroupCount(1)
	star.AddInput(groupIDs(0, 0, 0), block.NewPage(3), SelectAll(3))
	assert.Equal(t, int64(3), evaluateFinal(star, fn, 0).(*block.LongBlock).Long(0))

	column := fn.NewAccumulator()
	column.SetGroupCount(1)
	column.AddInput(groupIDs(0, 0, 0), block.PageOf(arg), SelectAll(3))
	assert.Equal(t, int64(2), evaluateFinal(column, fn, 0).(*block.LongBlock).Long(0))
}

func TestApproxDistinctAccumulator_Estimate(t *testing.T) {
	fn := Functions[FnApproxDistinct]
	acc := fn.NewAccumulator()
	acc.SetGroupCount(1)

	values := make([]int64, 0, 200)
	for i := 0; i < 100; i++ {
		values = append(values, int64(i), int64(i))
	}
	acc.AddInput(make([]int32, len(values)), block.PageOf(longs(values...)), SelectAll(len(values)))

	got := evaluateFinal(acc, fn, 0).(*block.LongBlock).Long(0)
	assert.InDelta(t, 100, got, 3)
}

func TestFunction_CheckArguments(t *testing.T) {
	tests := []struct {
		name    string
		fn      string
		types   []block.Type
		wantErr bool
	}{
		{name: "count star", fn: FnCount},
		{name: "count varchar", fn: FnCount, types: []block.Type{block.Varchar}},
		{name: "count two args", fn: FnCount, types: []block.Type{block.Bigint, block.Bigint}, wantErr: true},
		{name: "sum bigint", fn: FnSum, types: []block.Type{block.Bigint}},
		{name: "sum varchar", fn: FnSum, types: []block.Type{block.Varchar}, wantErr: true},
		{name: "avg without argument", fn: FnAvg, wantErr: true},
		{name: "approx_distinct varchar", fn: FnApproxDistinct, types: []block.Type{block.Varchar}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Functions[tt.fn].CheckArguments(tt.types)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}

	assert.True(t, ValidFunction(FnMax))
	assert.False(t, ValidFunction("median"))
	assert.Equal(t, []string{"approx_distinct", "avg", "count", "max", "min", "sum"}, FunctionNames())
}

func TestFunction_ValidateStates(t *testing.T) {
	codec := statecodec.Default()
	corrupt := []byte{0xff, 0xff}

	sketch := NewApproxDistinctAccumulator()
	sketch.SetGroupCount(1)
	sketch.AddInput(groupIDs(0, 0), block.PageOf(longs(4, 9)), SelectAll(2))
	sketchStates := block.NewBlockBuilder(block.Varbinary, 1)
	sketch.EvaluateIntermediate(0, sketchStates)
	validSketch := sketchStates.Build().(*block.BytesBlock).Bytes(0)

	otherPrecision := hyperloglog.New16()
	otherPrecision.Insert([]byte("a"))
	rawOther, err := otherPrecision.MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name    string
		fn      string
		state   []byte
		wantErr bool
	}{
		{"sum", FnSum, codec.EncodeDecimal(decimal.NewFromInt(3), true), false},
		{"min without input", FnMin, codec.EncodeDecimal(decimal.Zero, false), false},
		{"max wire garbage", FnMax, corrupt, true},
		{"sum with unparsable value", FnSum, []byte{0x0a, 0x03, 'a', 'b', 'c', 0x10, 0x01}, true},
		{"avg", FnAvg, codec.EncodeAverage(decimal.NewFromInt(10), 2), false},
		{"avg wire garbage", FnAvg, corrupt, true},
		{"avg negative count", FnAvg, []byte{0x10, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x01}, true},
		{"approx_distinct", FnApproxDistinct, validSketch, false},
		{"approx_distinct without input", FnApproxDistinct, codec.EncodeSketch(nil), false},
		{"approx_distinct short sketch", FnApproxDistinct, codec.EncodeSketch([]byte{1, 2, 3}), true},
		{"approx_distinct truncated sparse sketch", FnApproxDistinct, codec.EncodeSketch([]byte{1, 14, 0, 1, 0, 0, 0, 2}), true},
		{"approx_distinct other precision", FnApproxDistinct, codec.EncodeSketch(rawOther), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := block.NewBytesBlock(block.Varbinary, [][]byte{nil, tt.state}, []bool{true, false})
			err := Functions[tt.fn].ValidateStates(states)
			if tt.wantErr {
				require.ErrorIs(t, err, statecodec.ErrMalformedState)
				assert.ErrorContains(t, err, "position 1")
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFunction_ValidateStatesIgnoresCount(t *testing.T) {
	require.NoError(t, Functions[FnCount].ValidateStates(longs(1, 2)))
}

func TestCountAccumulator_NullStateStillChecksGroupID(t *testing.T) {
	acc := NewCountAccumulator()
	acc.SetGroupCount(1)
	requirePanicsWith(t, ErrGroupIDOutOfRange, func() {
		acc.AddIntermediate(groupIDs(3), block.NewLongBlock([]int64{0}, []bool{true}))
	})
}
