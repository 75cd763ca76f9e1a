package aggregation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aevon-lab/groupagg/internal/core/block"
)

// GroupedAccumulator is the per-function mutable state of one aggregate,
// addressed by dense group id. It is the only component that knows the
// function's math. Implementations are driven by a single goroutine.
type GroupedAccumulator interface {
	// EstimatedSizeBytes never understates the memory retained by the state.
	EstimatedSizeBytes() int64

	// SetGroupCount grows storage to hold group ids in [0, groupCount). It is
	// called before every page, including empty ones.
	SetGroupCount(groupCount int)

	// AddInput folds the rows selected by mask into groupIDs[row].
	AddInput(groupIDs []int32, arguments *block.Page, mask Mask)

	// AddIntermediate merges one serialized state per row into groupIDs[row].
	AddIntermediate(groupIDs []int32, state block.Block)

	// PrepareFinal runs once after all input and before the first EvaluateFinal.
	PrepareFinal()

	// EvaluateIntermediate appends the serialized state of groupID to out.
	EvaluateIntermediate(groupID int32, out block.BlockBuilder)

	// EvaluateFinal appends the finished value of groupID to out.
	EvaluateFinal(groupID int32, out block.BlockBuilder)
}

// ErrGroupIDOutOfRange is wrapped by the panic raised when a group id is not
// below the most recent group count.
var ErrGroupIDOutOfRange = errors.New("group id out of range")

// groupBounds tracks the group count of an accumulator and rejects ids
// outside it.
type groupBounds struct {
	groupCount int
}

func (g *groupBounds) setGroupCount(n int) {
	if n > g.groupCount {
		g.groupCount = n
	}
}

func (g *groupBounds) check(groupID int32) {
	if groupID < 0 || int(groupID) >= g.groupCount {
		panic(fmt.Errorf("%w: group id %d, group count %d", ErrGroupIDOutOfRange, groupID, g.groupCount))
	}
}

// accumulatorOverhead approximates the fixed cost of an accumulator instance.
const accumulatorOverhead = 96

// growTo extends s to length n, at least doubling its capacity when it has
// to reallocate.
func growTo[T any](s []T, n int) []T {
	if n <= len(s) {
		return s
	}
	if n <= cap(s) {
		return s[:n]
	}
	newCap := 2 * cap(s)
	if newCap < n {
		newCap = n
	}
	if newCap < 16 {
		newCap = 16
	}
	out := make([]T, n, newCap)
	copy(out, s)
	return out
}

// Function describes an aggregate function: its types, accepted arguments
// and how to make an accumulator for it.
type Function struct {
	Name             string
	IntermediateType block.Type
	FinalType        block.Type
	MinArguments     int
	MaxArguments     int
	NumericArguments bool
	NewAccumulator   func() GroupedAccumulator
}

const (
	FnCount          = "count"
	FnSum            = "sum"
	FnMin            = "min"
	FnMax            = "max"
	FnAvg            = "avg"
	FnApproxDistinct = "approx_distinct"
)

// Functions is the registry of supported aggregate functions.
// To add a function: implement GroupedAccumulator and add an entry here.
var Functions = map[string]Function{
	FnCount: {
		Name: FnCount, IntermediateType: block.Bigint, FinalType: block.Bigint,
		MinArguments: 0, MaxArguments: 1,
		NewAccumulator: func() GroupedAccumulator { return NewCountAccumulator() },
	},
	FnSum: {
		Name: FnSum, IntermediateType: block.Varbinary, FinalType: block.Decimal,
		MinArguments: 1, MaxArguments: 1, NumericArguments: true,
		NewAccumulator: func() GroupedAccumulator { return NewDecimalAccumulator(sumCombiner{}) },
	},
	FnMin: {
		Name: FnMin, IntermediateType: block.Varbinary, FinalType: block.Decimal,
		MinArguments: 1, MaxArguments: 1, NumericArguments: true,
		NewAccumulator: func() GroupedAccumulator { return NewDecimalAccumulator(minCombiner{}) },
	},
	FnMax: {
		Name: FnMax, IntermediateType: block.Varbinary, FinalType: block.Decimal,
		MinArguments: 1, MaxArguments: 1, NumericArguments: true,
		NewAccumulator: func() GroupedAccumulator { return NewDecimalAccumulator(maxCombiner{}) },
	},
	FnAvg: {
		Name: FnAvg, IntermediateType: block.Varbinary, FinalType: block.Decimal,
		MinArguments: 1, MaxArguments: 1, NumericArguments: true,
		NewAccumulator: func() GroupedAccumulator { return NewAverageAccumulator() },
	},
	FnApproxDistinct: {
		Name: FnApproxDistinct, IntermediateType: block.Varbinary, FinalType: block.Bigint,
		MinArguments: 1, MaxArguments: 1,
		NewAccumulator: func() GroupedAccumulator { return NewApproxDistinctAccumulator() },
	},
}

// ValidFunction reports whether name is a registered aggregate function.
func ValidFunction(name string) bool {
	_, ok := Functions[name]
	return ok
}

// FunctionNames lists the registered functions in sorted order.
func FunctionNames() []string {
	names := make([]string, 0, len(Functions))
	for name := range Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stateValidators check one serialized intermediate state of the functions
// whose state is an encoded message.
var stateValidators = map[string]func(state []byte) error{
	FnSum:            validateDecimalState,
	FnMin:            validateDecimalState,
	FnMax:            validateDecimalState,
	FnAvg:            validateAverageState,
	FnApproxDistinct: validateSketchState,
}

// ValidateStates checks every non-null state of a block fed to a merge step
// of f. Blocks that do not carry serialized states are not inspected.
func (f Function) ValidateStates(states block.Block) error {
	validate, ok := stateValidators[f.Name]
	if !ok {
		return nil
	}
	b, ok := states.(*block.BytesBlock)
	if !ok {
		return nil
	}
	for p := 0; p < b.PositionCount(); p++ {
		if b.IsNull(p) {
			continue
		}
		if err := validate(b.Bytes(p)); err != nil {
			return fmt.Errorf("%s state at position %d: %w", f.Name, p, err)
		}
	}
	return nil
}

// CheckArguments validates argument types for a raw-input call of f.
func (f Function) CheckArguments(types []block.Type) error {
	if len(types) < f.MinArguments || len(types) > f.MaxArguments {
		return fmt.Errorf("%s takes %d to %d arguments, got %d", f.Name, f.MinArguments, f.MaxArguments, len(types))
	}
	if f.NumericArguments {
		for _, t := range types {
			if !t.IsNumeric() {
				return fmt.Errorf("%s does not accept %s arguments", f.Name, t)
			}
		}
	}
	return nil
}
