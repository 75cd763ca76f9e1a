package aggregation

import (
	"fmt"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/aevon-lab/groupagg/internal/core/statecodec"
	"github.com/axiomhq/hyperloglog"
)

// sketchRetainedBytes bounds a precision-14 sketch from above: the dense
// register array plus the sparse buffers it may hold before converting.
const sketchRetainedBytes = 3 * 8192

// ApproxDistinctAccumulator estimates the number of distinct non-null values
// per group with a HyperLogLog sketch. Sketches are created lazily, so groups
// without input cost one nil pointer.
type ApproxDistinctAccumulator struct {
	groupBounds
	codec    *statecodec.Codec
	sketches []*hyperloglog.Sketch
	live     int64
	key      []byte
}

func NewApproxDistinctAccumulator() *ApproxDistinctAccumulator {
	return &ApproxDistinctAccumulator{codec: statecodec.Default()}
}

func (a *ApproxDistinctAccumulator) EstimatedSizeBytes() int64 {
	return accumulatorOverhead + int64(cap(a.sketches))*8 + a.live*sketchRetainedBytes + int64(cap(a.key))
}

func (a *ApproxDistinctAccumulator) SetGroupCount(groupCount int) {
	a.setGroupCount(groupCount)
	a.sketches = growTo(a.sketches, a.groupCount)
}

func (a *ApproxDistinctAccumulator) sketch(g int32) *hyperloglog.Sketch {
	a.check(g)
	sk := a.sketches[g]
	if sk == nil {
		sk = hyperloglog.New14()
		a.sketches[g] = sk
		a.live++
	}
	return sk
}

func (a *ApproxDistinctAccumulator) AddInput(groupIDs []int32, arguments *block.Page, mask Mask) {
	arg := arguments.Block(0)
	for i, n := 0, mask.SelectedPositionCount(); i < n; i++ {
		p := mask.Position(i)
		if arg.IsNull(p) {
			continue
		}
		a.key = block.AppendKey(a.key[:0], arg, p)
		a.sketch(groupIDs[p]).Insert(a.key)
	}
}

func (a *ApproxDistinctAccumulator) AddIntermediate(groupIDs []int32, state block.Block) {
	states := state.(*block.BytesBlock)
	for p := 0; p < states.PositionCount(); p++ {
		g := groupIDs[p]
		a.check(g)
		if states.IsNull(p) {
			continue
		}
		incoming, err := decodeSketch(a.codec, states.Bytes(p))
		if err != nil {
			panic(fmt.Errorf("merge state at position %d: %w", p, err))
		}
		if incoming == nil {
			continue
		}
		if err := a.sketch(g).Merge(incoming); err != nil {
			panic(fmt.Errorf("merge state at position %d: %w", p, err))
		}
	}
}

func (a *ApproxDistinctAccumulator) PrepareFinal() {}

func (a *ApproxDistinctAccumulator) EvaluateIntermediate(groupID int32, out block.BlockBuilder) {
	a.check(groupID)
	var raw []byte
	if sk := a.sketches[groupID]; sk != nil {
		var err error
		if raw, err = sk.MarshalBinary(); err != nil {
			panic(fmt.Errorf("serialize sketch for group %d: %w", groupID, err))
		}
	}
	out.(*block.BytesBlockBuilder).AppendBytes(a.codec.EncodeSketch(raw))
}

func (a *ApproxDistinctAccumulator) EvaluateFinal(groupID int32, out block.BlockBuilder) {
	a.check(groupID)
	var estimate uint64
	if sk := a.sketches[groupID]; sk != nil {
		estimate = sk.Estimate()
	}
	out.(*block.LongBlockBuilder).AppendLong(int64(estimate))
}

// decodeSketch returns nil for a state that saw no input. The sketch
// decoder indexes into its input unchecked, so its panics become errors.
func decodeSketch(codec *statecodec.Codec, state []byte) (sk *hyperloglog.Sketch, err error) {
	defer func() {
		if r := recover(); r != nil {
			sk, err = nil, fmt.Errorf("%w: %v", statecodec.ErrMalformedState, r)
		}
	}()

	raw, err := codec.DecodeSketch(state)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	sk = hyperloglog.New14()
	if err := sk.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", statecodec.ErrMalformedState, err)
	}
	return sk, nil
}

func validateSketchState(state []byte) error {
	sk, err := decodeSketch(statecodec.Default(), state)
	if err != nil || sk == nil {
		return err
	}
	if err := hyperloglog.New14().Merge(sk); err != nil {
		return fmt.Errorf("%w: %v", statecodec.ErrMalformedState, err)
	}
	return nil
}
