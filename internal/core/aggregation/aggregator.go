package aggregation

import (
	"errors"
	"fmt"
	"time"

	"github.com/aevon-lab/groupagg/internal/core/block"
)

// ErrIntermediateInputChannels is returned when a step that merges
// intermediate state is bound to anything but exactly one input channel.
var ErrIntermediateInputChannels = errors.New("expected 1 input channel for intermediate aggregation")

// OptionalChannel is a page channel that may be absent. The zero value is absent.
type OptionalChannel struct {
	index   int
	present bool
}

// ChannelAt returns a present channel.
func ChannelAt(index int) OptionalChannel {
	return OptionalChannel{index: index, present: true}
}

func (c OptionalChannel) Get() (int, bool) { return c.index, c.present }

// Binding is how a GroupedAggregator reads its pages and reports its work.
type Binding struct {
	Step             Step
	IntermediateType block.Type
	FinalType        block.Type
	InputChannels    []int
	// MaskChannel is the FILTER column of the aggregate, if any.
	MaskChannel OptionalChannel
	// MaskBuilder defaults to PassThroughMaskBuilder.
	MaskBuilder MaskBuilder
	// Metrics defaults to NoopMetrics.
	Metrics Metrics
}

// readout is how accumulated state is read out: the current step and whether
// it was reached through spill promotion. It is replaced as a whole, never
// edited field by field.
type readout struct {
	step     Step
	promoted bool
}

// GroupedAggregator binds one accumulator to a step and a channel layout.
// It is driven by a single goroutine; the pipeline scheduler guarantees that
// a spill (promote, then evaluate every group) is never interleaved with
// ProcessPage on the same instance.
type GroupedAggregator struct {
	accumulator      GroupedAccumulator
	mode             readout
	intermediateType block.Type
	finalType        block.Type
	inputChannels    []int
	maskChannel      OptionalChannel
	maskBuilder      MaskBuilder
	metrics          Metrics
}

// NewGroupedAggregator validates the binding and returns the aggregator.
// A channel layout that does not fit the step is a planning bug and is not
// retried.
func NewGroupedAggregator(accumulator GroupedAccumulator, b Binding) (*GroupedAggregator, error) {
	if accumulator == nil {
		return nil, fmt.Errorf("accumulator is nil")
	}
	if b.Step < Single || b.Step > Final {
		return nil, fmt.Errorf("invalid step %s", b.Step)
	}
	if !b.Step.IsInputRaw() && len(b.InputChannels) != 1 {
		return nil, fmt.Errorf("%w: step %s has %d", ErrIntermediateInputChannels, b.Step, len(b.InputChannels))
	}
	if b.MaskBuilder == nil {
		b.MaskBuilder = PassThroughMaskBuilder{}
	}
	if b.Metrics == nil {
		b.Metrics = NoopMetrics{}
	}
	return &GroupedAggregator{
		accumulator:      accumulator,
		mode:             readout{step: b.Step},
		intermediateType: b.IntermediateType,
		finalType:        b.FinalType,
		inputChannels:    append([]int(nil), b.InputChannels...),
		maskChannel:      b.MaskChannel,
		maskBuilder:      b.MaskBuilder,
		metrics:          b.Metrics,
	}, nil
}

// EstimatedSizeBytes covers the accumulator and any DISTINCT state held by
// the mask builder.
func (a *GroupedAggregator) EstimatedSizeBytes() int64 {
	return a.accumulator.EstimatedSizeBytes() + a.maskBuilder.EstimatedSizeBytes()
}

// Step is the current step; it changes only through PromoteToSpillOutput.
func (a *GroupedAggregator) Step() Step { return a.mode.step }

// Promoted reports whether PromoteToSpillOutput has been applied.
func (a *GroupedAggregator) Promoted() bool { return a.mode.promoted }

// Type is the type Evaluate currently appends.
func (a *GroupedAggregator) Type() block.Type {
	if a.mode.step.IsOutputPartial() {
		return a.intermediateType
	}
	return a.finalType
}

// ProcessPage feeds one page. groupIDs is parallel to the page and every id is
// below groupCount.
func (a *GroupedAggregator) ProcessPage(groupCount int, groupIDs []int32, page *block.Page) {
	a.accumulator.SetGroupCount(groupCount)

	if a.mode.step.IsInputRaw() {
		arguments := page.Columns(a.inputChannels)
		var filter block.Block
		if channel, ok := a.maskChannel.Get(); ok {
			filter = page.Block(channel)
		}
		mask := a.maskBuilder.Build(groupIDs, arguments, filter)
		if mask.IsSelectNone() {
			return
		}
		start := time.Now()
		a.accumulator.AddInput(groupIDs, arguments, mask)
		a.metrics.RecordAccumulatorUpdateTimeSince(start)
		return
	}

	start := time.Now()
	a.accumulator.AddIntermediate(groupIDs, page.Block(a.inputChannels[0]))
	a.metrics.RecordAccumulatorUpdateTimeSince(start)
}

// PrepareFinal is called once, after the last page and only while the step
// produces final output.
func (a *GroupedAggregator) PrepareFinal() {
	a.accumulator.PrepareFinal()
}

// Evaluate appends one value for groupID: intermediate state while the step's
// output is partial, the finished value otherwise.
func (a *GroupedAggregator) Evaluate(groupID int32, out block.BlockBuilder) {
	if a.mode.step.IsOutputPartial() {
		a.accumulator.EvaluateIntermediate(groupID, out)
		return
	}
	a.accumulator.EvaluateFinal(groupID, out)
}

// PromoteToSpillOutput switches the read-out to intermediate state
// (Single→Partial, Final→Intermediate) without touching accumulated state.
// It is irreversible and idempotent.
func (a *GroupedAggregator) PromoteToSpillOutput() {
	if a.mode.promoted {
		return
	}
	a.mode = readout{step: a.mode.step.PartialOutput(), promoted: true}
}

// SpillType is the intermediate type, before and after promotion.
func (a *GroupedAggregator) SpillType() block.Type {
	return a.intermediateType
}
