package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	core "github.com/aevon-lab/groupagg/internal/core/aggregation"
	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/aevon-lab/groupagg/internal/core/metrics"
	"github.com/google/uuid"
)

var (
	// ErrUnknownFunction is returned for an aggregate call naming no registered function.
	ErrUnknownFunction = errors.New("unknown aggregate function")
	// ErrTooManyGroups is returned when an operator holds more groups than allowed.
	ErrTooManyGroups = errors.New("too many groups")
	// ErrOperatorFinished is returned when a finished operator is fed again.
	ErrOperatorFinished = errors.New("operator already finished")
	// ErrInvalidParameter wraps every error NewHashAggregationOperator returns.
	ErrInvalidParameter = errors.New("invalid aggregation parameter")
)

// AggregateCall is one aggregate of a GROUP BY: the function, the page
// channels it reads, an optional FILTER channel and whether it is DISTINCT.
type AggregateCall struct {
	Function      string
	InputChannels []int
	MaskChannel   OptionalChannel
	Distinct      bool
}

// OperatorParameter describes the shape of one hash aggregation.
type OperatorParameter struct {
	Step        Step
	KeyChannels []int
	KeyTypes    []block.Type
	// InputTypes is the type of every channel of the input pages. When set,
	// argument and state types are checked at construction.
	InputTypes []block.Type
	Calls      []AggregateCall
	// MaxGroups bounds the groups held in memory at once; 0 means no bound.
	MaxGroups int
}

// OperatorStats summarizes the work of one operator, its merge phase included.
type OperatorStats struct {
	InputPages         int
	InputRows          int64
	Groups             int
	SpillRuns          int
	SpilledBytes       int64
	AccumulatorUpdates int64
	AccumulatorTime    time.Duration
}

func (s *OperatorStats) add(o OperatorStats) {
	s.InputPages += o.InputPages
	s.InputRows += o.InputRows
	s.Groups += o.Groups
	s.SpillRuns += o.SpillRuns
	s.SpilledBytes += o.SpilledBytes
	s.AccumulatorUpdates += o.AccumulatorUpdates
	s.AccumulatorTime += o.AccumulatorTime
}

// HashAggregationOperator groups pages by key and feeds one GroupedAggregator
// per aggregate call. When it has a SpillGovernor and goes over budget it
// writes its state out as a spill run and starts over in promoted mode;
// Finish then merges every run.
//
// An operator is driven by a single goroutine.
type HashAggregationOperator struct {
	param     OperatorParameter
	functions []Function
	hash      *GroupByHash

	aggregators []*GroupedAggregator
	timers      []*metrics.AccumulatorTimer
	collector   *metrics.Collector

	governor *SpillGovernor
	spillID  uuid.UUID
	runs     int
	promoted bool

	stats      OperatorStats
	mergeStats OperatorStats
	finished   bool
}

// NewHashAggregationOperator validates the parameter and builds the operator.
// governor and collector may be nil.
func NewHashAggregationOperator(
	param OperatorParameter,
	governor *SpillGovernor,
	collector *metrics.Collector,
) (*HashAggregationOperator, error) {
	o, err := newHashAggregationOperator(param, governor, collector)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
	}
	return o, nil
}

func newHashAggregationOperator(
	param OperatorParameter,
	governor *SpillGovernor,
	collector *metrics.Collector,
) (*HashAggregationOperator, error) {
	hash, err := NewGroupByHash(param.KeyChannels, param.KeyTypes)
	if err != nil {
		return nil, err
	}
	if err := checkKeyTypes(param); err != nil {
		return nil, err
	}

	functions := make([]Function, len(param.Calls))
	hasDistinct := false
	for i, call := range param.Calls {
		fn, ok := Functions[call.Function]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, call.Function)
		}
		if err := checkCall(param, fn, call); err != nil {
			return nil, fmt.Errorf("aggregate %d (%s): %w", i, call.Function, err)
		}
		functions[i] = fn
		hasDistinct = hasDistinct || call.Distinct
	}

	if hasDistinct && governor != nil {
		slog.Warn("[Operator] Spill disabled: DISTINCT state cannot be spilled", "calls", len(param.Calls))
		governor = nil
	}

	o := &HashAggregationOperator{
		param:     param,
		functions: functions,
		hash:      hash,
		collector: collector,
		governor:  governor,
		spillID:   uuid.New(),
	}
	o.timers = make([]*metrics.AccumulatorTimer, len(functions))
	for i, fn := range functions {
		if collector != nil {
			o.timers[i] = collector.AccumulatorTimer(fn.Name)
		} else {
			o.timers[i] = new(metrics.AccumulatorTimer)
		}
	}
	if err := o.resetAggregators(); err != nil {
		return nil, err
	}
	return o, nil
}

func checkKeyTypes(param OperatorParameter) error {
	if param.InputTypes == nil {
		return nil
	}
	for i, c := range param.KeyChannels {
		if c < 0 || c >= len(param.InputTypes) {
			return fmt.Errorf("key channel %d out of range", c)
		}
		if param.InputTypes[c] != param.KeyTypes[i] {
			return fmt.Errorf("key channel %d is %s, declared %s", c, param.InputTypes[c], param.KeyTypes[i])
		}
	}
	return nil
}

func checkCall(param OperatorParameter, fn Function, call AggregateCall) error {
	if !param.Step.IsInputRaw() && call.Distinct {
		return fmt.Errorf("DISTINCT needs raw input, step is %s", param.Step)
	}
	if param.InputTypes == nil {
		return nil
	}
	types := make([]block.Type, len(call.InputChannels))
	for i, c := range call.InputChannels {
		if c < 0 || c >= len(param.InputTypes) {
			return fmt.Errorf("input channel %d out of range", c)
		}
		types[i] = param.InputTypes[c]
	}
	if channel, ok := call.MaskChannel.Get(); ok {
		if channel < 0 || channel >= len(param.InputTypes) {
			return fmt.Errorf("filter channel %d out of range", channel)
		}
		if param.InputTypes[channel] != block.Boolean {
			return fmt.Errorf("filter channel %d is %s, expected boolean", channel, param.InputTypes[channel])
		}
	}
	if param.Step.IsInputRaw() {
		return fn.CheckArguments(types)
	}
	if len(types) == 1 && types[0] != fn.IntermediateType {
		return fmt.Errorf("state channel is %s, expected %s", types[0], fn.IntermediateType)
	}
	return nil
}

// resetAggregators replaces every aggregator with a fresh one, promoted when
// the operator has spilled before.
func (o *HashAggregationOperator) resetAggregators() error {
	aggregators := make([]*GroupedAggregator, len(o.functions))
	for i, fn := range o.functions {
		call := o.param.Calls[i]
		var maskBuilder core.MaskBuilder
		if o.param.Step.IsInputRaw() {
			nonNull := make([]int, len(call.InputChannels))
			for j := range nonNull {
				nonNull[j] = j
			}
			maskBuilder = core.NewFilterMaskBuilder(nonNull...)
			if call.Distinct {
				maskBuilder = core.NewDistinctMaskBuilder(maskBuilder)
			}
		}
		agg, err := core.NewGroupedAggregator(fn.NewAccumulator(), core.Binding{
			Step:             o.param.Step,
			IntermediateType: fn.IntermediateType,
			FinalType:        fn.FinalType,
			InputChannels:    call.InputChannels,
			MaskChannel:      call.MaskChannel,
			MaskBuilder:      maskBuilder,
			Metrics:          o.timers[i],
		})
		if err != nil {
			return fmt.Errorf("aggregate %d (%s): %w", i, fn.Name, err)
		}
		if o.promoted {
			agg.PromoteToSpillOutput()
		}
		aggregators[i] = agg
	}
	o.aggregators = aggregators
	return nil
}

// EstimatedSizeBytes is the memory held by the group index and every aggregator.
func (o *HashAggregationOperator) EstimatedSizeBytes() int64 {
	size := o.hash.EstimatedSizeBytes()
	for _, agg := range o.aggregators {
		size += agg.EstimatedSizeBytes()
	}
	return size
}

// OutputTypes is the layout of the page Finish returns: key columns, then one
// column per aggregate call.
func (o *HashAggregationOperator) OutputTypes() []block.Type {
	types := append([]block.Type(nil), o.param.KeyTypes...)
	for _, fn := range o.functions {
		if o.param.Step.IsOutputPartial() {
			types = append(types, fn.IntermediateType)
		} else {
			types = append(types, fn.FinalType)
		}
	}
	return types
}

// AddPage feeds one page and spills if that pushed the operator over budget.
func (o *HashAggregationOperator) AddPage(ctx context.Context, page *block.Page) error {
	if o.finished {
		return ErrOperatorFinished
	}
	ids, err := o.hash.GetGroupIDs(page)
	if err != nil {
		return err
	}
	groupCount := o.hash.GroupCount()
	if o.param.MaxGroups > 0 && groupCount > o.param.MaxGroups {
		return fmt.Errorf("%w: %d groups, limit %d", ErrTooManyGroups, groupCount, o.param.MaxGroups)
	}

	for _, agg := range o.aggregators {
		agg.ProcessPage(groupCount, ids, page)
	}
	o.stats.InputPages++
	o.stats.InputRows += int64(page.PositionCount())

	if o.governor != nil && o.governor.OverBudget(o.EstimatedSizeBytes()) {
		return o.spill(ctx)
	}
	return nil
}

func (o *HashAggregationOperator) spill(ctx context.Context) error {
	estimated := o.EstimatedSizeBytes()
	written, err := o.governor.WriteRun(ctx, o.spillID, o.runs, o.hash, o.aggregators)
	if err != nil {
		return err
	}

	slog.Info("[Operator] Spilled aggregation state",
		"spill_id", o.spillID,
		"run", o.runs,
		"groups", o.hash.GroupCount(),
		"estimated_bytes", estimated,
		"written_bytes", written,
	)

	o.runs++
	o.stats.SpillRuns++
	o.stats.SpilledBytes += int64(written)
	o.promoted = true
	o.hash.Reset()
	return o.resetAggregators()
}

// Finish returns the aggregated page. An operator that spilled merges every
// run here and deletes the spill.
func (o *HashAggregationOperator) Finish(ctx context.Context) (*block.Page, error) {
	if o.finished {
		return nil, ErrOperatorFinished
	}
	o.finished = true

	if o.runs == 0 {
		return o.output(), nil
	}
	defer o.deleteSpill(ctx)

	if o.hash.GroupCount() > 0 {
		if err := o.spill(ctx); err != nil {
			return nil, err
		}
	}
	return o.mergeRuns(ctx)
}

// Abort drops the operator and deletes any runs it spilled. It is a no-op
// once Finish has been called.
func (o *HashAggregationOperator) Abort(ctx context.Context) {
	if o.finished {
		return
	}
	o.finished = true
	if o.runs > 0 {
		o.deleteSpill(ctx)
	}
}

// deleteSpill outlives cancellation of ctx so a failed request still cleans up.
func (o *HashAggregationOperator) deleteSpill(ctx context.Context) {
	if err := o.governor.Store().Delete(context.WithoutCancel(ctx), o.spillID); err != nil {
		slog.Warn("[Operator] Failed to delete spill", "spill_id", o.spillID, "error", err)
	}
}

func (o *HashAggregationOperator) output() *block.Page {
	groupCount := o.hash.GroupCount()
	columns := o.hash.Keys()
	for _, agg := range o.aggregators {
		if !agg.Step().IsOutputPartial() {
			agg.PrepareFinal()
		}
		out := block.NewBlockBuilder(agg.Type(), groupCount)
		for id := 0; id < groupCount; id++ {
			agg.Evaluate(int32(id), out)
		}
		columns = append(columns, out.Build())
	}
	o.stats.Groups = groupCount
	if o.collector != nil {
		o.collector.GroupsEmitted(groupCount)
	}
	return block.NewPage(groupCount, columns...)
}

// mergeRuns feeds every run through an operator in the merge step that
// matches the spilled one. Runs are laid out as keys then states, so the
// merge operator groups on the leading channels.
func (o *HashAggregationOperator) mergeRuns(ctx context.Context) (*block.Page, error) {
	runs, err := o.governor.Store().ReadRuns(ctx, o.spillID)
	if err != nil {
		return nil, fmt.Errorf("read spill runs: %w", err)
	}

	keyCount := len(o.param.KeyTypes)
	param := OperatorParameter{
		Step:     o.param.Step.PartialInput(),
		KeyTypes: o.param.KeyTypes,
		Calls:    make([]AggregateCall, len(o.param.Calls)),
	}
	param.KeyChannels = make([]int, keyCount)
	for i := range param.KeyChannels {
		param.KeyChannels[i] = i
	}
	for i, call := range o.param.Calls {
		param.Calls[i] = AggregateCall{Function: call.Function, InputChannels: []int{keyCount + i}}
	}

	merge, err := NewHashAggregationOperator(param, nil, o.collector)
	if err != nil {
		return nil, fmt.Errorf("build merge operator: %w", err)
	}
	for _, run := range runs {
		if err := merge.AddPage(ctx, run); err != nil {
			return nil, fmt.Errorf("merge spill run: %w", err)
		}
	}
	out, err := merge.Finish(ctx)
	if err != nil {
		return nil, err
	}

	o.mergeStats = merge.Stats()
	o.stats.Groups = out.PositionCount()
	slog.Info("[Operator] Merged spill runs",
		"spill_id", o.spillID,
		"runs", len(runs),
		"groups", out.PositionCount(),
	)
	return out, nil
}

// Stats reports the work done so far.
func (o *HashAggregationOperator) Stats() OperatorStats {
	s := o.stats
	for _, t := range o.timers {
		s.AccumulatorUpdates += t.Samples()
		s.AccumulatorTime += t.Total()
	}
	s.AccumulatorUpdates += o.mergeStats.AccumulatorUpdates
	s.AccumulatorTime += o.mergeStats.AccumulatorTime
	return s
}

// SpillID identifies the operator's runs in the spill store.
func (o *HashAggregationOperator) SpillID() uuid.UUID { return o.spillID }
