package aggregation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/aevon-lab/groupagg/internal/core/metrics"
	"github.com/aevon-lab/groupagg/internal/core/partition"
	"golang.org/x/sync/errgroup"
)

const defaultWorkerCount = 4

// ErrPartitionPanic is returned when an operator panicked while running a partition.
var ErrPartitionPanic = errors.New("aggregation partition panicked")

// JobParameter controls how one aggregation request is executed.
type JobParameter struct {
	WorkerCount int
	Operator    OperatorParameter
}

func (p JobParameter) normalized() JobParameter {
	n := p
	if n.WorkerCount <= 0 {
		n.WorkerCount = defaultWorkerCount
	}
	// A global aggregation has a single group, so it has a single partition.
	if len(n.Operator.KeyChannels) == 0 {
		n.WorkerCount = 1
	}
	return n
}

// JobResult is the concatenated output of every partition.
type JobResult struct {
	Page       *block.Page
	Types      []block.Type
	Partitions int
	Stats      OperatorStats
	Elapsed    time.Duration
}

// RunAggregation hash-partitions the rows of pages by group key and runs one
// HashAggregationOperator per partition concurrently. Every row of a group
// lands in the same partition, so the partition outputs are disjoint and are
// concatenated in partition order.
func RunAggregation(
	ctx context.Context,
	pages []*block.Page,
	param JobParameter,
	governor *SpillGovernor,
	collector *metrics.Collector,
) (*JobResult, error) {
	param = param.normalized()
	start := time.Now()

	operators := make([]*HashAggregationOperator, param.WorkerCount)
	for i := range operators {
		op, err := NewHashAggregationOperator(param.Operator, governor, collector)
		if err != nil {
			return nil, err
		}
		operators[i] = op
	}

	partitioned, err := partitionPages(pages, param.Operator.KeyChannels, param.WorkerCount)
	if err != nil {
		return nil, err
	}

	slog.Debug("[Job] Starting aggregation",
		"pages", len(pages),
		"partitions", param.WorkerCount,
		"step", param.Operator.Step,
		"calls", len(param.Operator.Calls),
	)

	outputs := make([]*block.Page, param.WorkerCount)
	g, gctx := errgroup.WithContext(ctx)
	for i := range operators {
		g.Go(func() error {
			out, err := runPartition(gctx, operators[i], partitioned[i])
			if err != nil {
				return fmt.Errorf("partition %d: %w", i, err)
			}
			outputs[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, op := range operators {
			op.Abort(ctx)
		}
		return nil, err
	}

	result := &JobResult{
		Types:      operators[0].OutputTypes(),
		Partitions: param.WorkerCount,
	}
	for _, op := range operators {
		result.Stats.add(op.Stats())
	}
	result.Page = concatPages(result.Types, outputs)
	result.Elapsed = time.Since(start)

	slog.Info("[Job] Aggregation complete",
		"rows", result.Stats.InputRows,
		"groups", result.Page.PositionCount(),
		"partitions", result.Partitions,
		"spill_runs", result.Stats.SpillRuns,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// runPartition drives one operator over its pages. A panic raised by an
// accumulator is returned as an error wrapping ErrPartitionPanic.
func runPartition(ctx context.Context, op *HashAggregationOperator, pages []*block.Page) (out *block.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Job] Partition panicked", "panic", r)
			if rerr, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", ErrPartitionPanic, rerr)
			} else {
				err = fmt.Errorf("%w: %v", ErrPartitionPanic, r)
			}
		}
	}()

	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := op.AddPage(ctx, page); err != nil {
			return nil, err
		}
	}
	return op.Finish(ctx)
}

// partitionPages splits every page into one page per partition.
func partitionPages(pages []*block.Page, keyChannels []int, partitions int) ([][]*block.Page, error) {
	out := make([][]*block.Page, partitions)
	if partitions == 1 {
		out[0] = pages
		return out, nil
	}

	var key []byte
	for _, page := range pages {
		for _, c := range keyChannels {
			if c >= page.ChannelCount() {
				return nil, fmt.Errorf("key channel %d out of range for page with %d channels", c, page.ChannelCount())
			}
		}
		positions := make([][]int, partitions)
		for p := 0; p < page.PositionCount(); p++ {
			key = key[:0]
			for _, c := range keyChannels {
				key = block.AppendKey(key, page.Block(c), p)
			}
			part := partition.For(key, partitions)
			positions[part] = append(positions[part], p)
		}
		for part, selected := range positions {
			if len(selected) > 0 {
				out[part] = append(out[part], page.CopyPositions(selected))
			}
		}
	}
	return out, nil
}

func concatPages(types []block.Type, pages []*block.Page) *block.Page {
	total := 0
	for _, p := range pages {
		total += p.PositionCount()
	}
	columns := make([]block.Block, len(types))
	for c, t := range types {
		out := block.NewBlockBuilder(t, total)
		for _, p := range pages {
			col := p.Block(c)
			for pos := 0; pos < p.PositionCount(); pos++ {
				block.AppendTo(col, pos, out)
			}
		}
		columns[c] = out.Build()
	}
	return block.NewPage(total, columns...)
}
