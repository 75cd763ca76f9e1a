package aggregation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/aevon-lab/groupagg/internal/core/metrics"
	"github.com/aevon-lab/groupagg/internal/core/storage"
	"github.com/google/uuid"
)

// SpillGovernor decides when an operator is over its memory budget and
// writes the operator's state out as a spill run. One governor may be shared
// by many operators; it keeps no per-operator state.
type SpillGovernor struct {
	memoryLimitBytes int64
	store            storage.SpillStore
	metrics          *metrics.Collector
}

func NewSpillGovernor(memoryLimitBytes int64, store storage.SpillStore, collector *metrics.Collector) *SpillGovernor {
	return &SpillGovernor{memoryLimitBytes: memoryLimitBytes, store: store, metrics: collector}
}

// OverBudget reports whether estimatedBytes exceeds the limit.
func (g *SpillGovernor) OverBudget(estimatedBytes int64) bool {
	return estimatedBytes > g.memoryLimitBytes
}

// Store is where runs are written.
func (g *SpillGovernor) Store() storage.SpillStore { return g.store }

// WriteRun promotes every aggregator to spill output, evaluates every group
// into a run (key columns followed by one state column per aggregator) and
// persists it as run seq of spillID. The caller drops its in-memory state
// afterwards.
func (g *SpillGovernor) WriteRun(
	ctx context.Context,
	spillID uuid.UUID,
	seq int,
	hash *GroupByHash,
	aggregators []*GroupedAggregator,
) (int, error) {
	groupCount := hash.GroupCount()
	columns := hash.Keys()
	for _, agg := range aggregators {
		agg.PromoteToSpillOutput()
		out := block.NewBlockBuilder(agg.Type(), groupCount)
		for id := 0; id < groupCount; id++ {
			agg.Evaluate(int32(id), out)
		}
		columns = append(columns, out.Build())
	}

	written, err := g.store.WriteRun(ctx, spillID, seq, block.NewPage(groupCount, columns...))
	if err != nil {
		return 0, fmt.Errorf("write spill run %d: %w", seq, err)
	}
	if g.metrics != nil {
		g.metrics.SpillWritten(g.store.Backend(), written)
	}

	slog.Debug("[SpillGovernor] Wrote spill run",
		"spill_id", spillID,
		"seq", seq,
		"groups", groupCount,
		"bytes", written,
		"backend", g.store.Backend(),
	)
	return written, nil
}
