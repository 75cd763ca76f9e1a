package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aevon-lab/groupagg/internal/aggregation"
	v1 "github.com/aevon-lab/groupagg/internal/api/v1"
	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/aevon-lab/groupagg/internal/core/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ErrInvalidRequest marks errors caused by the request content.
var ErrInvalidRequest = errors.New("invalid aggregate request")

// Service plans aggregation requests and runs them as jobs.
type Service struct {
	governor         *aggregation.SpillGovernor
	collector        *metrics.Collector
	workerCount      int
	maxGroups        int
	maxBodySizeBytes int
}

// NewService creates the query service. governor is nil when spilling is
// disabled; collector may be nil.
func NewService(
	governor *aggregation.SpillGovernor,
	collector *metrics.Collector,
	workerCount, maxGroups, maxBodySizeMB int,
) *Service {
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		governor:         governor,
		collector:        collector,
		workerCount:      workerCount,
		maxGroups:        maxGroups,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
	}
}

// RegisterRoutes registers the query service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/aggregate", s.AggregateHandler)
}

// Plan validates req and translates it into a job over a single page.
func (s *Service) Plan(req *v1.AggregateRequest) (aggregation.JobParameter, *block.Page, error) {
	if err := req.Validate(); err != nil {
		return aggregation.JobParameter{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	step := aggregation.Single
	if req.Step != "" {
		parsed, err := aggregation.ParseStep(req.Step)
		if err != nil {
			return aggregation.JobParameter{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		step = parsed
	}

	types := req.Types()
	param := aggregation.OperatorParameter{
		Step:       step,
		InputTypes: types,
		MaxGroups:  s.maxGroups,
		Calls:      make([]aggregation.AggregateCall, len(req.Aggregates)),
	}
	for _, key := range req.GroupBy {
		channel := req.ColumnIndex(key)
		param.KeyChannels = append(param.KeyChannels, channel)
		param.KeyTypes = append(param.KeyTypes, types[channel])
	}
	for i, a := range req.Aggregates {
		call := aggregation.AggregateCall{Function: strings.ToLower(a.Function), Distinct: a.Distinct}
		for _, arg := range a.Args {
			call.InputChannels = append(call.InputChannels, req.ColumnIndex(arg))
		}
		if a.Filter != "" {
			call.MaskChannel = aggregation.ChannelAt(req.ColumnIndex(a.Filter))
		}
		param.Calls[i] = call
	}

	page, err := req.Page()
	if err != nil {
		return aggregation.JobParameter{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !step.IsInputRaw() {
		if err := validateStates(param.Calls, page); err != nil {
			return aggregation.JobParameter{}, nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}
	return aggregation.JobParameter{WorkerCount: s.workerCount, Operator: param}, page, nil
}

// validateStates decodes every intermediate state a merge step would read.
// Calls the operator will reject anyway are left to it.
func validateStates(calls []aggregation.AggregateCall, page *block.Page) error {
	for i, call := range calls {
		fn, ok := aggregation.Functions[call.Function]
		if !ok || len(call.InputChannels) != 1 {
			continue
		}
		if err := fn.ValidateStates(page.Block(call.InputChannels[0])); err != nil {
			return fmt.Errorf("aggregate %d: %w", i, err)
		}
	}
	return nil
}

// Aggregate runs req and renders the result.
func (s *Service) Aggregate(ctx context.Context, req *v1.AggregateRequest) (*v1.AggregateResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	param, page, err := s.Plan(req)
	if err != nil {
		return nil, err
	}

	var pages []*block.Page
	if page.PositionCount() > 0 {
		pages = []*block.Page{page}
	}
	result, err := aggregation.RunAggregation(ctx, pages, param, s.governor, s.collector)
	if err != nil {
		return nil, err
	}

	names := req.OutputColumnNames()
	resp := &v1.AggregateResponse{
		RequestID:   req.RequestID,
		Step:        param.Operator.Step.String(),
		Columns:     make([]v1.Column, len(names)),
		Source:      req.Source,
		Destination: req.Destination,
		Stats: v1.Stats{
			InputRows:          result.Stats.InputRows,
			Groups:             result.Page.PositionCount(),
			Partitions:         result.Partitions,
			SpillRuns:          result.Stats.SpillRuns,
			SpilledBytes:       result.Stats.SpilledBytes,
			AccumulatorUpdates: result.Stats.AccumulatorUpdates,
			ElapsedMs:          result.Elapsed.Milliseconds(),
		},
	}
	for i, name := range names {
		resp.Columns[i] = v1.ColumnFromBlock(name, result.Page.Block(i))
	}

	attrs := []any{
		"request_id", req.RequestID,
		"step", resp.Step,
		"rows", resp.Stats.InputRows,
		"groups", resp.Stats.Groups,
	}
	if req.Source != nil {
		attrs = append(attrs, "source_host", req.Source.Host)
	}
	if req.Destination != nil {
		attrs = append(attrs, "destination", req.Destination.QualifiedName())
	}
	slog.Info("[Query] Aggregation served", attrs...)
	return resp, nil
}
