package v1

import (
	"fmt"
	"strings"

	"github.com/aevon-lab/groupagg/internal/connector"
	"github.com/aevon-lab/groupagg/internal/core/block"
)

// AggregateRequest is one GROUP BY over an inline batch of columns.
type AggregateRequest struct {
	// RequestID is echoed on the response and in logs. Generated when empty.
	RequestID string `json:"request_id,omitempty" yaml:"request_id"`

	// Step is single, partial, intermediate or final. Empty means single.
	// Partial and intermediate return aggregate columns as varbinary state;
	// intermediate and final read their aggregate arguments as such state.
	Step string `json:"step,omitempty" yaml:"step"`

	// GroupBy names the key columns. Empty means a global aggregation with
	// exactly one output row.
	GroupBy []string `json:"group_by,omitempty" yaml:"group_by"`

	Aggregates []Aggregate `json:"aggregates" yaml:"aggregates"`
	Columns    []Column    `json:"columns" yaml:"columns"`

	// Source records which split the rows were read from.
	Source *connector.HostSplit `json:"source,omitempty" yaml:"source"`
	// Destination is validated against the output columns and echoed back.
	Destination *connector.OutputTableHandle `json:"destination,omitempty" yaml:"destination"`
}

// Aggregate is one aggregate call, e.g. sum(amount) FILTER (WHERE online).
type Aggregate struct {
	Function string   `json:"function" yaml:"function"`
	Args     []string `json:"args,omitempty" yaml:"args"`
	Filter   string   `json:"filter,omitempty" yaml:"filter"`
	Distinct bool     `json:"distinct,omitempty" yaml:"distinct"`
	As       string   `json:"as,omitempty" yaml:"as"`
}

// OutputName is the response column name of the aggregate.
func (a Aggregate) OutputName() string {
	if a.As != "" {
		return a.As
	}
	args := strings.Join(a.Args, ", ")
	if len(a.Args) == 0 && strings.EqualFold(a.Function, "count") {
		args = "*"
	}
	if a.Distinct {
		args = "distinct " + args
	}
	return fmt.Sprintf("%s(%s)", strings.ToLower(a.Function), args)
}

// AggregateResponse carries the output page as columns: the group-by
// columns first, then one column per aggregate.
type AggregateResponse struct {
	RequestID   string                       `json:"request_id"`
	Step        string                       `json:"step"`
	Columns     []Column                     `json:"columns"`
	Stats       Stats                        `json:"stats"`
	Source      *connector.HostSplit         `json:"source,omitempty"`
	Destination *connector.OutputTableHandle `json:"destination,omitempty"`
}

// Stats summarizes the work behind a response.
type Stats struct {
	InputRows          int64 `json:"input_rows"`
	Groups             int   `json:"groups"`
	Partitions         int   `json:"partitions"`
	SpillRuns          int   `json:"spill_runs"`
	SpilledBytes       int64 `json:"spilled_bytes"`
	AccumulatorUpdates int64 `json:"accumulator_updates"`
	ElapsedMs          int64 `json:"elapsed_ms"`
}

// OutputColumnNames lists the response columns in order.
func (r *AggregateRequest) OutputColumnNames() []string {
	names := append([]string(nil), r.GroupBy...)
	for _, a := range r.Aggregates {
		names = append(names, a.OutputName())
	}
	return names
}

// ColumnIndex returns the channel of the named column, or -1.
func (r *AggregateRequest) ColumnIndex(name string) int {
	for i, c := range r.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks the request shape: column names resolve, columns have
// equal lengths and output names are unique. Function names and argument
// types are checked when the aggregation is planned.
func (r *AggregateRequest) Validate() error {
	if len(r.Aggregates) == 0 {
		return fmt.Errorf("aggregates must not be empty")
	}

	rows := -1
	seen := make(map[string]bool, len(r.Columns))
	for i, c := range r.Columns {
		if c.Name == "" {
			return fmt.Errorf("columns[%d]: name is required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("column %q declared twice", c.Name)
		}
		seen[c.Name] = true
		if c.Type == block.Unknown {
			return fmt.Errorf("column %q: type is required", c.Name)
		}
		if rows >= 0 && len(c.Values) != rows {
			return fmt.Errorf("column %q has %d values, expected %d", c.Name, len(c.Values), rows)
		}
		rows = len(c.Values)
	}

	for _, key := range r.GroupBy {
		if !seen[key] {
			return fmt.Errorf("group_by column %q not found", key)
		}
	}
	for i, a := range r.Aggregates {
		if a.Function == "" {
			return fmt.Errorf("aggregates[%d]: function is required", i)
		}
		for _, arg := range a.Args {
			if !seen[arg] {
				return fmt.Errorf("aggregates[%d]: argument column %q not found", i, arg)
			}
		}
		if a.Filter != "" && !seen[a.Filter] {
			return fmt.Errorf("aggregates[%d]: filter column %q not found", i, a.Filter)
		}
	}

	outputs := r.OutputColumnNames()
	unique := make(map[string]bool, len(outputs))
	for _, name := range outputs {
		if unique[name] {
			return fmt.Errorf("output column %q is ambiguous; use \"as\" to rename", name)
		}
		unique[name] = true
	}

	if r.Source != nil {
		if err := r.Source.Validate(); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}
	if r.Destination != nil {
		if err := r.Destination.Validate(outputs); err != nil {
			return fmt.Errorf("destination: %w", err)
		}
	}
	return nil
}
