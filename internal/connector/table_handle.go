package connector

import (
	"fmt"
	"slices"
)

// OutputTableHandle names the table an aggregation result is destined for.
// The service does not write the table; it validates the handle and echoes
// it on the response for the caller's writer.
type OutputTableHandle struct {
	Schema           string            `json:"schema" yaml:"schema"`
	Table            string            `json:"table" yaml:"table"`
	PartitionColumns []string          `json:"partitioned_by,omitempty" yaml:"partitioned_by"`
	Owner            string            `json:"owner" yaml:"owner"`
	Parameters       map[string]string `json:"parameters,omitempty" yaml:"parameters"`
	External         bool              `json:"external" yaml:"external"`
}

// Validate checks the handle against the columns the aggregation outputs.
// Every partition column must be an output column.
func (h *OutputTableHandle) Validate(outputColumns []string) error {
	if h.Schema == "" {
		return fmt.Errorf("schema is required")
	}
	if h.Table == "" {
		return fmt.Errorf("table is required")
	}
	if h.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	seen := make(map[string]bool, len(h.PartitionColumns))
	for _, c := range h.PartitionColumns {
		if seen[c] {
			return fmt.Errorf("partition column %q listed twice", c)
		}
		seen[c] = true
		if !slices.Contains(outputColumns, c) {
			return fmt.Errorf("partition column %q is not an output column", c)
		}
	}
	return nil
}

// QualifiedName is schema.table.
func (h *OutputTableHandle) QualifiedName() string {
	return h.Schema + "." + h.Table
}
