package aggregation

import core "github.com/aevon-lab/groupagg/internal/core/aggregation"

// Re-export core aggregation types for package-level compatibility.
type Step = core.Step
type GroupedAggregator = core.GroupedAggregator
type OptionalChannel = core.OptionalChannel
type Function = core.Function

const (
	Single       = core.Single
	Partial      = core.Partial
	Intermediate = core.Intermediate
	Final        = core.Final
)

var (
	Functions     = core.Functions
	FunctionNames = core.FunctionNames
	ParseStep     = core.ParseStep
	ChannelAt     = core.ChannelAt
)
