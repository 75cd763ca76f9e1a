package v1

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/shopspring/decimal"
)

// Column is one named, typed column of values. Null is JSON null. Decimals
// travel as strings and varbinary as base64 so that no precision is lost.
type Column struct {
	Name   string     `json:"name" yaml:"name"`
	Type   block.Type `json:"type" yaml:"type"`
	Values []any      `json:"values" yaml:"values"`
}

// Block converts the column values into a block of the column type.
func (c Column) Block() (block.Block, error) {
	out := block.NewBlockBuilder(c.Type, len(c.Values))
	for i, v := range c.Values {
		if v == nil {
			out.AppendNull()
			continue
		}
		if err := appendValue(out, v); err != nil {
			return nil, fmt.Errorf("column %q row %d: %w", c.Name, i, err)
		}
	}
	return out.Build(), nil
}

func appendValue(out block.BlockBuilder, v any) error {
	switch b := out.(type) {
	case *block.LongBlockBuilder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.AppendLong(n)
	case *block.DoubleBlockBuilder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.AppendDouble(f)
	case *block.DecimalBlockBuilder:
		d, err := toDecimal(v)
		if err != nil {
			return err
		}
		b.AppendDecimal(d)
	case *block.BooleanBlockBuilder:
		flag, ok := v.(bool)
		if !ok {
			return fmt.Errorf("expected boolean, got %T", v)
		}
		b.AppendBoolean(flag)
	case *block.BytesBlockBuilder:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", v)
		}
		if b.Type() == block.Varbinary {
			raw, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return fmt.Errorf("invalid base64: %w", err)
			}
			b.AppendBytes(raw)
		} else {
			b.AppendBytes([]byte(s))
		}
	default:
		return fmt.Errorf("unsupported column type %s", out.Type())
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows bigint", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, fmt.Errorf("%v is not a bigint", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("expected bigint, got %T", v)
}

// toFloat64 rejects NaN and infinities, which have no JSON encoding.
func toFloat64(v any) (float64, error) {
	f, err := parseFloat64(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not a finite double", v)
	}
	return f, nil
}

func parseFloat64(v any) (float64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Float64()
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("expected double, got %T", v)
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case json.Number:
		return decimal.NewFromString(n.String())
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		return decimal.NewFromFloat(n), nil
	}
	return decimal.Decimal{}, fmt.Errorf("expected decimal, got %T", v)
}

// ColumnFromBlock renders a block as a response column.
func ColumnFromBlock(name string, b block.Block) Column {
	values := make([]any, b.PositionCount())
	for p := range values {
		if b.IsNull(p) {
			continue
		}
		switch v := b.(type) {
		case *block.LongBlock:
			values[p] = v.Long(p)
		case *block.DoubleBlock:
			values[p] = v.Double(p)
		case *block.DecimalBlock:
			values[p] = v.Decimal(p).String()
		case *block.BooleanBlock:
			values[p] = v.Boolean(p)
		case *block.BytesBlock:
			if v.Type() == block.Varbinary {
				values[p] = base64.StdEncoding.EncodeToString(v.Bytes(p))
			} else {
				values[p] = v.String(p)
			}
		}
	}
	return Column{Name: name, Type: b.Type(), Values: values}
}

// Page converts every request column into one page, channels in column order.
func (r *AggregateRequest) Page() (*block.Page, error) {
	blocks := make([]block.Block, len(r.Columns))
	for i, c := range r.Columns {
		b, err := c.Block()
		if err != nil {
			return nil, err
		}
		blocks[i] = b
	}
	return block.PageOf(blocks...), nil
}

// Types is the type of every request column, in column order.
func (r *AggregateRequest) Types() []block.Type {
	types := make([]block.Type, len(r.Columns))
	for i, c := range r.Columns {
		types[i] = c.Type
	}
	return types
}
