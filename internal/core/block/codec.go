package block

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

// Pages are encoded as protobuf wire messages:
//
//	Page   { 1: position_count varint; 2: repeated Column }
//	Column { 1: type varint; 2: null flags bytes (optional); 3: repeated value }
//
// Every position carries a value, null positions hold the zero value.
const (
	pageFieldPositionCount protowire.Number = 1
	pageFieldColumn        protowire.Number = 2

	columnFieldType  protowire.Number = 1
	columnFieldNulls protowire.Number = 2
	columnFieldValue protowire.Number = 3
)

var ErrCorruptPage = errors.New("corrupt encoded page")

// EncodePage serializes p.
func EncodePage(p *Page) []byte {
	var dst []byte
	dst = protowire.AppendTag(dst, pageFieldPositionCount, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(p.positionCount))
	for _, b := range p.blocks {
		dst = protowire.AppendTag(dst, pageFieldColumn, protowire.BytesType)
		dst = protowire.AppendBytes(dst, appendColumn(nil, b))
	}
	return dst
}

func appendColumn(dst []byte, b Block) []byte {
	n := b.PositionCount()
	dst = protowire.AppendTag(dst, columnFieldType, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(b.Type()))
	if b.MayHaveNull() {
		flags := make([]byte, n)
		for i := 0; i < n; i++ {
			if b.IsNull(i) {
				flags[i] = 1
			}
		}
		dst = protowire.AppendTag(dst, columnFieldNulls, protowire.BytesType)
		dst = protowire.AppendBytes(dst, flags)
	}
	for i := 0; i < n; i++ {
		switch v := b.(type) {
		case *LongBlock:
			dst = protowire.AppendTag(dst, columnFieldValue, protowire.Fixed64Type)
			dst = protowire.AppendFixed64(dst, uint64(v.values[i]))
		case *DoubleBlock:
			dst = protowire.AppendTag(dst, columnFieldValue, protowire.Fixed64Type)
			dst = protowire.AppendFixed64(dst, math.Float64bits(v.values[i]))
		case *BooleanBlock:
			dst = protowire.AppendTag(dst, columnFieldValue, protowire.VarintType)
			dst = protowire.AppendVarint(dst, protowire.EncodeBool(v.values[i]))
		case *DecimalBlock:
			dst = protowire.AppendTag(dst, columnFieldValue, protowire.BytesType)
			dst = protowire.AppendString(dst, v.values[i].String())
		case *BytesBlock:
			dst = protowire.AppendTag(dst, columnFieldValue, protowire.BytesType)
			dst = protowire.AppendBytes(dst, v.values[i])
		default:
			panic(fmt.Sprintf("unsupported block %T", b))
		}
	}
	return dst
}

// DecodePage is the inverse of EncodePage.
func DecodePage(data []byte) (*Page, error) {
	var (
		positionCount int
		blocks        []Block
	)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPage, protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == pageFieldPositionCount && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorruptPage, protowire.ParseError(m))
			}
			positionCount = int(v)
			data = data[m:]
		case num == pageFieldColumn && typ == protowire.BytesType:
			raw, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorruptPage, protowire.ParseError(m))
			}
			b, err := decodeColumn(raw)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrCorruptPage, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	for i, b := range blocks {
		if b.PositionCount() != positionCount {
			return nil, fmt.Errorf("%w: column %d has %d positions, want %d", ErrCorruptPage, i, b.PositionCount(), positionCount)
		}
	}
	return &Page{positionCount: positionCount, blocks: blocks}, nil
}

func decodeColumn(data []byte) (Block, error) {
	var (
		typ     Type
		flags   []byte
		longs   []int64
		doubles []float64
		bools   []bool
		decs    []decimal.Decimal
		raws    [][]byte
	)
	for len(data) > 0 {
		num, wt, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPage, protowire.ParseError(n))
		}
		data = data[n:]
		var m int
		switch {
		case num == columnFieldType && wt == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(data)
			typ = Type(v)
		case num == columnFieldNulls && wt == protowire.BytesType:
			flags, m = protowire.ConsumeBytes(data)
		case num == columnFieldValue && wt == protowire.Fixed64Type:
			var v uint64
			v, m = protowire.ConsumeFixed64(data)
			if typ == Double {
				doubles = append(doubles, math.Float64frombits(v))
			} else {
				longs = append(longs, int64(v))
			}
		case num == columnFieldValue && wt == protowire.VarintType:
			var v uint64
			v, m = protowire.ConsumeVarint(data)
			bools = append(bools, protowire.DecodeBool(v))
		case num == columnFieldValue && wt == protowire.BytesType:
			var v []byte
			v, m = protowire.ConsumeBytes(data)
			if m >= 0 && typ == Decimal {
				d, err := decimal.NewFromString(string(v))
				if err != nil {
					return nil, fmt.Errorf("%w: %v", ErrCorruptPage, err)
				}
				decs = append(decs, d)
			} else if m >= 0 {
				raws = append(raws, append([]byte(nil), v...))
			}
		default:
			m = protowire.ConsumeFieldValue(num, wt, data)
		}
		if m < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPage, protowire.ParseError(m))
		}
		data = data[m:]
	}

	var nullFlags []bool
	if flags != nil {
		nullFlags = make([]bool, len(flags))
		for i, f := range flags {
			nullFlags[i] = f != 0
		}
	}
	count := func(values int) error {
		if nullFlags != nil && len(nullFlags) != values {
			return fmt.Errorf("%w: %d null flags for %d values", ErrCorruptPage, len(nullFlags), values)
		}
		return nil
	}

	switch typ {
	case Bigint:
		if err := count(len(longs)); err != nil {
			return nil, err
		}
		return NewLongBlock(longs, nullFlags), nil
	case Double:
		if err := count(len(doubles)); err != nil {
			return nil, err
		}
		return NewDoubleBlock(doubles, nullFlags), nil
	case Boolean:
		if err := count(len(bools)); err != nil {
			return nil, err
		}
		return NewBooleanBlock(bools, nullFlags), nil
	case Decimal:
		if err := count(len(decs)); err != nil {
			return nil, err
		}
		return NewDecimalBlock(decs, nullFlags), nil
	case Varchar, Varbinary:
		if err := count(len(raws)); err != nil {
			return nil, err
		}
		return NewBytesBlock(typ, raws, nullFlags), nil
	}
	return nil, fmt.Errorf("%w: unknown column type %d", ErrCorruptPage, int(typ))
}
