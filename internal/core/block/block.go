package block

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/shopspring/decimal"
)

// Block is one immutable column of a page. Positions are addressed from 0.
// Reading a value at a null position returns the zero value of the column type.
type Block interface {
	Type() Type
	PositionCount() int
	IsNull(position int) bool
	MayHaveNull() bool
	RetainedSizeBytes() int64
}

const (
	sizeOfInt64   = int64(unsafe.Sizeof(int64(0)))
	sizeOfBool    = int64(unsafe.Sizeof(false))
	sizeOfSlice   = int64(unsafe.Sizeof([]byte(nil)))
	sizeOfDecimal = int64(unsafe.Sizeof(decimal.Decimal{}))
	// big.Int header plus the word slice header it owns.
	sizeOfBigInt = int64(32)
)

// DecimalRetainedBytes approximates the heap retained by d from above.
func DecimalRetainedBytes(d decimal.Decimal) int64 {
	// log2(10) < 3.33, so 10 bits per 3 digits plus one spare word never understates.
	words := int64(d.NumDigits())*10/(3*64) + 2
	return sizeOfBigInt + words*sizeOfInt64
}

type nulls []bool

func (n nulls) isNull(position int) bool {
	return n != nil && n[position]
}

func (n nulls) retained() int64 {
	return int64(cap(n)) * sizeOfBool
}

func checkNulls(values int, n []bool) {
	if n != nil && len(n) != values {
		panic(fmt.Sprintf("null flags length %d does not match value count %d", len(n), values))
	}
}

// LongBlock holds BIGINT values.
type LongBlock struct {
	values []int64
	nulls  nulls
}

// NewLongBlock wraps values; nullFlags may be nil when there are no nulls.
func NewLongBlock(values []int64, nullFlags []bool) *LongBlock {
	checkNulls(len(values), nullFlags)
	return &LongBlock{values: values, nulls: nullFlags}
}

func (b *LongBlock) Type() Type               { return Bigint }
func (b *LongBlock) PositionCount() int       { return len(b.values) }
func (b *LongBlock) IsNull(position int) bool { return b.nulls.isNull(position) }
func (b *LongBlock) MayHaveNull() bool        { return b.nulls != nil }
func (b *LongBlock) Long(position int) int64  { return b.values[position] }
func (b *LongBlock) RetainedSizeBytes() int64 { return int64(cap(b.values))*sizeOfInt64 + b.nulls.retained() }

// DoubleBlock holds DOUBLE values.
type DoubleBlock struct {
	values []float64
	nulls  nulls
}

func NewDoubleBlock(values []float64, nullFlags []bool) *DoubleBlock {
	checkNulls(len(values), nullFlags)
	return &DoubleBlock{values: values, nulls: nullFlags}
}

func (b *DoubleBlock) Type() Type                  { return Double }
func (b *DoubleBlock) PositionCount() int          { return len(b.values) }
func (b *DoubleBlock) IsNull(position int) bool    { return b.nulls.isNull(position) }
func (b *DoubleBlock) MayHaveNull() bool           { return b.nulls != nil }
func (b *DoubleBlock) Double(position int) float64 { return b.values[position] }
func (b *DoubleBlock) RetainedSizeBytes() int64    { return int64(cap(b.values))*sizeOfInt64 + b.nulls.retained() }

// BooleanBlock holds BOOLEAN values. FILTER columns are boolean blocks.
type BooleanBlock struct {
	values []bool
	nulls  nulls
}

func NewBooleanBlock(values []bool, nullFlags []bool) *BooleanBlock {
	checkNulls(len(values), nullFlags)
	return &BooleanBlock{values: values, nulls: nullFlags}
}

func (b *BooleanBlock) Type() Type                { return Boolean }
func (b *BooleanBlock) PositionCount() int        { return len(b.values) }
func (b *BooleanBlock) IsNull(position int) bool  { return b.nulls.isNull(position) }
func (b *BooleanBlock) MayHaveNull() bool         { return b.nulls != nil }
func (b *BooleanBlock) Boolean(position int) bool { return b.values[position] }
func (b *BooleanBlock) RetainedSizeBytes() int64  { return int64(cap(b.values))*sizeOfBool + b.nulls.retained() }

// DecimalBlock holds exact DECIMAL values.
type DecimalBlock struct {
	values []decimal.Decimal
	nulls  nulls
}

func NewDecimalBlock(values []decimal.Decimal, nullFlags []bool) *DecimalBlock {
	checkNulls(len(values), nullFlags)
	return &DecimalBlock{values: values, nulls: nullFlags}
}

func (b *DecimalBlock) Type() Type                           { return Decimal }
func (b *DecimalBlock) PositionCount() int                   { return len(b.values) }
func (b *DecimalBlock) IsNull(position int) bool             { return b.nulls.isNull(position) }
func (b *DecimalBlock) MayHaveNull() bool                    { return b.nulls != nil }
func (b *DecimalBlock) Decimal(position int) decimal.Decimal { return b.values[position] }

func (b *DecimalBlock) RetainedSizeBytes() int64 {
	size := int64(cap(b.values))*sizeOfDecimal + b.nulls.retained()
	for _, v := range b.values {
		size += DecimalRetainedBytes(v)
	}
	return size
}

// BytesBlock holds VARCHAR or VARBINARY values.
type BytesBlock struct {
	typ    Type
	values [][]byte
	nulls  nulls
}

func NewBytesBlock(typ Type, values [][]byte, nullFlags []bool) *BytesBlock {
	if typ != Varchar && typ != Varbinary {
		panic(fmt.Sprintf("bytes block cannot hold %s", typ))
	}
	checkNulls(len(values), nullFlags)
	return &BytesBlock{typ: typ, values: values, nulls: nullFlags}
}

// NewVarcharBlock is a convenience for string columns.
func NewVarcharBlock(values []string, nullFlags []bool) *BytesBlock {
	raw := make([][]byte, len(values))
	for i, v := range values {
		raw[i] = []byte(v)
	}
	return NewBytesBlock(Varchar, raw, nullFlags)
}

func (b *BytesBlock) Type() Type                 { return b.typ }
func (b *BytesBlock) PositionCount() int         { return len(b.values) }
func (b *BytesBlock) IsNull(position int) bool   { return b.nulls.isNull(position) }
func (b *BytesBlock) MayHaveNull() bool          { return b.nulls != nil }
func (b *BytesBlock) Bytes(position int) []byte  { return b.values[position] }
func (b *BytesBlock) String(position int) string { return string(b.values[position]) }

func (b *BytesBlock) RetainedSizeBytes() int64 {
	size := int64(cap(b.values))*sizeOfSlice + b.nulls.retained()
	for _, v := range b.values {
		size += int64(cap(v))
	}
	return size
}

// DecimalAt reads a numeric position as an exact decimal. ok is false for nulls
// and for non-numeric blocks.
func DecimalAt(b Block, position int) (d decimal.Decimal, ok bool) {
	if b.IsNull(position) {
		return decimal.Zero, false
	}
	switch v := b.(type) {
	case *LongBlock:
		return decimal.NewFromInt(v.values[position]), true
	case *DoubleBlock:
		f := v.values[position]
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(f), true
	case *DecimalBlock:
		return v.values[position], true
	}
	return decimal.Zero, false
}

// AppendTo copies the value at position of b onto out. The builder must be of
// the same type as the block.
func AppendTo(b Block, position int, out BlockBuilder) {
	if b.IsNull(position) {
		out.AppendNull()
		return
	}
	switch v := b.(type) {
	case *LongBlock:
		out.(*LongBlockBuilder).AppendLong(v.values[position])
	case *DoubleBlock:
		out.(*DoubleBlockBuilder).AppendDouble(v.values[position])
	case *BooleanBlock:
		out.(*BooleanBlockBuilder).AppendBoolean(v.values[position])
	case *DecimalBlock:
		out.(*DecimalBlockBuilder).AppendDecimal(v.values[position])
	case *BytesBlock:
		out.(*BytesBlockBuilder).AppendBytes(v.values[position])
	default:
		panic(fmt.Sprintf("unsupported block %T", b))
	}
}

// CopyPositions returns a new block holding the given positions of b, in order.
func CopyPositions(b Block, positions []int) Block {
	out := NewBlockBuilder(b.Type(), len(positions))
	for _, p := range positions {
		AppendTo(b, p, out)
	}
	return out.Build()
}
