package block

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BlockBuilder is an append-only column writer. Each accumulator evaluation
// appends exactly one position.
type BlockBuilder interface {
	Type() Type
	PositionCount() int
	AppendNull()
	Build() Block
}

// NewBlockBuilder returns an empty builder for t sized for expectedEntries.
func NewBlockBuilder(t Type, expectedEntries int) BlockBuilder {
	switch t {
	case Bigint:
		return NewLongBlockBuilder(expectedEntries)
	case Double:
		return &DoubleBlockBuilder{values: make([]float64, 0, expectedEntries)}
	case Boolean:
		return &BooleanBlockBuilder{values: make([]bool, 0, expectedEntries)}
	case Decimal:
		return NewDecimalBlockBuilder(expectedEntries)
	case Varchar, Varbinary:
		return NewBytesBlockBuilder(t, expectedEntries)
	}
	panic(fmt.Sprintf("no block builder for %s", t))
}

// nullTracker records null flags and whether any were appended, so blocks
// without nulls are built with a nil flag slice.
type nullTracker struct {
	nulls   []bool
	hasNull bool
}

func (n *nullTracker) appendFlag(null bool) {
	n.nulls = append(n.nulls, null)
	if null {
		n.hasNull = true
	}
}

func (n *nullTracker) build() []bool {
	if !n.hasNull {
		return nil
	}
	return n.nulls
}

type LongBlockBuilder struct {
	values []int64
	nullTracker
}

func NewLongBlockBuilder(expectedEntries int) *LongBlockBuilder {
	return &LongBlockBuilder{values: make([]int64, 0, expectedEntries)}
}

func (b *LongBlockBuilder) Type() Type         { return Bigint }
func (b *LongBlockBuilder) PositionCount() int { return len(b.values) }

func (b *LongBlockBuilder) AppendLong(v int64) {
	b.values = append(b.values, v)
	b.appendFlag(false)
}

func (b *LongBlockBuilder) AppendNull() {
	b.values = append(b.values, 0)
	b.appendFlag(true)
}

func (b *LongBlockBuilder) Build() Block { return NewLongBlock(b.values, b.build()) }

type DoubleBlockBuilder struct {
	values []float64
	nullTracker
}

func (b *DoubleBlockBuilder) Type() Type         { return Double }
func (b *DoubleBlockBuilder) PositionCount() int { return len(b.values) }

func (b *DoubleBlockBuilder) AppendDouble(v float64) {
	b.values = append(b.values, v)
	b.appendFlag(false)
}

func (b *DoubleBlockBuilder) AppendNull() {
	b.values = append(b.values, 0)
	b.appendFlag(true)
}

func (b *DoubleBlockBuilder) Build() Block { return NewDoubleBlock(b.values, b.build()) }

type BooleanBlockBuilder struct {
	values []bool
	nullTracker
}

func (b *BooleanBlockBuilder) Type() Type         { return Boolean }
func (b *BooleanBlockBuilder) PositionCount() int { return len(b.values) }

func (b *BooleanBlockBuilder) AppendBoolean(v bool) {
	b.values = append(b.values, v)
	b.appendFlag(false)
}

func (b *BooleanBlockBuilder) AppendNull() {
	b.values = append(b.values, false)
	b.appendFlag(true)
}

func (b *BooleanBlockBuilder) Build() Block { return NewBooleanBlock(b.values, b.build()) }

type DecimalBlockBuilder struct {
	values []decimal.Decimal
	nullTracker
}

func NewDecimalBlockBuilder(expectedEntries int) *DecimalBlockBuilder {
	return &DecimalBlockBuilder{values: make([]decimal.Decimal, 0, expectedEntries)}
}

func (b *DecimalBlockBuilder) Type() Type         { return Decimal }
func (b *DecimalBlockBuilder) PositionCount() int { return len(b.values) }

func (b *DecimalBlockBuilder) AppendDecimal(v decimal.Decimal) {
	b.values = append(b.values, v)
	b.appendFlag(false)
}

func (b *DecimalBlockBuilder) AppendNull() {
	b.values = append(b.values, decimal.Zero)
	b.appendFlag(true)
}

func (b *DecimalBlockBuilder) Build() Block { return NewDecimalBlock(b.values, b.build()) }

type BytesBlockBuilder struct {
	typ    Type
	values [][]byte
	nullTracker
}

func NewBytesBlockBuilder(t Type, expectedEntries int) *BytesBlockBuilder {
	return &BytesBlockBuilder{typ: t, values: make([][]byte, 0, expectedEntries)}
}

func (b *BytesBlockBuilder) Type() Type         { return b.typ }
func (b *BytesBlockBuilder) PositionCount() int { return len(b.values) }

func (b *BytesBlockBuilder) AppendBytes(v []byte) {
	b.values = append(b.values, v)
	b.appendFlag(false)
}

func (b *BytesBlockBuilder) AppendNull() {
	b.values = append(b.values, nil)
	b.appendFlag(true)
}

func (b *BytesBlockBuilder) Build() Block { return NewBytesBlock(b.typ, b.values, b.build()) }
