package block

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Page is an immutable batch: an ordered set of equal-length blocks
// (channels). A page without channels still carries a position count, which
// is what count(*) consumes.
type Page struct {
	positionCount int
	blocks        []Block
}

// NewPage builds a page. It panics when a block's length differs from
// positionCount.
func NewPage(positionCount int, blocks ...Block) *Page {
	for i, b := range blocks {
		if b.PositionCount() != positionCount {
			panic(fmt.Sprintf("channel %d has %d positions, page has %d", i, b.PositionCount(), positionCount))
		}
	}
	return &Page{positionCount: positionCount, blocks: blocks}
}

// PageOf builds a page whose position count is taken from the first block.
func PageOf(blocks ...Block) *Page {
	if len(blocks) == 0 {
		return &Page{}
	}
	return NewPage(blocks[0].PositionCount(), blocks...)
}

func (p *Page) PositionCount() int      { return p.positionCount }
func (p *Page) ChannelCount() int       { return len(p.blocks) }
func (p *Page) Block(channel int) Block { return p.blocks[channel] }

// Columns projects the page onto channels, keeping the position count.
func (p *Page) Columns(channels []int) *Page {
	blocks := make([]Block, len(channels))
	for i, c := range channels {
		blocks[i] = p.blocks[c]
	}
	return &Page{positionCount: p.positionCount, blocks: blocks}
}

// AppendColumn returns a page with b added as the last channel.
func (p *Page) AppendColumn(b Block) *Page {
	blocks := make([]Block, 0, len(p.blocks)+1)
	blocks = append(blocks, p.blocks...)
	return NewPage(p.positionCount, append(blocks, b)...)
}

// CopyPositions returns a page holding only the given positions.
func (p *Page) CopyPositions(positions []int) *Page {
	blocks := make([]Block, len(p.blocks))
	for i, b := range p.blocks {
		blocks[i] = CopyPositions(b, positions)
	}
	return &Page{positionCount: len(positions), blocks: blocks}
}

func (p *Page) RetainedSizeBytes() int64 {
	var size int64
	for _, b := range p.blocks {
		size += b.RetainedSizeBytes()
	}
	return size
}

// AppendKey appends a self-delimiting encoding of one position to dst. Equal
// values of the same type encode to equal bytes, so the result can key maps
// for grouping and DISTINCT.
func AppendKey(dst []byte, b Block, position int) []byte {
	if b.IsNull(position) {
		return append(dst, 0)
	}
	dst = append(dst, 1)
	switch v := b.(type) {
	case *LongBlock:
		return protowire.AppendFixed64(dst, uint64(v.values[position]))
	case *DoubleBlock:
		f := v.values[position]
		if f == 0 {
			f = 0 // -0 groups with 0
		}
		return protowire.AppendFixed64(dst, math.Float64bits(f))
	case *BooleanBlock:
		if v.values[position] {
			return append(dst, 1)
		}
		return append(dst, 0)
	case *DecimalBlock:
		return protowire.AppendString(dst, v.values[position].String())
	case *BytesBlock:
		return protowire.AppendBytes(dst, v.values[position])
	}
	panic(fmt.Sprintf("unsupported block %T", b))
}
