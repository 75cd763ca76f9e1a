package aggregation

import (
	"fmt"

	"github.com/aevon-lab/groupagg/internal/core/block"
)

// groupEntryOverhead approximates a map entry's bucket share, string header
// and id.
const groupEntryOverhead = 56

// GroupByHash assigns dense group ids to the distinct key tuples of the
// rows it sees, in first-seen order, and keeps one copy of every key.
// With no key channels every row belongs to the single group 0.
type GroupByHash struct {
	keyChannels []int
	keyTypes    []block.Type
	index       map[string]int32
	keys        []block.BlockBuilder
	groupCount  int
	keyBytes    int64
	scratch     []byte
}

func NewGroupByHash(keyChannels []int, keyTypes []block.Type) (*GroupByHash, error) {
	if len(keyChannels) != len(keyTypes) {
		return nil, fmt.Errorf("group by: %d key channels but %d key types", len(keyChannels), len(keyTypes))
	}
	h := &GroupByHash{
		keyChannels: append([]int(nil), keyChannels...),
		keyTypes:    append([]block.Type(nil), keyTypes...),
	}
	h.Reset()
	return h, nil
}

// Reset forgets every group.
func (h *GroupByHash) Reset() {
	h.index = make(map[string]int32)
	h.keys = make([]block.BlockBuilder, len(h.keyTypes))
	for i, t := range h.keyTypes {
		h.keys[i] = block.NewBlockBuilder(t, 0)
	}
	h.keyBytes = 0
	h.groupCount = 0
	if len(h.keyChannels) == 0 {
		h.groupCount = 1
	}
}

// GroupCount is the number of groups assigned so far; every id returned by
// GetGroupIDs is below it.
func (h *GroupByHash) GroupCount() int { return h.groupCount }

// GetGroupIDs returns the group id of every row of page.
func (h *GroupByHash) GetGroupIDs(page *block.Page) ([]int32, error) {
	ids := make([]int32, page.PositionCount())
	if len(h.keyChannels) == 0 {
		return ids, nil
	}
	for _, c := range h.keyChannels {
		if c >= page.ChannelCount() {
			return nil, fmt.Errorf("group by: key channel %d out of range for page with %d channels", c, page.ChannelCount())
		}
	}
	for i, c := range h.keyChannels {
		if got := page.Block(c).Type(); got != h.keyTypes[i] {
			return nil, fmt.Errorf("group by: key channel %d is %s, expected %s", c, got, h.keyTypes[i])
		}
	}

	for p := range ids {
		h.scratch = h.appendRowKey(h.scratch[:0], page, p)
		id, ok := h.index[string(h.scratch)]
		if !ok {
			id = int32(h.groupCount)
			h.index[string(h.scratch)] = id
			for i, c := range h.keyChannels {
				block.AppendTo(page.Block(c), p, h.keys[i])
			}
			h.groupCount++
			h.keyBytes += int64(len(h.scratch)) + groupEntryOverhead
		}
		ids[p] = id
	}
	return ids, nil
}

func (h *GroupByHash) appendRowKey(dst []byte, page *block.Page, position int) []byte {
	for _, c := range h.keyChannels {
		dst = block.AppendKey(dst, page.Block(c), position)
	}
	return dst
}

// Keys builds the key columns, one position per group in id order. The hash
// must be Reset before it is used again.
func (h *GroupByHash) Keys() []block.Block {
	out := make([]block.Block, len(h.keys))
	for i, b := range h.keys {
		out[i] = b.Build()
	}
	return out
}

// KeyTypes is the type of each key column.
func (h *GroupByHash) KeyTypes() []block.Type { return h.keyTypes }

// EstimatedSizeBytes counts the index and the copied keys.
func (h *GroupByHash) EstimatedSizeBytes() int64 {
	// Key builders hold roughly the same bytes as the serialized keys.
	return 2*h.keyBytes + int64(cap(h.scratch))
}
