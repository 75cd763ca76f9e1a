package aggregation

import (
	"fmt"
	"testing"

	"github.com/aevon-lab/groupagg/internal/core/block"
	"github.com/stretchr/testify/require"
)

// salesPage builds region (varchar), amount (bigint, nullable) and
// is_online (boolean) columns.
func salesPage(regions []string, amounts []int64, amountNulls []bool, online []bool) *block.Page {
	return block.PageOf(
		block.NewVarcharBlock(regions, nil),
		block.NewLongBlock(amounts, amountNulls),
		block.NewBooleanBlock(online, nil),
	)
}

var salesTypes = []block.Type{block.Varchar, block.Bigint, block.Boolean}

func salesPages() []*block.Page {
	return []*block.Page{
		salesPage([]string{"eu", "us", "eu", "apac"}, []int64{10, 5, 20, 7}, nil, []bool{true, false, true, true}),
		salesPage([]string{"us", "us", "eu"}, []int64{1, 0, 30}, []bool{false, true, false}, []bool{true, true, false}),
		salesPage([]string{"apac", "latam", "eu"}, []int64{7, 3, 10}, nil, []bool{false, false, true}),
	}
}

// rowsByKey renders an output page whose first column is a varchar key as
// key → formatted aggregate values.
func rowsByKey(t *testing.T, page *block.Page) map[string][]string {
	t.Helper()
	out := make(map[string][]string, page.PositionCount())
	keys := page.Block(0).(*block.BytesBlock)
	for p := 0; p < page.PositionCount(); p++ {
		key := keys.String(p)
		_, dup := out[key]
		require.False(t, dup, "key %q emitted twice", key)
		values := make([]string, 0, page.ChannelCount()-1)
		for c := 1; c < page.ChannelCount(); c++ {
			values = append(values, formatValue(page.Block(c), p))
		}
		out[key] = values
	}
	return out
}

func formatValue(b block.Block, p int) string {
	if b.IsNull(p) {
		return "null"
	}
	switch v := b.(type) {
	case *block.LongBlock:
		return fmt.Sprint(v.Long(p))
	case *block.DecimalBlock:
		return v.Decimal(p).String()
	case *block.BytesBlock:
		return fmt.Sprintf("%x", v.Bytes(p))
	}
	return fmt.Sprintf("%v", b)
}
