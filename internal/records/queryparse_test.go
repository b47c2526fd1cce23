package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopLevel(t *testing.T) {
	q, err := ParseListQuery("limit=10&offset=5&count=true&cursor=abc&expand=room,author")
	require.NoError(t, err)

	require.NotNil(t, q.Limit)
	assert.Equal(t, int64(10), *q.Limit)
	require.NotNil(t, q.Offset)
	assert.Equal(t, int64(5), *q.Offset)
	assert.True(t, q.Count)
	assert.Equal(t, "abc", q.Cursor)
	assert.Equal(t, []string{"room", "author"}, q.Expand)
}

func TestParseOrder(t *testing.T) {
	q, err := ParseListQuery("order=%2Bmid,-created,title")
	require.NoError(t, err)

	require.Len(t, q.Order, 3)
	assert.Equal(t, OrderColumn{Column: "mid"}, q.Order[0])
	assert.Equal(t, OrderColumn{Column: "created", Desc: true}, q.Order[1])
	assert.Equal(t, OrderColumn{Column: "title"}, q.Order[2])
}

func TestParseOrderUnencodedPlus(t *testing.T) {
	// "+" in a query string decodes to a space.
	q, err := ParseListQuery("order=+mid")
	require.NoError(t, err)
	require.Len(t, q.Order, 1)
	assert.Equal(t, OrderColumn{Column: "mid"}, q.Order[0])
}

func TestParseFilterLeaves(t *testing.T) {
	q, err := ParseListQuery("filter[data]=hello&filter[room][$ne]=r0")
	require.NoError(t, err)
	require.NotNil(t, q.Filter)
	require.Len(t, q.Filter.Children, 2)

	// Keys are sorted during parse.
	first := q.Filter.Children[0]
	assert.Equal(t, "data", first.Column)
	assert.Equal(t, OpEqual, first.Op)
	assert.Equal(t, "hello", first.Value)

	second := q.Filter.Children[1]
	assert.Equal(t, "room", second.Column)
	assert.Equal(t, OpNotEqual, second.Op)
}

func TestParseFilterOrGroup(t *testing.T) {
	q, err := ParseListQuery("filter[$or][0][data]=a&filter[$or][1][data][$like]=b%25")
	require.NoError(t, err)
	require.NotNil(t, q.Filter)
	require.Len(t, q.Filter.Children, 1)

	or := q.Filter.Children[0]
	assert.True(t, or.Or)
	require.Len(t, or.Children, 2)
	require.Len(t, or.Children[0].Children, 1)
	assert.Equal(t, "a", or.Children[0].Children[0].Value)
	require.Len(t, or.Children[1].Children, 1)
	assert.Equal(t, OpLike, or.Children[1].Children[0].Op)
	assert.Equal(t, "b%", or.Children[1].Children[0].Value)
}

func TestParseFilterBadOp(t *testing.T) {
	_, err := ParseListQuery("filter[data][$bogus]=x")
	require.Error(t, err)
	var re *RecordError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindBadRequest, re.Kind)
}

func TestParseBadLimit(t *testing.T) {
	_, err := ParseListQuery("limit=-3")
	require.Error(t, err)

	_, err = ParseListQuery("limit=abc")
	require.Error(t, err)
}

func TestParseUnknownKeysIgnored(t *testing.T) {
	q, err := ParseListQuery("unrelated=1&another[thing]=2")
	require.NoError(t, err)
	assert.Nil(t, q.Filter)
	assert.Nil(t, q.Limit)
}

func TestSplitBracketPath(t *testing.T) {
	path, ok := splitBracketPath("filter[$or][0][col][$eq]")
	require.True(t, ok)
	assert.Equal(t, []string{"filter", "$or", "0", "col", "$eq"}, path)

	_, ok = splitBracketPath("filter[unclosed")
	assert.False(t, ok)
}
