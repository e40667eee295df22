package pagination

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allowedSort = map[string]bool{
	"created_at": true,
	"timestamp":  true,
}

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, allowedSort)
	require.NoError(t, err)

	assert.Equal(t, 0, params.Page)
	assert.Equal(t, DefaultSize, params.Size)
	assert.Empty(t, params.Sort)
}

func TestParseSortAndBounds(t *testing.T) {
	query := url.Values{
		"page": []string{"2"},
		"size": []string{"50"},
		"sort": []string{"timestamp,desc", "created_at"},
	}

	params, err := Parse(query, allowedSort)
	require.NoError(t, err)

	assert.Equal(t, 2, params.Page)
	assert.Equal(t, 50, params.Size)
	assert.Equal(t, 100, params.Offset())
	assert.Equal(t, "timestamp DESC, created_at ASC", params.OrderClause())
}

func TestParseRejectsUnknownSortField(t *testing.T) {
	query := url.Values{"sort": []string{"password,desc"}}

	_, err := Parse(query, allowedSort)
	assert.Error(t, err)
}

func TestParseRejectsNegativePage(t *testing.T) {
	query := url.Values{"page": []string{"-1"}}

	_, err := Parse(query, allowedSort)
	assert.Error(t, err)
}

func TestParseCapsSize(t *testing.T) {
	query := url.Values{"size": []string{"10000"}}

	params, err := Parse(query, allowedSort)
	require.NoError(t, err)
	assert.Equal(t, MaxSize, params.Size)
}

func TestNewPageEnvelope(t *testing.T) {
	params := Params{Page: 1, Size: 2}
	page := NewPage([]string{"a", "b"}, params, 5)

	assert.Equal(t, 1, page.PageNumber)
	assert.Equal(t, 2, page.Size)
	assert.Equal(t, int64(5), page.TotalElements)
	assert.Equal(t, 3, page.TotalPages)
	assert.False(t, page.First)
	assert.False(t, page.Last)
	assert.Equal(t, 2, page.NumberOfElements)
	assert.False(t, page.Empty)
}

func TestNewPageEmpty(t *testing.T) {
	page := NewPage[string](nil, Params{Page: 0, Size: DefaultSize}, 0)

	assert.NotNil(t, page.Content)
	assert.True(t, page.First)
	assert.True(t, page.Last)
	assert.True(t, page.Empty)
	assert.Equal(t, 0, page.TotalPages)
}
