package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plxerrors "github.com/plxctl/plx/internal/errors"
)

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		want  Query
		canon string
	}{
		{
			name:  "eq",
			expr:  "status:running",
			want:  Query{{Field: "status", Op: OpEq, Values: []string{"running"}}},
			canon: "status:running",
		},
		{
			name:  "negated in",
			expr:  "status:~failed|stopped",
			want:  Query{{Field: "status", Op: OpIn, Negate: true, Values: []string{"failed", "stopped"}}},
			canon: "status:~failed|stopped",
		},
		{
			name:  "range",
			expr:  "created_at:2024-01-01..2024-02-01",
			want:  Query{{Field: "created_at", Op: OpRange, Values: []string{"2024-01-01", "2024-02-01"}}},
			canon: "created_at:2024-01-01..2024-02-01",
		},
		{
			name: "comparisons with spaces",
			expr: " metrics.loss : <= 0.2 , duration:>10",
			want: Query{
				{Field: "metrics.loss", Op: OpLTE, Values: []string{"0.2"}},
				{Field: "duration", Op: OpGT, Values: []string{"10"}},
			},
			canon: "metrics.loss:<=0.2, duration:>10",
		},
		{
			name:  "pipeline filter",
			expr:  "status:created, pipeline:8aac02e3a62a4f0aaa257c59da5eab80",
			canon: "status:created, pipeline:8aac02e3a62a4f0aaa257c59da5eab80",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := ParseQuery(tt.expr)
			require.NoError(t, err)
			if tt.want != nil {
				assert.Equal(t, tt.want, q)
			}
			assert.Equal(t, tt.canon, q.String())
		})
	}
}

func TestParseQueryErrors(t *testing.T) {
	for _, expr := range []string{
		"status",
		"status:",
		"status:running,",
		":running",
		"1field:x",
		"created_at:2024..",
		"status:a||b",
		"metrics.loss:<=",
		"status:~",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseQuery(expr)
			require.Error(t, err)
			assert.True(t, plxerrors.HasCode(err, plxerrors.CodeInputQuery))
		})
	}
}

func TestParseQueryEmpty(t *testing.T) {
	q, err := ParseQuery("  ")
	require.NoError(t, err)
	assert.Nil(t, q)
}

func TestListParamsValues(t *testing.T) {
	v, err := ListParams{Offset: Int(20), Limit: Int(0), Bookmarks: true, NoPage: true}.Values()
	require.NoError(t, err)
	assert.Equal(t, "20", v.Get("offset"))
	assert.Equal(t, "0", v.Get("limit"))
	assert.Equal(t, "true", v.Get("bookmarks"))
	assert.Equal(t, "true", v.Get("no_page"))
	assert.False(t, v.Has("sort"))

	_, err = ListParams{Limit: Int(-1)}.Values()
	require.Error(t, err)
	assert.Equal(t, plxerrors.KindInvalidInput, plxerrors.KindOf(err))
}
