package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_LongestMatchDispatch(t *testing.T) {
	tbl, err := NewTable([]*Rule{
		{Method: "GET", PathTemplate: "/users/:id", ToolID: "get-user", PriceUSDC: "0", BackendURL: "https://example.com", SkipSSRF: true},
		{Method: "GET", PathTemplate: "/users/:id/profile", ToolID: "get-user-profile", PriceUSDC: "0", BackendURL: "https://example.com", SkipSSRF: true},
	})
	require.NoError(t, err)

	m, ok := tbl.Match("GET", "/users/42/profile")
	require.True(t, ok)
	assert.Equal(t, "get-user-profile", m.Rule.ToolID)
	assert.Equal(t, "42", m.Params["id"])

	m2, ok := tbl.Match("GET", "/users/42")
	require.True(t, ok)
	assert.Equal(t, "get-user", m2.Rule.ToolID)
}

func TestTable_RestrictedRoutesInvisibleToDispatch(t *testing.T) {
	tbl, err := NewTable([]*Rule{
		{Method: "GET", PathTemplate: "/internal/debug", ToolID: "debug", PriceUSDC: "0", BackendURL: "https://example.com", SkipSSRF: true, Restricted: true},
	})
	require.NoError(t, err)

	_, ok := tbl.Match("GET", "/internal/debug")
	assert.False(t, ok)

	r, ok := tbl.ByToolID("debug")
	assert.True(t, ok)
	assert.True(t, r.Restricted)
}

func TestTable_DuplicateToolIDRejected(t *testing.T) {
	_, err := NewTable([]*Rule{
		{Method: "GET", PathTemplate: "/a", ToolID: "dup", PriceUSDC: "0", BackendURL: "https://example.com", SkipSSRF: true},
		{Method: "POST", PathTemplate: "/b", ToolID: "dup", PriceUSDC: "0", BackendURL: "https://example.com", SkipSSRF: true},
	})
	assert.Error(t, err)
}

func TestTable_InvalidPriceRejected(t *testing.T) {
	_, err := NewTable([]*Rule{
		{Method: "GET", PathTemplate: "/a", ToolID: "a", PriceUSDC: "-1", BackendURL: "https://example.com", SkipSSRF: true},
	})
	assert.Error(t, err)

	_, err = NewTable([]*Rule{
		{Method: "GET", PathTemplate: "/a", ToolID: "a", PriceUSDC: "0.0000001", BackendURL: "https://example.com", SkipSSRF: true},
	})
	assert.Error(t, err)
}

func TestTable_SSRFBlockedUnlessSkip(t *testing.T) {
	r := &Rule{Method: "GET", PathTemplate: "/a", ToolID: "a", PriceUSDC: "0", BackendURL: "http://127.0.0.1/"}
	require.NoError(t, r.compile())
	assert.Error(t, r.ValidateSSRF(nil))

	r.SkipSSRF = true
	assert.NoError(t, r.ValidateSSRF(nil))
}

func TestTable_ReplaceIsCopyOnWrite(t *testing.T) {
	tbl, err := NewTable([]*Rule{
		{Method: "GET", PathTemplate: "/a", ToolID: "a", PriceUSDC: "0", BackendURL: "https://example.com", SkipSSRF: true},
	})
	require.NoError(t, err)

	snapshot := tbl.List()
	require.Len(t, snapshot, 1)

	err = tbl.Replace([]*Rule{
		{Method: "GET", PathTemplate: "/b", ToolID: "b", PriceUSDC: "0", BackendURL: "https://example.com", SkipSSRF: true},
	})
	require.NoError(t, err)

	assert.Len(t, snapshot, 1, "prior snapshot must remain unaffected")
	assert.Len(t, tbl.List(), 1)
	_, ok := tbl.ByToolID("b")
	assert.True(t, ok)
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "get-user-profile", Slugify("GetUser Profile!!"))
}
