package triemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasic(t *testing.T) {
	tree := New[string]()

	for _, d := range []string{"example.com", "google.com", "localhost"} {
		require.True(t, tree.Insert(d, "V"))
	}

	v, ok := tree.Search("example.com")
	require.True(t, ok)
	assert.Equal(t, "V", v)

	assert.False(t, tree.Insert("", "V"))
	_, ok = tree.Search("")
	assert.False(t, ok)

	_, ok = tree.Search("localhost")
	assert.True(t, ok)

	_, ok = tree.Search("www.google.com")
	assert.False(t, ok)
}

func TestWildcard(t *testing.T) {
	tree := New[string]()

	domains := []string{
		"*.example.com",
		"sub.*.example.com",
		"*.dev",
		".org",
		".example.net",
		".apple.*",
		"+.foo.com",
		"+.stun.*.*",
		"+.stun.*.*.*",
		"+.stun.*.*.*.*",
		"stun.l.google.com",
	}
	for _, d := range domains {
		require.True(t, tree.Insert(d, "V"))
	}

	matches := []string{
		"sub.example.com",
		"sub.foo.example.com",
		"test.org",
		"test.example.net",
		"test.apple.com",
		"foo.com",
		"global.stun.website.com",
	}
	for _, d := range matches {
		_, ok := tree.Search(d)
		assert.Truef(t, ok, "expected match for %s", d)
	}

	nonMatches := []string{
		"foo.sub.example.com",
		"foo.example.dev",
		"example.com",
	}
	for _, d := range nonMatches {
		_, ok := tree.Search(d)
		assert.Falsef(t, ok, "expected no match for %s", d)
	}
}

func TestPriority(t *testing.T) {
	tree := New[int]()

	domains := []string{".dev", "example.dev", "*.example.dev", "test.example.dev"}
	for idx, d := range domains {
		require.True(t, tree.Insert(d, idx))
	}

	cases := map[string]int{
		"test.dev":          0,
		"foo.bar.dev":       0,
		"example.dev":       1,
		"foo.example.dev":   2,
		"test.example.dev":  3,
	}
	for domain, want := range cases {
		got, ok := tree.Search(domain)
		require.Truef(t, ok, "expected match for %s", domain)
		assert.Equalf(t, want, got, "mismatch for %s", domain)
	}
}

func TestBoundary(t *testing.T) {
	tree := New[string]()

	require.True(t, tree.Insert("*.dev", "V"))
	assert.False(t, tree.Insert(".", "V"))
	assert.False(t, tree.Insert("..dev", "V"))
	assert.False(t, tree.Insert("foo.", "V"))

	_, ok := tree.Search("dev")
	assert.False(t, ok)
}

func TestWildcardBoundary(t *testing.T) {
	tree := New[string]()
	require.True(t, tree.Insert("+.*", "V"))
	require.True(t, tree.Insert("stun.*.*.*", "V"))

	_, ok := tree.Search("example.com")
	assert.True(t, ok)
}

func TestInsertInvalidLeavesTrieUnchanged(t *testing.T) {
	tree := New[string]()
	require.True(t, tree.Insert("example.com", "V"))

	for _, d := range []string{"", ".", "..dev", "foo."} {
		assert.False(t, tree.Insert(d, "other"))
	}

	v, ok := tree.Search("example.com")
	require.True(t, ok)
	assert.Equal(t, "V", v)
}

func TestSearchNeverReturnsDataless(t *testing.T) {
	tree := New[string]()
	require.True(t, tree.Insert("example.com", "V"))
	require.True(t, tree.Insert("sub.example.com", "V2"))

	// "com" alone was created as an intermediate node with no data.
	_, ok := tree.Search("com")
	assert.False(t, ok)
}
