package results

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "basic", input: "https://example.com/path", expected: "example.com/path"},
		{name: "www prefix", input: "https://www.example.com/path", expected: "example.com/path"},
		{name: "trailing slash", input: "https://example.com/path/", expected: "example.com/path"},
		{name: "root", input: "https://example.com/", expected: "example.com"},
		{name: "scheme insensitive", input: "http://example.com/path", expected: "example.com/path"},
		{name: "host case", input: "https://EXAMPLE.com/Path", expected: "example.com/Path"},
		{name: "fragment", input: "https://example.com/a#section", expected: "example.com/a"},
		{name: "query order", input: "https://example.com/a?b=2&a=1", expected: "example.com/a?a=1&b=2"},
		{name: "tracking params", input: "https://example.com/a?utm_source=x&id=7&gclid=y", expected: "example.com/a?id=7"},
		{name: "default port", input: "https://example.com:443/a", expected: "example.com/a"},
		{name: "custom port", input: "https://example.com:8443/a", expected: "example.com:8443/a"},
		{name: "no scheme", input: "example.com/a/", expected: "example.com/a"},
		{name: "repeated values", input: "https://example.com/a?tag=go&tag=db", expected: "example.com/a?tag=db&tag=go"},
		{name: "ref kept", input: "https://example.com/a?ref=main&utm_medium=x", expected: "example.com/a?ref=main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizeURLEquivalence(t *testing.T) {
	a, err := NormalizeURL("http://www.example.com/docs/?b=2&a=1")
	require.NoError(t, err)
	b, err := NormalizeURL("https://example.com/docs?a=1&b=2")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := NormalizeURL("https://example.com/list?a=2&a=1")
	require.NoError(t, err)
	d, err := NormalizeURL("https://example.com/list?a=1&a=2")
	require.NoError(t, err)
	assert.Equal(t, c, d)

	e, err := NormalizeURL("https://example.com/docs?source=v1")
	require.NoError(t, err)
	f, err := NormalizeURL("https://example.com/docs?source=v2")
	require.NoError(t, err)
	assert.NotEqual(t, e, f)
}
