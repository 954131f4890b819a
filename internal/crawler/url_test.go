package crawler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases scheme and host", "HTTP://EXAMPLE.com/Path", "http://example.com/Path"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"keeps explicit port", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"drops fragment", "https://example.com/a#section", "https://example.com/a"},
		{"keeps root slash", "https://example.com/", "https://example.com/"},
		{"adds root slash", "https://example.com", "https://example.com/"},
		{"strips trailing slash", "https://example.com/a/b/", "https://example.com/a/b"},
		{"preserves query order", "https://example.com/s?z=1&a=2", "https://example.com/s?z=1&a=2"},
		{"canonicalizes path encoding", "https://example.com/caf%c3%a9", "https://example.com/caf%C3%A9"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURL_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"HTTPS://Example.COM:443/a/b/?q=hello%20world&x=%2F#frag",
		"http://example.com",
		"http://example.com/path/?a=+b",
		"https://example.com/%7euser/",
	}
	for _, in := range inputs {
		once, err := NormalizeURL(in)
		require.NoError(t, err)
		twice, err := NormalizeURL(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "normalize must be idempotent for %q", in)
	}
}

func TestNormalizeURL_RejectsRelative(t *testing.T) {
	t.Parallel()

	_, err := NormalizeURL("/just/a/path")
	require.Error(t, err)
	_, err = NormalizeURL("example.com/no-scheme")
	require.Error(t, err)
}

func TestOrigin(t *testing.T) {
	t.Parallel()

	origin, err := Origin("HTTPS://Example.com/deep/path?x=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", origin)

	assert.Equal(t, "example.com", Domain("https://example.com:8443/x"))
	assert.Equal(t, "", Domain("://bad"))
}
