package resourceurl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUrlFileNoHost(t *testing.T) {
	u, err := Parse("file:///a")
	require.NoError(t, err)
	assert.Equal(t, File, u.Scheme())

	path, err := u.FilePath()
	require.NoError(t, err)
	assert.Equal(t, "/a", path)

	host, err := u.FileHost()
	require.NoError(t, err)
	assert.Equal(t, "", host)
}

func TestUrlFileWithHost(t *testing.T) {
	u, err := Parse("file://h/b")
	require.NoError(t, err)
	assert.Equal(t, File, u.Scheme())

	host, err := u.FileHost()
	require.NoError(t, err)
	assert.Equal(t, "h", host)

	path, err := u.FilePath()
	require.NoError(t, err)
	assert.Equal(t, "/b", path)
}

func TestUrlHTTPWithPort(t *testing.T) {
	u, err := Parse("http://a:123/c")
	require.NoError(t, err)
	assert.Equal(t, HTTP, u.Scheme())

	host, err := u.Host()
	require.NoError(t, err)
	assert.Equal(t, "a", host)

	port, err := u.Port()
	require.NoError(t, err)
	assert.EqualValues(t, 123, port)

	target, err := u.Target()
	require.NoError(t, err)
	assert.Equal(t, "/c", target)
}

func TestUrlHTTPNoPortNoTarget(t *testing.T) {
	u, err := Parse("http://a")
	require.NoError(t, err)
	host, err := u.Host()
	require.NoError(t, err)
	assert.Equal(t, "a", host)
	port, err := u.Port()
	require.NoError(t, err)
	assert.EqualValues(t, 0, port)
	target, err := u.Target()
	require.NoError(t, err)
	assert.Equal(t, "", target)
}

func TestUrlHTTPSWithTargetNoPort(t *testing.T) {
	u, err := Parse("https://host.example.com/path/to/thing")
	require.NoError(t, err)
	assert.Equal(t, HTTPS, u.Scheme())
	host, err := u.Host()
	require.NoError(t, err)
	assert.Equal(t, "host.example.com", host)
	target, err := u.Target()
	require.NoError(t, err)
	assert.Equal(t, "/path/to/thing", target)
}

func TestUrlDataJSON(t *testing.T) {
	u, err := Parse("data-json://h/")
	require.NoError(t, err)
	assert.Equal(t, DataJSON, u.Scheme())
	host, err := u.FileHost()
	require.NoError(t, err)
	assert.Equal(t, "h", host)
}

func TestUrlDataCSV(t *testing.T) {
	u, err := Parse("data-csv://h/p/q")
	require.NoError(t, err)
	assert.Equal(t, DataCSV, u.Scheme())
	host, err := u.FileHost()
	require.NoError(t, err)
	assert.Equal(t, "h", host)
	path, err := u.FilePath()
	require.NoError(t, err)
	assert.Equal(t, "/p/q", path)
}

func TestUrlInvalidRejected(t *testing.T) {
	cases := []string{
		"",
		"http://",
		"other://host/path",
		"file://",
		"data-json://",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, "expected error for %q", c)
	}
}

func TestUrlRoundTrip(t *testing.T) {
	raw := "http://a:123/c"
	u, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, u.String())
}

func TestUrlWrongAccessorKind(t *testing.T) {
	u, err := Parse("http://a:123/c")
	require.NoError(t, err)
	_, err = u.FilePath()
	assert.Error(t, err)

	f, err := Parse("file:///a")
	require.NoError(t, err)
	_, err = f.Host()
	assert.Error(t, err)
}
