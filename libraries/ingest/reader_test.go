package ingest

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

type stringSource struct{ data string }

func (s stringSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.data)), nil
}

func tmpFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "reader-*.tmp")
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReadContributionCountsRowsAndBytes(t *testing.T) {
	data := "a,1\nb,2\nc,3\n"
	f := tmpFile(t)

	res, err := readContribution(context.Background(), stringSource{data}, chunk.DefaultCSVDialect(), 10, f, func() bool { return false })
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.NumRows)
	assert.EqualValues(t, len(data), res.NumBytes)
	assert.Equal(t, 0, res.NumWarnings)
}

func TestReadContributionFailsOnUnterminatedLastLine(t *testing.T) {
	data := "a,1\nb,2"
	f := tmpFile(t)

	_, err := readContribution(context.Background(), stringSource{data}, chunk.DefaultCSVDialect(), 10, f, func() bool { return false })
	require.Error(t, err)
}

func TestReadContributionCountsEmptyLinesAsWarnings(t *testing.T) {
	data := "a,1\n\nb,2\n"
	f := tmpFile(t)

	res, err := readContribution(context.Background(), stringSource{data}, chunk.DefaultCSVDialect(), 10, f, func() bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, res.NumWarnings)
}

func TestReadContributionFailsWhenWarningsExceedMax(t *testing.T) {
	data := "\n\n\n"
	f := tmpFile(t)

	_, err := readContribution(context.Background(), stringSource{data}, chunk.DefaultCSVDialect(), 1, f, func() bool { return false })
	require.Error(t, err)
}

func TestReadContributionStopsWhenCancelled(t *testing.T) {
	data := "a,1\nb,2\nc,3\n"
	f := tmpFile(t)

	_, err := readContribution(context.Background(), stringSource{data}, chunk.DefaultCSVDialect(), 10, f, func() bool { return true })
	require.Error(t, err)
	assert.True(t, qerrors.IngestInterrupted.Is(err))
}
