package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// readBufferSize bounds how much of the source is buffered per read, so
// cancellation can be observed between chunks rather than only at EOF.
const readBufferSize = 64 * 1024

// readResult summarizes one completed READ stage.
type readResult struct {
	NumRows     int64
	NumBytes    int64
	NumWarnings int
}

// splitLines is a bufio.SplitFunc over a (possibly multi-byte) line
// terminator, unlike bufio.ScanLines which is hardwired to '\n'.
func splitLines(term string) bufio.SplitFunc {
	sep := []byte(term)
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		if len(data) == 0 {
			if atEOF {
				return 0, nil, nil
			}
			return 0, nil, nil
		}
		if i := indexOf(data, sep); i >= 0 {
			return i + len(sep), data[:i], nil
		}
		if atEOF {
			// The caller decides whether an unterminated trailing line is
			// an error; return it as a final token so the caller can see it.
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

func indexOf(data, sep []byte) int {
	if len(sep) == 0 {
		return -1
	}
	n := len(data) - len(sep)
	for i := 0; i <= n; i++ {
		match := true
		for j := range sep {
			if data[i+j] != sep[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// readContribution copies src into tmpFile while decomposing it into
// logical lines per dialect.LinesTerminatedBy, counting rows/bytes and
// tallying malformed (empty) lines as warnings, bounded by maxNumWarnings.
// It fails with qerrors.IngestInterrupted if isCancelled reports true
// between chunks, and fails if the final line is not terminated. The
// terminated-last-line rule applies uniformly to every source, not only
// HTTP, since the same LOAD DATA INFILE target requires well-formed
// trailing records regardless of origin.
func readContribution(ctx context.Context, src Source, dialect chunk.CSVDialect, maxNumWarnings int, tmpFile *os.File, isCancelled func() bool) (readResult, error) {
	term := dialect.LinesTerminatedBy
	if term == "" {
		term = "\n"
	}

	r, err := src.Open(ctx)
	if err != nil {
		return readResult{}, err
	}
	defer r.Close()

	var result readResult
	lastLineTerminated := true

	scanner := bufio.NewScanner(io.TeeReader(r, countingWriter{tmpFile, &result.NumBytes}))
	scanner.Buffer(make([]byte, 0, readBufferSize), 16<<20)
	scanner.Split(splitLines(term))

	sawAny := false
	for scanner.Scan() {
		if isCancelled() {
			return result, qerrors.IngestInterrupted.New("ingest: read stage interrupted")
		}
		select {
		case <-ctx.Done():
			return result, qerrors.IngestInterrupted.New("ingest: read stage interrupted")
		default:
		}

		line := scanner.Bytes()
		sawAny = true
		result.NumRows++
		if len(line) == 0 {
			result.NumWarnings++
			if result.NumWarnings > maxNumWarnings {
				return result, qerrors.RemoteError.New(fmt.Sprintf("ingest: exceeded max warnings (%d)", maxNumWarnings))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, qerrors.RemoteError.New(fmt.Sprintf("ingest: reading contribution: %v", err))
	}

	if sawAny {
		// The scanner's final token, if unterminated, was still counted as
		// a row above; detect that case by re-deriving whether the raw
		// byte stream ended with the terminator.
		lastLineTerminated = tmpFileEndsWith(tmpFile, term)
		if !lastLineTerminated {
			return result, qerrors.RemoteError.New("ingest: contribution's final line is not terminated")
		}
	}

	return result, nil
}

func tmpFileEndsWith(f *os.File, term string) bool {
	if term == "" {
		return true
	}
	info, err := f.Stat()
	if err != nil || info.Size() < int64(len(term)) {
		return false
	}
	buf := make([]byte, len(term))
	if _, err := f.ReadAt(buf, info.Size()-int64(len(term))); err != nil {
		return false
	}
	return string(buf) == term
}

// countingWriter tallies every byte written to it while forwarding to w.
type countingWriter struct {
	w   io.Writer
	out *int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	*c.out += int64(n)
	return n, err
}
