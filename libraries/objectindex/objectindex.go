// Package objectindex implements the director-index extract format: a flat
// file of (id, chunkId, subChunkId) triples produced per-worker by a
// DirectorIndexJob and consumed by the master when loading the director
// index table. Rows are delimited text in the same CSV dialects the
// contribution sources use.
package objectindex

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	chunkpkg "github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/resourceurl"
)

// Location is the partitioning placement of one indexed object.
type Location struct {
	ChunkID    int32
	SubChunkID int32
}

// mode tracks which half of the API an Index was opened for.
type mode int

const (
	modeClosed mode = iota
	modeRead
	modeWrite
)

// Index is a frontend to the director-index file. An Index opened with
// Create accepts Write calls and appends CSV rows to a local file; one
// opened with Open reads a "file://" resource fully into memory and serves
// Lookup from it. All methods are safe for concurrent use.
type Index struct {
	mu   sync.Mutex
	mode mode

	writer *csv.Writer
	file   *os.File

	entries map[string]Location
}

// New returns an unopened Index.
func New() *Index {
	return &Index{}
}

// Create opens (appending, never truncating) fileName for writing triples
// using dialect's delimiter. It is a no-op if the index is already open.
func (idx *Index) Create(fileName string, dialect chunkpkg.CSVDialect) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.mode != modeClosed {
		return nil
	}
	if fileName == "" {
		return qerrors.InvalidArgument.New("objectindex: file name is empty")
	}

	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return qerrors.RemoteError.New(fmt.Sprintf("objectindex: failed to open/create index file '%s': %v", fileName, err))
	}

	w := csv.NewWriter(f)
	w.Comma = delimiterRune(dialect.FieldsTerminatedBy)
	w.UseCRLF = dialect.LinesTerminatedBy == "\r\n"

	idx.file = f
	idx.writer = w
	idx.mode = modeWrite
	return nil
}

// Open reads a "file:///<path>" resource fully, parsing it with dialect and
// populating the in-memory lookup map. It is a no-op if the index is
// already open.
func (idx *Index) Open(url string, dialect chunkpkg.CSVDialect) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.mode != modeClosed {
		return nil
	}

	u, err := resourceurl.Parse(url)
	if err != nil {
		return qerrors.InvalidArgument.New(fmt.Sprintf("objectindex: invalid index specification '%s': %v", url, err))
	}
	if u.Scheme() != resourceurl.File {
		return qerrors.InvalidArgument.New(fmt.Sprintf("objectindex: only file:// resources are supported, got '%s'", url))
	}
	host, _ := u.FileHost()
	path, _ := u.FilePath()
	if host != "" {
		return qerrors.InvalidArgument.New(fmt.Sprintf("objectindex: index file path must be absolute and host-less, got '%s'", url))
	}

	f, err := os.Open(path)
	if err != nil {
		return qerrors.RemoteError.New(fmt.Sprintf("objectindex: failed to open index file '%s': %v", path, err))
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.Comma = delimiterRune(dialect.FieldsTerminatedBy)
	r.FieldsPerRecord = -1

	entries := make(map[string]Location)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return qerrors.RemoteError.New(fmt.Sprintf("objectindex: failed reading '%s': %v", path, err))
		}
		if len(rec) < 3 {
			continue
		}
		chunkID, cerr := strconv.ParseInt(rec[1], 10, 32)
		subChunkID, serr := strconv.ParseInt(rec[2], 10, 32)
		if cerr != nil || serr != nil {
			return qerrors.RemoteError.New(fmt.Sprintf("objectindex: malformed row in '%s': %v", path, rec))
		}
		entries[rec[0]] = Location{ChunkID: int32(chunkID), SubChunkID: int32(subChunkID)}
	}

	idx.entries = entries
	idx.mode = modeRead
	return nil
}

// Write appends one (id, chunkId, subChunkId) row. Requires an index opened
// with Create.
func (idx *Index) Write(id string, loc Location) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.mode != modeWrite {
		return qerrors.Bug.New("objectindex: index is not open in write mode")
	}
	if id == "" {
		return qerrors.InvalidArgument.New("objectindex: empty identifier")
	}
	if loc.ChunkID < 0 || loc.SubChunkID < 0 {
		return qerrors.InvalidArgument.New("objectindex: invalid object location")
	}
	if err := idx.writer.Write([]string{id, strconv.Itoa(int(loc.ChunkID)), strconv.Itoa(int(loc.SubChunkID))}); err != nil {
		return qerrors.RemoteError.New(fmt.Sprintf("objectindex: write failed: %v", err))
	}
	idx.writer.Flush()
	return idx.writer.Error()
}

// Lookup returns the partitioning location of id. Requires an index opened
// with Open.
func (idx *Index) Lookup(id string) (Location, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.mode != modeRead {
		return Location{}, qerrors.Bug.New("objectindex: index is not open in read mode")
	}
	if id == "" {
		return Location{}, qerrors.InvalidArgument.New("objectindex: empty identifier")
	}
	loc, ok := idx.entries[id]
	if !ok {
		return Location{}, qerrors.NotFound.New(fmt.Sprintf("objectindex: no such identifier '%s'", id))
	}
	return loc, nil
}

// Triple is one (id, chunkId, subChunkId) row of an opened-for-read Index.
type Triple struct {
	ID string
	Location
}

// All returns every triple loaded by Open, in unspecified order. Requires
// an index opened with Open.
func (idx *Index) All() ([]Triple, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.mode != modeRead {
		return nil, qerrors.Bug.New("objectindex: index is not open in read mode")
	}
	out := make([]Triple, 0, len(idx.entries))
	for id, loc := range idx.entries {
		out = append(out, Triple{ID: id, Location: loc})
	}
	return out, nil
}

// Close releases any open file handle. Idempotent.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.mode == modeClosed {
		return nil
	}
	var err error
	if idx.file != nil {
		idx.writer.Flush()
		err = idx.file.Close()
		idx.file = nil
		idx.writer = nil
	}
	idx.mode = modeClosed
	return err
}

func delimiterRune(sep string) rune {
	if len(strings.TrimSpace(sep)) == 0 || sep == "" {
		return ','
	}
	return []rune(sep)[0]
}
