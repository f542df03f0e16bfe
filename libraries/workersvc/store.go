package workersvc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lsst/qserv-sub021/libraries/fileserver"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
	"github.com/lsst/qserv-sub021/libraries/wireproto"
)

// Store is the worker's local replica state: which chunks of which
// databases this worker currently holds, plus the mutating operations a
// Replicate/Delete request drives. The on-disk file naming underneath a
// Store is opaque to the rest of the module, as long as it
// round-trips through libraries/fileserver — FileStore below is built
// directly on fileserver's own directory layout so one worker process can
// register the same root with both the request server and the file
// server.
type Store interface {
	// DatabaseKnown reports whether database is recognized by this
	// worker, used to reject requests against an unknown database.
	DatabaseKnown(database string) bool
	// HasChunk reports whether database/chunk is held locally, optionally
	// computing a checksum over its file.
	HasChunk(database string, chunkID int32, computeCheckSum bool) (exists bool, checkSum string, err error)
	// ListChunks enumerates every chunk held locally for database.
	ListChunks(database string) ([]wireproto.ReplicaInfo, error)
	// Replicate pulls database/chunk's file from sourceAddr, another
	// worker's file-server endpoint, into local storage.
	Replicate(ctx context.Context, database string, chunkID int32, sourceAddr, sourceInstanceID string) error
	// Delete removes database/chunk's local replica. It is not an error to
	// delete a chunk that isn't held.
	Delete(database string, chunkID int32) error
}

// ChunkFileName is the naming convention FileStore uses under a database
// subdirectory, also used directly by fileserver.Store.Stat/Open so the
// same root serves both protocols.
func ChunkFileName(chunkID int32) string {
	return fmt.Sprintf("%d.chunk", chunkID)
}

// FileStore is a Store rooted at one local directory, one subdirectory per
// database, one opaque file per chunk, named per ChunkFileName. It does
// not implement fileserver.Store itself; a worker process serves the same
// root through libraries/fileserver.DirStore (see Root).
type FileStore struct {
	root string

	mu        sync.Mutex
	databases map[string]bool

	fetch *fileserver.Client
}

// NewFileStore returns a FileStore rooted at root (created if missing),
// recognizing exactly the named databases. fetchDialTimeout bounds dialing
// a source worker's file server during Replicate (zero means no explicit
// timeout beyond the caller's context deadline).
func NewFileStore(root string, databases []string, fetchDialTimeout time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, qerrors.ConfigurationError.New(fmt.Sprintf("workersvc: create data dir %s: %v", root, err))
	}
	dbs := make(map[string]bool, len(databases))
	for _, d := range databases {
		dbs[d] = true
	}
	return &FileStore{root: root, databases: dbs, fetch: fileserver.NewClient(fetchDialTimeout)}, nil
}

// Root returns the directory this FileStore is rooted at, so a worker
// process can register the identical path with libraries/fileserver.DirStore
// for the separate file-streaming endpoint.
func (s *FileStore) Root() string { return s.root }

func (s *FileStore) DatabaseKnown(database string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.databases[database]
}

// AddDatabase registers database as known, used when a worker is asked to
// create/enable a database via the SQL-family request surface.
func (s *FileStore) AddDatabase(database string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[database] = true
}

func (s *FileStore) dbDir(database string) (string, error) {
	if strings.ContainsAny(database, "/\\") {
		return "", qerrors.InvalidArgument.New("workersvc: invalid database name")
	}
	return filepath.Join(s.root, database), nil
}

func (s *FileStore) chunkPath(database string, chunkID int32) (string, error) {
	dir, err := s.dbDir(database)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ChunkFileName(chunkID)), nil
}

func (s *FileStore) HasChunk(database string, chunkID int32, computeCheckSum bool) (bool, string, error) {
	p, err := s.chunkPath(database, chunkID)
	if err != nil {
		return false, "", err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return false, "", nil
	}
	if err != nil {
		return false, "", qerrors.RemoteError.New(fmt.Sprintf("workersvc: stat %s: %v", p, err))
	}
	_ = info
	if !computeCheckSum {
		return true, "", nil
	}
	sum, err := checksumFile(p)
	if err != nil {
		return false, "", err
	}
	return true, sum, nil
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", qerrors.RemoteError.New(fmt.Sprintf("workersvc: open %s: %v", path, err))
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", qerrors.RemoteError.New(fmt.Sprintf("workersvc: checksum %s: %v", path, err))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *FileStore) ListChunks(database string) ([]wireproto.ReplicaInfo, error) {
	dir, err := s.dbDir(database)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, qerrors.RemoteError.New(fmt.Sprintf("workersvc: list %s: %v", dir, err))
	}

	var out []wireproto.ReplicaInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, ok := parseChunkFileName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, wireproto.ReplicaInfo{Chunk: n, FileSizes: []int64{info.Size()}})
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Chunk < out[k].Chunk })
	return out, nil
}

func parseChunkFileName(name string) (int32, bool) {
	if !strings.HasSuffix(name, ".chunk") {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSuffix(name, ".chunk"), 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(n), true
}

func (s *FileStore) Replicate(ctx context.Context, database string, chunkID int32, sourceAddr, sourceInstanceID string) error {
	dir, err := s.dbDir(database)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return qerrors.RemoteError.New(fmt.Sprintf("workersvc: mkdir %s: %v", dir, err))
	}
	p, err := s.chunkPath(database, chunkID)
	if err != nil {
		return err
	}

	tmp := p + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return qerrors.RemoteError.New(fmt.Sprintf("workersvc: create %s: %v", tmp, err))
	}

	resp, err := s.fetch.Fetch(ctx, sourceAddr, database, ChunkFileName(chunkID), sourceInstanceID, true, f)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if closeErr != nil {
		os.Remove(tmp)
		return qerrors.RemoteError.New(fmt.Sprintf("workersvc: close %s: %v", tmp, closeErr))
	}
	if !resp.Available {
		os.Remove(tmp)
		return qerrors.NotFound.New(fmt.Sprintf("workersvc: source %s has no replica of %s/%d", sourceAddr, database, chunkID))
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return qerrors.RemoteError.New(fmt.Sprintf("workersvc: rename %s: %v", tmp, err))
	}
	return nil
}

func (s *FileStore) Delete(database string, chunkID int32) error {
	p, err := s.chunkPath(database, chunkID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return qerrors.RemoteError.New(fmt.Sprintf("workersvc: delete %s: %v", p, err))
	}
	return nil
}
