package workersvc

import (
	"fmt"
	"path/filepath"

	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/objectindex"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// IndexRow is one (id, chunkId, subChunkId) triple served by an Index
// extract, matching the IndexResponse fields of wireproto.Response.
type IndexRow struct {
	ID         string
	ChunkID    int32
	SubChunkID int32
}

// IndexSource answers a director-index extract request for one chunk of
// one table, optionally scoped to a super-transaction. This is the
// server-side counterpart of controller.Controller.Index.
type IndexSource interface {
	Extract(database, directorTable string, chunkID int32, transactionID string) ([]IndexRow, error)
}

// FileIndexSource reads a per-chunk index file off local disk, one file
// per (database, table, chunk[, transaction]) under root, using
// libraries/objectindex's CSV-backed format. It only reads these files;
// the ingest engine does not write them.
type FileIndexSource struct {
	root    string
	dialect chunk.CSVDialect
}

// NewFileIndexSource returns a FileIndexSource rooted at root.
func NewFileIndexSource(root string) *FileIndexSource {
	return &FileIndexSource{root: root, dialect: chunk.DefaultCSVDialect()}
}

func (s *FileIndexSource) path(database, directorTable string, chunkID int32, transactionID string) string {
	name := fmt.Sprintf("%d.idx", chunkID)
	if transactionID != "" {
		name = fmt.Sprintf("%d.%s.idx", chunkID, transactionID)
	}
	return filepath.Join(s.root, database, directorTable, name)
}

// IndexFilePath exposes the same naming convention so a writer can place
// an index file at the exact location this source will later read from.
func (s *FileIndexSource) IndexFilePath(database, directorTable string, chunkID int32, transactionID string) string {
	return s.path(database, directorTable, chunkID, transactionID)
}

func (s *FileIndexSource) Extract(database, directorTable string, chunkID int32, transactionID string) ([]IndexRow, error) {
	p := s.path(database, directorTable, chunkID, transactionID)

	idx := objectindex.New()
	if err := idx.Open("file://"+p, s.dialect); err != nil {
		return nil, qerrors.NotFound.New(fmt.Sprintf("workersvc: no index extract for %s/%s chunk %d: %v", database, directorTable, chunkID, err))
	}
	defer idx.Close()

	triples, err := idx.All()
	if err != nil {
		return nil, err
	}
	out := make([]IndexRow, len(triples))
	for i, t := range triples {
		out[i] = IndexRow{ID: t.ID, ChunkID: t.ChunkID, SubChunkID: t.SubChunkID}
	}
	return out, nil
}
