package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/lsst/qserv-sub021/libraries/catalog"
	"github.com/lsst/qserv-sub021/libraries/chunk"
	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// ContributionCatalog persists an ingest contribution's descriptor,
// following the descriptor's copy-on-write discipline: Request never
// holds its own mutex while calling Put.
type ContributionCatalog interface {
	Put(c chunk.IngestContribution) error
	Get(id uint64) (chunk.IngestContribution, error)
}

// TransactionLookup resolves a super-transaction by id, used by VALIDATE to
// refuse contributions against a transaction that isn't STARTED.
type TransactionLookup interface {
	Transaction(id uint64) (chunk.SuperTransaction, error)
}

// DatabaseLookup resolves a cataloged database by name, used by VALIDATE to
// refuse contributions against a database in an invalid state.
type DatabaseLookup interface {
	Database(name string) (chunk.Database, error)
}

// contributionKey, transactionKey and databaseMetaKey namespace ingest's
// rows under libraries/catalog's shared KV tree, apart from the keys
// libraries/catalog itself writes (its /DBS/<name>/.info.json descriptor
// in replicas.go and its /NODES keys in nodes.go).
func contributionKey(id uint64) string { return fmt.Sprintf("/INGEST/CONTRIBUTIONS/%d", id) }
func transactionKey(id uint64) string  { return fmt.Sprintf("/INGEST/TRANSACTIONS/%d", id) }
func databaseMetaKey(name string) string { return fmt.Sprintf("/DBS/%s/.ingest_meta.json", name) }

// CatalogAdapter implements ContributionCatalog, TransactionLookup, and
// DatabaseLookup against one *catalog.Store, storing each record as a JSON
// blob under its own namespaced key.
type CatalogAdapter struct {
	store *catalog.Store
}

// NewCatalogAdapter wraps store.
func NewCatalogAdapter(store *catalog.Store) *CatalogAdapter {
	return &CatalogAdapter{store: store}
}

func (a *CatalogAdapter) Put(c chunk.IngestContribution) error {
	buf, err := json.Marshal(c)
	if err != nil {
		return qerrors.Bug.New(fmt.Sprintf("ingest: marshal contribution %d: %v", c.ID, err))
	}
	return a.store.Set(contributionKey(c.ID), string(buf))
}

func (a *CatalogAdapter) Get(id uint64) (chunk.IngestContribution, error) {
	var c chunk.IngestContribution
	if !a.store.Exists(contributionKey(id)) {
		return c, qerrors.NotFound.New(fmt.Sprintf("ingest: no such contribution %d", id))
	}
	vals := a.store.GetMany([]string{contributionKey(id)})
	raw, ok := vals[contributionKey(id)]
	if !ok {
		return c, qerrors.NotFound.New(fmt.Sprintf("ingest: no such contribution %d", id))
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, qerrors.Bug.New(fmt.Sprintf("ingest: unmarshal contribution %d: %v", id, err))
	}
	return c, nil
}

// PutTransaction persists a super-transaction row.
func (a *CatalogAdapter) PutTransaction(t chunk.SuperTransaction) error {
	buf, err := json.Marshal(t)
	if err != nil {
		return qerrors.Bug.New(fmt.Sprintf("ingest: marshal transaction %d: %v", t.ID, err))
	}
	return a.store.Set(transactionKey(t.ID), string(buf))
}

func (a *CatalogAdapter) Transaction(id uint64) (chunk.SuperTransaction, error) {
	var t chunk.SuperTransaction
	vals := a.store.GetMany([]string{transactionKey(id)})
	raw, ok := vals[transactionKey(id)]
	if !ok {
		return t, qerrors.NotFound.New(fmt.Sprintf("ingest: no such transaction %d", id))
	}
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return t, qerrors.Bug.New(fmt.Sprintf("ingest: unmarshal transaction %d: %v", id, err))
	}
	return t, nil
}

// PutDatabase persists a database row under ingest's own metadata key,
// independent of the /DBS/<name>/.info.json descriptor libraries/catalog's
// replicas.go manages for the same database name.
func (a *CatalogAdapter) PutDatabase(d chunk.Database) error {
	buf, err := json.Marshal(d)
	if err != nil {
		return qerrors.Bug.New(fmt.Sprintf("ingest: marshal database %s: %v", d.Name, err))
	}
	return a.store.Set(databaseMetaKey(d.Name), string(buf))
}

func (a *CatalogAdapter) Database(name string) (chunk.Database, error) {
	var d chunk.Database
	vals := a.store.GetMany([]string{databaseMetaKey(name)})
	raw, ok := vals[databaseMetaKey(name)]
	if !ok {
		return d, qerrors.NotFound.New(fmt.Sprintf("ingest: no such database '%s'", name))
	}
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return d, qerrors.Bug.New(fmt.Sprintf("ingest: unmarshal database '%s': %v", name, err))
	}
	return d, nil
}
