// Package catalog implements the CSS-like key-value tree the placement
// layer consumes: slash-separated string keys under
// /DBS/<db>/TABLES/<table>, /PARTITIONING/<id>/..., /NODES/<name>, backed
// by a bbolt embedded store. The method surface is Create/Set/Exists/
// GetMany/GetChildren/GetChildrenValues/DeleteKey, with read-only stores
// rejecting every mutation.
package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// metaVersion is the schema version this reader is baked for. A mismatch
// at /css_meta/version is fatal to the process.
const metaVersion = 1

var bucketName = []byte("css")

// packedSuffix is the node name under which a subtree's children may be
// stored as a single JSON blob instead of individual keys.
const packedSuffix = ".packed.json"

// Store is a CSS-like KV tree client. Safe for concurrent use; bbolt
// itself serializes writers, and Store additionally guards its in-process
// unique-suffix bookkeeping with a mutex.
type Store struct {
	db       *bolt.DB
	readOnly bool

	mu      sync.Mutex
	uniqueN map[string]int // next numeric suffix per key prefix, for Create(unique=true)
}

// Open opens (creating if necessary) a bbolt-backed catalog at path. If
// readOnly, every mutating method fails with qerrors.ReadOnly. Open
// verifies /css_meta/version against metaVersion and fails with
// qerrors.VersionMismatch if the stored value disagrees (the version key
// is created with the current value if the database is new).
func Open(path string, readOnly bool) (*Store, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, qerrors.ConfigurationError.New(fmt.Sprintf("catalog: open %s: %v", path, err))
	}

	s := &Store{db: db, readOnly: readOnly, uniqueN: make(map[string]int)}

	if readOnly {
		if err := s.checkVersion(); err != nil {
			db.Close()
			return nil, err
		}
		return s, nil
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		const versionKey = "/css_meta/version"
		if v := b.Get([]byte(versionKey)); v == nil {
			return b.Put([]byte(versionKey), []byte(strconv.Itoa(metaVersion)))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, qerrors.ConfigurationError.New(fmt.Sprintf("catalog: init %s: %v", path, err))
	}

	if err := s.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkVersion() error {
	const versionKey = "/css_meta/version"
	v, err := s.getRaw(versionKey)
	if err != nil {
		if qerrors.NotFound.Is(err) {
			return nil // brand-new read-only store with nothing written yet
		}
		return err
	}
	n, err := strconv.Atoi(v)
	if err != nil || n != metaVersion {
		return qerrors.VersionMismatch.New(fmt.Sprintf("catalog: expected version %d, found %q", metaVersion, v))
	}
	return nil
}

// Close releases the underlying store.
func (s *Store) Close() error { return s.db.Close() }

func normalizeKey(key string) string {
	return strings.TrimSuffix(key, "/")
}

// Create writes value at key. If unique is true, key is treated as a
// prefix and a sibling "<key>0000000001", "<key>0000000002", ... is created instead,
// whose name is returned; otherwise key itself is created and returned
// verbatim. Create fails with qerrors.ReadOnly against a read-only store.
func (s *Store) Create(key, value string, unique bool) (string, error) {
	if s.readOnly {
		return "", qerrors.ReadOnly.New("catalog: create on read-only store")
	}
	if key == "" {
		return "", qerrors.InvalidArgument.New("catalog: key must not be empty")
	}
	key = normalizeKey(key)

	actualKey := key
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if unique {
			s.mu.Lock()
			n := s.uniqueN[key] + 1
			s.uniqueN[key] = n
			s.mu.Unlock()
			actualKey = fmt.Sprintf("%s%010d", key, n)
		}
		return b.Put([]byte(actualKey), []byte(value))
	})
	if err != nil {
		return "", qerrors.ConfigurationError.New(fmt.Sprintf("catalog: create %s: %v", key, err))
	}
	return actualKey, nil
}

// Set overwrites (or creates) the value at key.
func (s *Store) Set(key, value string) error {
	if s.readOnly {
		return qerrors.ReadOnly.New("catalog: set on read-only store")
	}
	if key == "" {
		return qerrors.InvalidArgument.New("catalog: key must not be empty")
	}
	key = normalizeKey(key)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(value))
	})
}

func (s *Store) getRaw(key string) (string, error) {
	key = normalizeKey(key)
	var out string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			out, found = string(v), true
			return nil
		}
		// Fall back to the packed-JSON blob of the parent directory.
		parent, leaf := splitKey(key)
		if leaf == "" {
			return nil
		}
		if v := b.Get([]byte(parent + "/" + packedSuffix)); v != nil {
			var packed map[string]string
			if err := json.Unmarshal(v, &packed); err == nil {
				if pv, ok := packed[leaf]; ok {
					out, found = pv, true
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", qerrors.ConfigurationError.New(fmt.Sprintf("catalog: read %s: %v", key, err))
	}
	if !found {
		return "", qerrors.NotFound.New(fmt.Sprintf("catalog: no such key '%s'", key))
	}
	return out, nil
}

func splitKey(key string) (parent, leaf string) {
	idx := strings.LastIndexByte(key, '/')
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}

// Exists reports whether key (or, via the packed blob, one of its
// parent's children) is present.
func (s *Store) Exists(key string) bool {
	_, err := s.getRaw(key)
	return err == nil
}

// GetMany returns the values of every key in keys that exists; missing
// keys are silently omitted rather than reported as errors.
func (s *Store) GetMany(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, err := s.getRaw(k); err == nil {
			out[k] = v
		}
	}
	return out
}

// GetChildren returns the immediate child names of key, merging plain
// stored keys with any packed ".packed.json" blob transparently.
func (s *Store) GetChildren(key string) ([]string, error) {
	key = normalizeKey(key)
	prefix := key + "/"

	seen := make(map[string]struct{})
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = c.Next() {
			rest := string(k[len(prefix):])
			if rest == "" {
				continue
			}
			if rest == packedSuffix {
				var packed map[string]string
				if err := json.Unmarshal(v, &packed); err == nil {
					for child := range packed {
						seen[child] = struct{}{}
					}
				}
				continue
			}
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				rest = rest[:idx]
			}
			seen[rest] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, qerrors.ConfigurationError.New(fmt.Sprintf("catalog: children of %s: %v", key, err))
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// GetChildrenValues returns child-name -> value for every immediate child
// of key that itself holds a scalar value (packed-blob entries included).
func (s *Store) GetChildrenValues(key string) (map[string]string, error) {
	children, err := s.GetChildren(key)
	if err != nil {
		return nil, err
	}
	key = normalizeKey(key)
	out := make(map[string]string, len(children))
	for _, c := range children {
		if v, err := s.getRaw(key + "/" + c); err == nil {
			out[c] = v
		}
	}
	return out, nil
}

// DeleteKey removes key and every key nested under it.
func (s *Store) DeleteKey(key string) error {
	if s.readOnly {
		return qerrors.ReadOnly.New("catalog: delete on read-only store")
	}
	key = normalizeKey(key)
	prefix := []byte(key + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
