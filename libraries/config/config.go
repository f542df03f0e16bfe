// Package config implements the layered configuration reader processes use
// to resolve their serviceProvider configuration URL and other deployment
// settings: ReadableConfig typed getters over a flat map (MapConfig),
// a ConfigHierarchy fallback chain, and a FileConfig persisted as a TOML
// document via github.com/BurntSushi/toml.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/lsst/qserv-sub021/libraries/qerrors"
)

// ErrKeyNotFound is returned by a ReadableConfig's typed getters when key
// is absent.
var ErrKeyNotFound = errors.New("config: key not found")

// ReadableConfig is a read-only typed view over a set of string-valued
// properties.
type ReadableConfig interface {
	GetString(key string) (string, error)
	GetStringOrDefault(key, def string) string
	GetInt(key string) (int, error)
	GetIntOrDefault(key string, def int) int
	// Iter calls f for every (key, value) pair, stopping early if f
	// returns true.
	Iter(f func(key, value string) bool)
}

// MapConfig is a ReadableConfig backed directly by an in-memory map.
type MapConfig map[string]string

func (m MapConfig) GetString(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (m MapConfig) GetStringOrDefault(key, def string) string {
	if v, err := m.GetString(key); err == nil {
		return v
	}
	return def
}

func (m MapConfig) GetInt(key string) (int, error) {
	v, err := m.GetString(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "config: key %q is not an integer", key)
	}
	return n, nil
}

func (m MapConfig) GetIntOrDefault(key string, def int) int {
	if n, err := m.GetInt(key); err == nil {
		return n
	}
	return def
}

func (m MapConfig) Iter(f func(key, value string) bool) {
	for k, v := range m {
		if f(k, v) {
			return
		}
	}
}

// FileConfig is a MapConfig persisted as a TOML document on disk.
type FileConfig struct {
	path string
	MapConfig
}

// NewFileConfig creates (or overwrites) path with the given initial
// properties.
func NewFileConfig(path string, initial map[string]string) (*FileConfig, error) {
	m := make(MapConfig, len(initial))
	for k, v := range initial {
		m[k] = v
	}
	cfg := &FileConfig{path: path, MapConfig: m}
	if err := cfg.write(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads an existing TOML config file.
func FromFile(path string) (*FileConfig, error) {
	raw := map[string]string{}
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, qerrors.ConfigurationError.New(errors.Wrapf(err, "config: read %s", path).Error())
	}
	return &FileConfig{path: path, MapConfig: MapConfig(raw)}, nil
}

// SetStrings merges params into the config and persists it.
func (c *FileConfig) SetStrings(params map[string]string) error {
	for k, v := range params {
		c.MapConfig[k] = v
	}
	return c.write()
}

// Unset removes keys and persists the result.
func (c *FileConfig) Unset(keys []string) error {
	for _, k := range keys {
		delete(c.MapConfig, k)
	}
	return c.write()
}

func (c *FileConfig) write() error {
	f, err := os.Create(c.path)
	if err != nil {
		return qerrors.ConfigurationError.New(errors.Wrapf(err, "config: write %s", c.path).Error())
	}
	defer f.Close()
	enc := toml.NewEncoder(f)
	if err := enc.Encode(map[string]string(c.MapConfig)); err != nil {
		return qerrors.ConfigurationError.New(errors.Wrapf(err, "config: encode %s", c.path).Error())
	}
	return nil
}

// ConfigHierarchy answers GetString/GetInt from the first config in the
// chain that has the key, falling through the rest — flags override a
// persisted file config, which overrides built-in defaults.
type ConfigHierarchy struct {
	configs []ReadableConfig
}

// NewConfigHierarchy returns a ConfigHierarchy consulting configs in order,
// first match wins.
func NewConfigHierarchy(configs ...ReadableConfig) *ConfigHierarchy {
	return &ConfigHierarchy{configs: configs}
}

func (h *ConfigHierarchy) GetString(key string) (string, error) {
	for _, c := range h.configs {
		if v, err := c.GetString(key); err == nil {
			return v, nil
		}
	}
	return "", ErrKeyNotFound
}

func (h *ConfigHierarchy) GetStringOrDefault(key, def string) string {
	if v, err := h.GetString(key); err == nil {
		return v
	}
	return def
}

func (h *ConfigHierarchy) GetInt(key string) (int, error) {
	v, err := h.GetString(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "config: key %q is not an integer", key)
	}
	return n, nil
}

func (h *ConfigHierarchy) GetIntOrDefault(key string, def int) int {
	if n, err := h.GetInt(key); err == nil {
		return n
	}
	return def
}

func (h *ConfigHierarchy) Iter(f func(key, value string) bool) {
	seen := map[string]bool{}
	for _, c := range h.configs {
		stop := false
		c.Iter(func(k, v string) bool {
			if seen[k] {
				return false
			}
			seen[k] = true
			stop = f(k, v)
			return stop
		})
		if stop {
			return
		}
	}
}

// ResolveServiceProvider loads the serviceProvider configuration named by
// url, a scheme-prefixed string (e.g. the default
// "file:replication.cfg"). Only the "file" scheme is implemented; any
// other scheme is a configuration error. A "file" URL naming a path that
// does not exist yet resolves to an empty config rather than an error — a
// fresh deployment has no persisted properties yet.
func ResolveServiceProvider(url string) (ReadableConfig, error) {
	scheme, rest, ok := strings.Cut(url, ":")
	if !ok || scheme != "file" {
		return nil, qerrors.ConfigurationError.New(fmt.Sprintf("unsupported serviceProvider scheme in %q", url))
	}
	if _, err := os.Stat(rest); os.IsNotExist(err) {
		return MapConfig{}, nil
	}
	return FromFile(rest)
}
