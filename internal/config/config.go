// Package config loads the environment-variable-driven configuration of
// spec.md §6.D, following the teacher's internal/config package: a
// package-level viper singleton, SetDefault per key, SetEnvPrefix plus
// AutomaticEnv for overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/selvadb/selva/internal/logx"
)

var (
	mu sync.RWMutex
	v  *viper.Viper
)

// Keys are the §6.D configuration keys, with their SELVA_-prefixed
// environment variable names (viper upper-cases and prefixes keys
// automatically, these constants exist for documentation and for places
// that must read the env var directly).
const (
	KeyPort                         = "port"
	KeyServerBacklogSize            = "server_backlog_size"
	KeyServerMaxClients             = "server_max_clients"
	KeyFindIndicesMax               = "find_indices_max"
	KeyFindIndicesMaxHintsFind       = "find_indices_max_hints_find"
	KeyFindIndexingThreshold        = "find_indexing_threshold"
	KeyFindIndexingInterval         = "find_indexing_interval"
	KeyFindIndexingICBUpdateInterval = "find_indexing_icb_update_interval"
	KeyFindIndexingPopularityAvePeriod = "find_indexing_popularity_ave_period"
	KeyHierarchyExpectedRespLen     = "hierarchy_expected_resp_len"
	KeyHierarchySortByDepth         = "hierarchy_sort_by_depth"
)

// Initialize sets up the viper configuration singleton. Call once at
// process startup, mirroring the teacher's config.Initialize().
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()

	v = viper.New()
	v.SetEnvPrefix("SELVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyPort, 3000)
	v.SetDefault(KeyServerBacklogSize, 300)
	v.SetDefault(KeyServerMaxClients, 10000)
	v.SetDefault(KeyFindIndicesMax, 100)
	v.SetDefault(KeyFindIndicesMaxHintsFind, 3)
	v.SetDefault(KeyFindIndexingThreshold, 10)
	v.SetDefault(KeyFindIndexingInterval, 5000)
	v.SetDefault(KeyFindIndexingICBUpdateInterval, 1000)
	v.SetDefault(KeyFindIndexingPopularityAvePeriod, 60000)
	v.SetDefault(KeyHierarchyExpectedRespLen, 1000)
	v.SetDefault(KeyHierarchySortByDepth, false)

	// Bare (non-SELVA_) env var fallback, matching the wire names in
	// spec.md §6.D exactly (e.g. "SERVER_BACKLOG_SIZE" without a SELVA_
	// prefix is also honored, the way the original selvad reads env).
	for _, bare := range []string{
		"SELVA_PORT", "SERVER_BACKLOG_SIZE", "SERVER_MAX_CLIENTS",
		"FIND_INDICES_MAX", "FIND_INDICES_MAX_HINTS_FIND",
		"FIND_INDEXING_THRESHOLD", "FIND_INDEXING_INTERVAL",
		"FIND_INDEXING_ICB_UPDATE_INTERVAL", "FIND_INDEXING_POPULARITY_AVE_PERIOD",
		"HIERARCHY_EXPECTED_RESP_LEN", "HIERARCHY_SORT_BY_DEPTH",
	} {
		key := strings.ToLower(strings.TrimPrefix(bare, "SELVA_"))
		_ = v.BindEnv(key, bare)
	}

	return nil
}

func GetInt(key string) int       { mu.RLock(); defer mu.RUnlock(); return v.GetInt(key) }
func GetBool(key string) bool     { mu.RLock(); defer mu.RUnlock(); return v.GetBool(key) }
func GetString(key string) string { mu.RLock(); defer mu.RUnlock(); return v.GetString(key) }

// Set overrides a single key at runtime (the `config` command, §6.B).
func Set(key string, value interface{}) {
	mu.Lock()
	defer mu.Unlock()
	v.Set(key, value)
}

// Dump returns all known keys and their effective values, for the
// `config` admin command.
func Dump() map[string]interface{} {
	mu.RLock()
	defer mu.RUnlock()
	out := map[string]interface{}{}
	for _, k := range v.AllKeys() {
		out[k] = v.Get(k)
	}
	return out
}

// --- Node-type / edge-constraint schema (domain stack) ---

// Schema is the statically declared set of node types and their edge
// field constraints, loaded from a TOML file at startup and used to
// pre-populate the hierarchy's referential-constraint table (§4.F).
type Schema struct {
	NodeType []NodeTypeDecl `toml:"node_type"`
}

type NodeTypeDecl struct {
	Prefix string       `toml:"prefix"` // 2-byte NodeId type prefix
	Edge   []EdgeDecl    `toml:"edge"`
}

type EdgeDecl struct {
	Field         string `toml:"field"`
	Multi         bool   `toml:"multi"`
	Bidirectional bool   `toml:"bidirectional"`
	Dynamic       bool   `toml:"dynamic"`
}

// LoadSchema parses a selva.toml schema file.
func LoadSchema(path string) (*Schema, error) {
	var s Schema
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("config: decode schema %s: %w", path, err)
	}
	return &s, nil
}

// WatchSchema hot-reloads the schema file on change, mirroring the
// teacher's daemon file watcher, and invokes onChange with the freshly
// parsed schema. The returned function stops the watch.
func WatchSchema(path string, onChange func(*Schema)) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					schema, err := LoadSchema(path)
					if err != nil {
						logx.Warnf("config: reload %s failed: %v", path, err)
						continue
					}
					onChange(schema)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logx.Warnf("config: watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// EnvOrDefault reads an environment variable directly, used only before
// Initialize() has run (e.g. the data-dir, schema and log-file flag
// defaults in main()).
func EnvOrDefault(name, def string) string {
	if val := os.Getenv(name); val != "" {
		return val
	}
	return def
}
