// Package registry holds the country-partitioned map of installed compiled
// rulesets. Reads are wait-free snapshots; writers publish a complete
// replacement map atomically, so an in-flight evaluation always sees either
// the pre-swap or the post-swap ruleset, never a mix.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/rules"
)

// GlobalCountry is the fallback partition consulted when a country has no
// entry for a key.
const GlobalCountry = "global"

// Hot-swap statuses.
const (
	StatusSwapped      = "SWAPPED"
	StatusNoChange     = "NO_CHANGE"
	StatusLoadFailed   = "LOAD_FAILED"
	StatusIncompatible = "INCOMPATIBLE"
)

// Loader fetches and compiles ruleset artifacts. Implemented by the artifact
// loader; narrowed here so the registry stays storage-agnostic.
type Loader interface {
	LoadCompiled(ctx context.Context, key string, version int) (*rules.Ruleset, error)
	LoadLatest(ctx context.Context, key string) (*rules.Ruleset, error)
}

// HotSwapResult reports the outcome of a swap attempt.
type HotSwapResult struct {
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	OldVersion int    `json:"oldVersion,omitempty"`
	NewVersion int    `json:"newVersion,omitempty"`
}

// Target names one ruleset to install.
type Target struct {
	Country string `json:"country,omitempty"`
	Key     string `json:"key"`
	Version int    `json:"version"`
}

type rulesetMap map[string]map[string]*rules.Ruleset

// Registry is the shared mutable state between the hot-reload writer and the
// request-path readers.
type Registry struct {
	state    atomicMap
	writerMu sync.Mutex // serializes the rare writers
	loader   Loader
	fieldSvc *fields.Service
}

// New creates an empty registry.
func New(loader Loader, fieldSvc *fields.Service) *Registry {
	r := &Registry{loader: loader, fieldSvc: fieldSvc}
	r.state.store(rulesetMap{})
	return r
}

// GetWithFallback resolves (country, key) → country partition first, then
// the global partition, then nil.
func (r *Registry) GetWithFallback(country, key string) *rules.Ruleset {
	m := r.state.load()
	if byKey, ok := m[country]; ok {
		if rs, ok := byKey[key]; ok {
			return rs
		}
	}
	if byKey, ok := m[GlobalCountry]; ok {
		if rs, ok := byKey[key]; ok {
			return rs
		}
	}
	return nil
}

// Get returns the exact entry without fallback.
func (r *Registry) Get(country, key string) *rules.Ruleset {
	m := r.state.load()
	if byKey, ok := m[country]; ok {
		return byKey[key]
	}
	return nil
}

// HotSwap loads (key, version) via the artifact loader, validates field
// registry compatibility, and atomically replaces the entry. Repeating a
// swap to the installed version is a no-op (NO_CHANGE).
func (r *Registry) HotSwap(ctx context.Context, country, key string, version int) HotSwapResult {
	if country == "" {
		country = GlobalCountry
	}

	r.writerMu.Lock()
	defer r.writerMu.Unlock()

	old := r.Get(country, key)
	oldVersion := 0
	if old != nil {
		oldVersion = old.Version
		if old.Version == version {
			return HotSwapResult{Success: true, Status: StatusNoChange,
				Message: fmt.Sprintf("ruleset %s/%s already at version %d", country, key, version),
				OldVersion: oldVersion, NewVersion: version}
		}
	}

	rs, err := r.loader.LoadCompiled(ctx, key, version)
	if err != nil || rs == nil {
		msg := fmt.Sprintf("load ruleset %s v%d failed", key, version)
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		slog.Error("[RulesetRegistry] Hot-swap load failed", "country", country, "key", key, "version", version, "error", err)
		return HotSwapResult{Success: false, Status: StatusLoadFailed, Message: msg, OldVersion: oldVersion}
	}

	if rs.FieldRegistryVersion != nil {
		live := r.fieldSvc.Current().Version
		if *rs.FieldRegistryVersion != live {
			msg := fmt.Sprintf("ruleset %s v%d compiled against field registry v%d, live is v%d",
				key, version, *rs.FieldRegistryVersion, live)
			slog.Error("[RulesetRegistry] Hot-swap incompatible", "country", country, "key", key, "message", msg)
			return HotSwapResult{Success: false, Status: StatusIncompatible, Message: msg, OldVersion: oldVersion}
		}
	}

	r.install(country, key, rs)
	slog.Info("[RulesetRegistry] Swapped ruleset",
		"country", country, "key", key, "old_version", oldVersion, "new_version", rs.Version, "rules", rs.Len())
	return HotSwapResult{Success: true, Status: StatusSwapped,
		Message: fmt.Sprintf("ruleset %s/%s now at version %d", country, key, rs.Version),
		OldVersion: oldVersion, NewVersion: rs.Version}
}

// LoadAndRegister is the convenience form of HotSwap that also covers a
// first install. Returns true when the entry is at the requested version
// afterwards.
func (r *Registry) LoadAndRegister(ctx context.Context, country, key string, version int) bool {
	res := r.HotSwap(ctx, country, key, version)
	return res.Success
}

// BulkLoad installs a list of targets. Failures are logged and do not abort
// the batch; the count of successful installs is returned.
func (r *Registry) BulkLoad(ctx context.Context, targets []Target) int {
	loaded := 0
	for _, t := range targets {
		if r.LoadAndRegister(ctx, t.Country, t.Key, t.Version) {
			loaded++
		} else {
			slog.Warn("[RulesetRegistry] Bulk load entry failed", "country", t.Country, "key", t.Key, "version", t.Version)
		}
	}
	return loaded
}

// install publishes a new immutable map with the entry replaced. Callers
// hold writerMu.
func (r *Registry) install(country, key string, rs *rules.Ruleset) {
	old := r.state.load()
	next := make(rulesetMap, len(old)+1)
	for c, byKey := range old {
		copied := make(map[string]*rules.Ruleset, len(byKey)+1)
		for k, v := range byKey {
			copied[k] = v
		}
		next[c] = copied
	}
	if next[country] == nil {
		next[country] = make(map[string]*rules.Ruleset, 1)
	}
	next[country][key] = rs
	r.state.store(next)
}

// Countries returns the set of countries with at least one entry.
func (r *Registry) Countries() []string {
	m := r.state.load()
	out := make([]string, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	return out
}

// Keys returns the ruleset keys installed for a country.
func (r *Registry) Keys(country string) []string {
	m := r.state.load()
	byKey := m[country]
	out := make([]string, 0, len(byKey))
	for k := range byKey {
		out = append(out, k)
	}
	return out
}

// Size returns the total number of installed rulesets.
func (r *Registry) Size() int {
	n := 0
	for _, byKey := range r.state.load() {
		n += len(byKey)
	}
	return n
}
