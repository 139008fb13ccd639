// Package registry holds the versioned in-memory ruleset store. Lookups are
// lock-free: each (country, key) cell is a single atomic pointer that writers
// replace wholesale, so a concurrent reader sees either the old or the new
// ruleset, never a hybrid.
package registry

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/davidleathers/card-decision-engine/internal/domain/rules"
)

// Loader fetches a compiled ruleset version from wherever compiled artifacts
// live. The registry never compiles rules itself.
type Loader interface {
	Load(ctx context.Context, country, key string, version int64) (*rules.Ruleset, error)
}

// HotSwapStatus classifies the outcome of a hot-swap attempt.
type HotSwapStatus string

const (
	SwapReplaced   HotSwapStatus = "REPLACED"
	SwapNotFound   HotSwapStatus = "NOT_FOUND"
	SwapStale      HotSwapStatus = "STALE"
	SwapLoadFailed HotSwapStatus = "LOAD_FAILED"
)

// HotSwapResult reports a hot-swap outcome.
type HotSwapResult struct {
	Success    bool          `json:"success"`
	Status     HotSwapStatus `json:"status"`
	OldVersion int64         `json:"old_version,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// cell is the single-reference slot for one (country, key). Writers serialize
// on mu; readers only touch the atomic pointer.
type cell struct {
	mu  sync.Mutex
	ref atomic.Pointer[rules.Ruleset]
}

// Registry is the process-local ruleset store. Cross-replica propagation is
// out of scope; each replica loads its own view.
type Registry struct {
	loader Loader
	logger *zap.Logger

	cells sync.Map // cellKey -> *cell
}

type cellKey struct {
	country string
	key     string
}

// New creates an empty registry. The loader may be nil when rulesets are only
// installed through Register (tests, inline management payloads).
func New(loader Loader, logger *zap.Logger) *Registry {
	return &Registry{
		loader: loader,
		logger: logger,
	}
}

// NormalizeCountry uppercases country codes and maps the literal "global"
// scope (any casing) to its canonical lowercase form. Empty stays empty.
func NormalizeCountry(country string) string {
	trimmed := strings.TrimSpace(country)
	if strings.EqualFold(trimmed, rules.CountryGlobal) {
		return rules.CountryGlobal
	}
	return strings.ToUpper(trimmed)
}

// Get returns the ruleset registered for the exact (country, key), or nil.
func (r *Registry) Get(country, key string) *rules.Ruleset {
	c := r.lookupCell(NormalizeCountry(country), key)
	if c == nil {
		return nil
	}
	return c.ref.Load()
}

// GetWithFallback tries the country scope first and falls back to global.
// When country is empty only the global scope is consulted.
func (r *Registry) GetWithFallback(country, key string) *rules.Ruleset {
	normalized := NormalizeCountry(country)
	if normalized != "" && normalized != rules.CountryGlobal {
		if rs := r.Get(normalized, key); rs != nil {
			return rs
		}
	}
	return r.Get(rules.CountryGlobal, key)
}

// Register validates and installs a ruleset without a monotonicity check.
// Used for first registration and bulk loads; replaces any current version.
func (r *Registry) Register(country string, rs *rules.Ruleset) error {
	if err := rs.Validate(); err != nil {
		return err
	}
	normalized := NormalizeCountry(country)
	if normalized == "" {
		normalized = rules.CountryGlobal
	}
	rs.Country = normalized
	// Precompute the priority order before publication so readers never race
	// on the memoized slice.
	rs.SortedRules()

	c := r.ensureCell(normalized, rs.Key)
	c.mu.Lock()
	c.ref.Store(rs)
	c.mu.Unlock()

	r.logger.Info("ruleset registered",
		zap.String("country", normalized),
		zap.String("ruleset_key", rs.Key),
		zap.Int64("version", rs.Version),
		zap.String("evaluation_type", string(rs.EvaluationType)))
	return nil
}

// LoadAndRegister fetches a version through the loader and installs it
// without a monotonicity check.
func (r *Registry) LoadAndRegister(ctx context.Context, country, key string, version int64) bool {
	if r.loader == nil {
		return false
	}
	rs, err := r.loader.Load(ctx, NormalizeCountry(country), key, version)
	if err != nil || rs == nil {
		r.logger.Error("ruleset load failed",
			zap.String("country", country),
			zap.String("ruleset_key", key),
			zap.Int64("version", version),
			zap.Error(err))
		return false
	}
	if err := r.Register(country, rs); err != nil {
		r.logger.Error("ruleset registration rejected",
			zap.String("ruleset_key", key),
			zap.Error(err))
		return false
	}
	return true
}

// BulkEntry names one ruleset version to load.
type BulkEntry struct {
	Country string `json:"country"`
	Key     string `json:"ruleset_key"`
	Version int64  `json:"version"`
}

// BulkLoad loads each entry with LoadAndRegister semantics and returns how
// many installed. Idempotent: reloading an already-registered version simply
// replaces it with an identical ruleset.
func (r *Registry) BulkLoad(ctx context.Context, entries []BulkEntry) int {
	loaded := 0
	for _, entry := range entries {
		if r.LoadAndRegister(ctx, entry.Country, entry.Key, entry.Version) {
			loaded++
		}
	}
	return loaded
}

// StaticLoader serves a single in-memory ruleset, for management requests
// that carry the compiled artifact inline.
func StaticLoader(rs *rules.Ruleset) Loader {
	return staticLoader{rs: rs}
}

type staticLoader struct {
	rs *rules.Ruleset
}

func (l staticLoader) Load(_ context.Context, _, key string, version int64) (*rules.Ruleset, error) {
	if l.rs == nil || l.rs.Key != key || l.rs.Version != version {
		return nil, nil
	}
	return l.rs, nil
}

// HotSwap atomically replaces the registered ruleset with a strictly newer
// version loaded through the configured loader.
func (r *Registry) HotSwap(ctx context.Context, country, key string, newVersion int64) HotSwapResult {
	return r.HotSwapWith(ctx, country, key, newVersion, r.loader)
}

// HotSwapWith is HotSwap with an explicit loader. Concurrent readers observe
// either the old or the new ruleset.
func (r *Registry) HotSwapWith(ctx context.Context, country, key string, newVersion int64, loader Loader) HotSwapResult {
	normalized := NormalizeCountry(country)
	if normalized == "" {
		normalized = rules.CountryGlobal
	}

	c := r.lookupCell(normalized, key)
	if c == nil || c.ref.Load() == nil {
		return HotSwapResult{
			Status:  SwapNotFound,
			Message: "no ruleset registered for " + normalized + "/" + key,
		}
	}

	current := c.ref.Load()
	if newVersion <= current.Version {
		return HotSwapResult{
			Status:     SwapStale,
			OldVersion: current.Version,
			Message:    "requested version is not newer than the registered version",
		}
	}

	if loader == nil {
		return HotSwapResult{Status: SwapLoadFailed, OldVersion: current.Version, Message: "no loader configured"}
	}
	loaded, err := loader.Load(ctx, normalized, key, newVersion)
	if err != nil {
		r.logger.Error("hot-swap load failed",
			zap.String("country", normalized),
			zap.String("ruleset_key", key),
			zap.Int64("version", newVersion),
			zap.Error(err))
		return HotSwapResult{Status: SwapLoadFailed, OldVersion: current.Version, Message: err.Error()}
	}
	if loaded == nil {
		return HotSwapResult{Status: SwapNotFound, OldVersion: current.Version, Message: "version not found"}
	}
	if err := loaded.Validate(); err != nil {
		return HotSwapResult{Status: SwapLoadFailed, OldVersion: current.Version, Message: err.Error()}
	}
	loaded.Country = normalized
	loaded.SortedRules()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check under the writer lock: another swap may have landed since the
	// version check above.
	current = c.ref.Load()
	if newVersion <= current.Version {
		return HotSwapResult{
			Status:     SwapStale,
			OldVersion: current.Version,
			Message:    "requested version is not newer than the registered version",
		}
	}
	c.ref.Store(loaded)

	r.logger.Info("ruleset hot-swapped",
		zap.String("country", normalized),
		zap.String("ruleset_key", key),
		zap.Int64("old_version", current.Version),
		zap.Int64("new_version", newVersion))

	return HotSwapResult{
		Success:    true,
		Status:     SwapReplaced,
		OldVersion: current.Version,
	}
}

// Entry describes one registered ruleset for the management surface.
type Entry struct {
	Country        string               `json:"country"`
	Key            string               `json:"ruleset_key"`
	Version        int64                `json:"version"`
	EvaluationType rules.EvaluationType `json:"evaluation_type"`
	RuleCount      int                  `json:"rule_count"`
}

// Snapshot lists the registered rulesets at a point in time.
func (r *Registry) Snapshot() []Entry {
	var entries []Entry
	r.cells.Range(func(k, v interface{}) bool {
		ck := k.(cellKey)
		if rs := v.(*cell).ref.Load(); rs != nil {
			entries = append(entries, Entry{
				Country:        ck.country,
				Key:            ck.key,
				Version:        rs.Version,
				EvaluationType: rs.EvaluationType,
				RuleCount:      len(rs.Rules),
			})
		}
		return true
	})
	return entries
}

func (r *Registry) lookupCell(country, key string) *cell {
	v, ok := r.cells.Load(cellKey{country: country, key: key})
	if !ok {
		return nil
	}
	return v.(*cell)
}

func (r *Registry) ensureCell(country, key string) *cell {
	v, _ := r.cells.LoadOrStore(cellKey{country: country, key: key}, &cell{})
	return v.(*cell)
}
