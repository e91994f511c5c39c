package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/rules"
)

// fakeLoader compiles artifacts from an in-memory table.
type fakeLoader struct {
	mu        sync.Mutex
	artifacts map[string]*rules.RulesetArtifact // key: "key@version"
	latest    map[string]int
	reg       *fields.Registry
	loads     int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		artifacts: map[string]*rules.RulesetArtifact{},
		latest:    map[string]int{},
		reg:       fields.Builtin(),
	}
}

func (f *fakeLoader) put(key string, version int, frv *int) {
	if version > f.latest[key] {
		f.latest[key] = version
	}
	f.artifacts[fmt.Sprintf("%s@%d", key, version)] = &rules.RulesetArtifact{
		Key:                  key,
		Version:              version,
		EvaluationType:       "MONITORING",
		FieldRegistryVersion: frv,
		Rules: []rules.RuleArtifact{
			{ID: 1, Name: "r1", Action: "REVIEW", Priority: 10, Enabled: true,
				Conditions: []rules.Condition{{Field: "amount", Op: fields.OpGT, Value: json.Number("0")}}},
		},
	}
}

func (f *fakeLoader) LoadCompiled(_ context.Context, key string, version int) (*rules.Ruleset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	a, ok := f.artifacts[fmt.Sprintf("%s@%d", key, version)]
	if !ok {
		return nil, fmt.Errorf("artifact %s v%d not found", key, version)
	}
	return rules.CompileRuleset(a, f.reg)
}

func (f *fakeLoader) LoadLatest(ctx context.Context, key string) (*rules.Ruleset, error) {
	f.mu.Lock()
	latest := f.latest[key]
	f.mu.Unlock()
	return f.LoadCompiled(ctx, key, latest)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeLoader) {
	t.Helper()
	loader := newFakeLoader()
	return New(loader, fields.NewService(fields.Builtin())), loader
}

func TestFallbackPrecedence(t *testing.T) {
	r, loader := newTestRegistry(t)
	loader.put("CARD_MONITORING", 1, nil)
	loader.put("CARD_MONITORING", 2, nil)

	require.True(t, r.LoadAndRegister(context.Background(), "global", "CARD_MONITORING", 1))
	require.True(t, r.LoadAndRegister(context.Background(), "US", "CARD_MONITORING", 2))

	// Country partition wins even though global also has the key.
	got := r.GetWithFallback("US", "CARD_MONITORING")
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Version)

	// Unlisted country falls back to global.
	got = r.GetWithFallback("DE", "CARD_MONITORING")
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Version)

	// Unknown key resolves to nil.
	assert.Nil(t, r.GetWithFallback("US", "NO_SUCH_KEY"))
}

func TestCountryPreferredOverNewerGlobal(t *testing.T) {
	r, loader := newTestRegistry(t)
	loader.put("CARD_MONITORING", 1, nil)
	loader.put("CARD_MONITORING", 9, nil)

	require.True(t, r.LoadAndRegister(context.Background(), "US", "CARD_MONITORING", 1))
	require.True(t, r.LoadAndRegister(context.Background(), "global", "CARD_MONITORING", 9))

	// Intentional partitioning: staleness does not flip precedence.
	got := r.GetWithFallback("US", "CARD_MONITORING")
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Version)
}

func TestHotSwapIdempotence(t *testing.T) {
	r, loader := newTestRegistry(t)
	loader.put("CARD_MONITORING", 3, nil)

	first := r.HotSwap(context.Background(), "US", "CARD_MONITORING", 3)
	require.True(t, first.Success)
	assert.Equal(t, StatusSwapped, first.Status)
	assert.Equal(t, 0, first.OldVersion)
	assert.Equal(t, 3, first.NewVersion)

	again := r.HotSwap(context.Background(), "US", "CARD_MONITORING", 3)
	require.True(t, again.Success)
	assert.Equal(t, StatusNoChange, again.Status)

	// NO_CHANGE short-circuits before the loader.
	assert.Equal(t, 1, loader.loads)
}

func TestHotSwapLoadFailedKeepsPrior(t *testing.T) {
	r, loader := newTestRegistry(t)
	loader.put("CARD_MONITORING", 1, nil)
	require.True(t, r.LoadAndRegister(context.Background(), "US", "CARD_MONITORING", 1))

	res := r.HotSwap(context.Background(), "US", "CARD_MONITORING", 99)
	assert.False(t, res.Success)
	assert.Equal(t, StatusLoadFailed, res.Status)
	assert.Equal(t, 1, res.OldVersion)

	kept := r.GetWithFallback("US", "CARD_MONITORING")
	require.NotNil(t, kept)
	assert.Equal(t, 1, kept.Version)
}

func TestHotSwapIncompatibleRegistryVersion(t *testing.T) {
	r, loader := newTestRegistry(t)
	stale := 99
	loader.put("CARD_MONITORING", 2, &stale)

	res := r.HotSwap(context.Background(), "US", "CARD_MONITORING", 2)
	assert.False(t, res.Success)
	assert.Equal(t, StatusIncompatible, res.Status)
	assert.Nil(t, r.GetWithFallback("US", "CARD_MONITORING"))
}

func TestLegacyArtifactWithoutRegistryVersionIsCompatible(t *testing.T) {
	r, loader := newTestRegistry(t)
	loader.put("CARD_MONITORING", 2, nil)

	res := r.HotSwap(context.Background(), "US", "CARD_MONITORING", 2)
	assert.True(t, res.Success)
}

func TestBulkLoadContinuesPastFailures(t *testing.T) {
	r, loader := newTestRegistry(t)
	loader.put("CARD_MONITORING", 1, nil)
	loader.put("ACCOUNT_MONITORING", 1, nil)

	n := r.BulkLoad(context.Background(), []Target{
		{Country: "US", Key: "CARD_MONITORING", Version: 1},
		{Country: "US", Key: "MISSING", Version: 1},
		{Country: "global", Key: "ACCOUNT_MONITORING", Version: 1},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.Size())
}

func TestEnumerations(t *testing.T) {
	r, loader := newTestRegistry(t)
	loader.put("CARD_MONITORING", 1, nil)
	require.True(t, r.LoadAndRegister(context.Background(), "US", "CARD_MONITORING", 1))
	require.True(t, r.LoadAndRegister(context.Background(), "global", "CARD_MONITORING", 1))

	assert.ElementsMatch(t, []string{"US", "global"}, r.Countries())
	assert.ElementsMatch(t, []string{"CARD_MONITORING"}, r.Keys("US"))
	assert.Empty(t, r.Keys("FR"))
	assert.Equal(t, 2, r.Size())
}

func TestConcurrentReadersDuringSwap(t *testing.T) {
	r, loader := newTestRegistry(t)
	for v := 1; v <= 50; v++ {
		loader.put("CARD_MONITORING", v, nil)
	}
	require.True(t, r.LoadAndRegister(context.Background(), "US", "CARD_MONITORING", 1))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rs := r.GetWithFallback("US", "CARD_MONITORING")
				// Readers must always see a complete ruleset.
				require.NotNil(t, rs)
				require.Equal(t, 1, rs.Len())
			}
		}()
	}

	for v := 2; v <= 50; v++ {
		res := r.HotSwap(context.Background(), "US", "CARD_MONITORING", v)
		require.True(t, res.Success)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 50, r.GetWithFallback("US", "CARD_MONITORING").Version)
}
