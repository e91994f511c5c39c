package reload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardsentry/monitoring/internal/artifact"
	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/registry"
	"github.com/cardsentry/monitoring/internal/rules"
)

type fakeSource struct {
	regManifest      *artifact.Manifest
	regManifestErr   error
	registries       map[int]*fields.Registry
	rulesetManifests map[string]*artifact.Manifest
	rulesetErrs      map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		registries:       map[int]*fields.Registry{},
		rulesetManifests: map[string]*artifact.Manifest{},
		rulesetErrs:      map[string]error{},
	}
}

func (f *fakeSource) LoadRegistryManifest(context.Context) (*artifact.Manifest, error) {
	return f.regManifest, f.regManifestErr
}

func (f *fakeSource) LoadRulesetManifest(_ context.Context, key string) (*artifact.Manifest, error) {
	if err := f.rulesetErrs[key]; err != nil {
		return nil, err
	}
	return f.rulesetManifests[key], nil
}

func (f *fakeSource) LoadFieldRegistry(_ context.Context, version int) (*fields.Registry, error) {
	reg, ok := f.registries[version]
	if !ok {
		return nil, fmt.Errorf("field registry v%d not found", version)
	}
	return reg, nil
}

// compileLoader serves compiled rulesets to the ruleset registry.
type compileLoader struct {
	artifacts map[string]*rules.RulesetArtifact // "key@version"
	fieldSvc  *fields.Service
}

func (l *compileLoader) put(key string, version int, frv *int) {
	l.artifacts[fmt.Sprintf("%s@%d", key, version)] = &rules.RulesetArtifact{
		Key: key, Version: version, EvaluationType: "MONITORING",
		FieldRegistryVersion: frv,
		Rules: []rules.RuleArtifact{
			{ID: 1, Name: "r1", Action: "REVIEW", Priority: 10, Enabled: true,
				Conditions: []rules.Condition{{Field: "amount", Op: fields.OpGT, Value: json.Number("0")}}},
		},
	}
}

func (l *compileLoader) LoadCompiled(_ context.Context, key string, version int) (*rules.Ruleset, error) {
	a, ok := l.artifacts[fmt.Sprintf("%s@%d", key, version)]
	if !ok {
		return nil, fmt.Errorf("artifact %s v%d not found", key, version)
	}
	return rules.CompileRuleset(a, l.fieldSvc.Current())
}

func (l *compileLoader) LoadLatest(ctx context.Context, key string) (*rules.Ruleset, error) {
	return nil, errors.New("not used")
}

func registryAtVersion(t *testing.T, version int) *fields.Registry {
	t.Helper()
	reg, err := fields.NewRegistry(version, fields.Builtin().Definitions())
	require.NoError(t, err)
	return reg
}

type fixture struct {
	source   *fakeSource
	loader   *compileLoader
	fieldSvc *fields.Service
	registry *registry.Registry
	coord    *Coordinator
}

func newFixture(t *testing.T, required ...string) *fixture {
	t.Helper()
	source := newFakeSource()
	fieldSvc := fields.NewService(fields.Builtin())
	loader := &compileLoader{artifacts: map[string]*rules.RulesetArtifact{}, fieldSvc: fieldSvc}
	reg := registry.New(loader, fieldSvc)
	coord := New(source, reg, fieldSvc, Config{RequiredRulesetKeys: required}, nil)
	return &fixture{source: source, loader: loader, fieldSvc: fieldSvc, registry: reg, coord: coord}
}

func TestBootstrapInstallsCoherentState(t *testing.T) {
	f := newFixture(t, "CARD_MONITORING", "ACCOUNT_MONITORING")
	f.source.regManifest = &artifact.Manifest{Version: 2}
	f.source.registries[2] = registryAtVersion(t, 2)
	frv := 2
	f.source.rulesetManifests["CARD_MONITORING"] = &artifact.Manifest{Version: 5, FieldRegistryVersion: &frv}
	f.source.rulesetManifests["ACCOUNT_MONITORING"] = &artifact.Manifest{Version: 1, FieldRegistryVersion: &frv}
	f.loader.put("CARD_MONITORING", 5, &frv)
	f.loader.put("ACCOUNT_MONITORING", 1, &frv)

	require.NoError(t, f.coord.Bootstrap(context.Background()))

	assert.Equal(t, 2, f.fieldSvc.Current().Version)
	assert.Equal(t, 2, f.registry.Size())
	got := f.registry.GetWithFallback("US", "CARD_MONITORING")
	require.NotNil(t, got)
	assert.Equal(t, 5, got.Version)

	// Bootstrap seeds last_known, so the next cycle is a no-op.
	assert.Equal(t, ResultNoop, f.coord.Cycle(context.Background()))
}

func TestBootstrapFailsWithoutRegistryManifest(t *testing.T) {
	f := newFixture(t, "CARD_MONITORING")
	err := f.coord.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field registry manifest")
}

func TestBootstrapFailsWithoutRequiredRulesetManifest(t *testing.T) {
	f := newFixture(t, "CARD_MONITORING")
	f.source.regManifest = &artifact.Manifest{Version: 1}
	f.source.registries[1] = registryAtVersion(t, 1)

	err := f.coord.Bootstrap(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CARD_MONITORING")
}

func bootstrappedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t, "CARD_MONITORING")
	f.source.regManifest = &artifact.Manifest{Version: 1}
	f.source.registries[1] = registryAtVersion(t, 1)
	f.source.rulesetManifests["CARD_MONITORING"] = &artifact.Manifest{Version: 1}
	f.loader.put("CARD_MONITORING", 1, nil)
	require.NoError(t, f.coord.Bootstrap(context.Background()))
	return f
}

func TestCycleSkippedWhenManifestUnavailable(t *testing.T) {
	f := bootstrappedFixture(t)
	f.source.regManifestErr = errors.New("connection refused")
	f.source.regManifest = nil

	assert.Equal(t, ResultSkipped, f.coord.Cycle(context.Background()))
	// State untouched.
	assert.Equal(t, 1, f.fieldSvc.Current().Version)
}

func TestCycleIncompatibleRulesetAbortsReload(t *testing.T) {
	f := bootstrappedFixture(t)
	f.source.regManifest = &artifact.Manifest{Version: 2}
	f.source.registries[2] = registryAtVersion(t, 2)
	stale := 1
	f.source.rulesetManifests["CARD_MONITORING"] = &artifact.Manifest{Version: 2, FieldRegistryVersion: &stale}

	assert.Equal(t, ResultIncompatible, f.coord.Cycle(context.Background()))

	// Nothing moved: no partial installation.
	assert.Equal(t, 1, f.fieldSvc.Current().Version)
	assert.Equal(t, 1, f.registry.GetWithFallback("US", "CARD_MONITORING").Version)

	// The abort did not advance last_known; the next cycle retries.
	assert.Equal(t, ResultIncompatible, f.coord.Cycle(context.Background()))
}

func TestCycleCoordinatedSwap(t *testing.T) {
	f := bootstrappedFixture(t)
	f.source.regManifest = &artifact.Manifest{Version: 2}
	f.source.registries[2] = registryAtVersion(t, 2)
	frv := 2
	f.source.rulesetManifests["CARD_MONITORING"] = &artifact.Manifest{Version: 2, FieldRegistryVersion: &frv}
	f.loader.put("CARD_MONITORING", 2, &frv)

	assert.Equal(t, ResultSwapped, f.coord.Cycle(context.Background()))

	assert.Equal(t, 2, f.fieldSvc.Current().Version)
	assert.Equal(t, 2, f.registry.GetWithFallback("US", "CARD_MONITORING").Version)

	assert.Equal(t, ResultNoop, f.coord.Cycle(context.Background()))
}

func TestCycleManifestWithoutDeclaredVersionWarnsAndProceeds(t *testing.T) {
	f := bootstrappedFixture(t)
	f.source.regManifest = &artifact.Manifest{Version: 2}
	f.source.registries[2] = registryAtVersion(t, 2)
	// Same ruleset version, no declared field registry version.
	f.source.rulesetManifests["CARD_MONITORING"] = &artifact.Manifest{Version: 1}

	assert.Equal(t, ResultSwapped, f.coord.Cycle(context.Background()))
	assert.Equal(t, 2, f.fieldSvc.Current().Version)
	// Ruleset not newer, left as installed.
	assert.Equal(t, 1, f.registry.GetWithFallback("US", "CARD_MONITORING").Version)
}

func TestCycleLoadFailureLeavesStateAndRetries(t *testing.T) {
	f := bootstrappedFixture(t)
	f.source.regManifest = &artifact.Manifest{Version: 3}
	// v3 registry artifact never published.
	frv := 3
	f.source.rulesetManifests["CARD_MONITORING"] = &artifact.Manifest{Version: 1, FieldRegistryVersion: &frv}

	assert.Equal(t, ResultFailed, f.coord.Cycle(context.Background()))
	assert.Equal(t, 1, f.fieldSvc.Current().Version)
}
