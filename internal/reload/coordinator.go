// Package reload runs the background loop that keeps the field registry and
// installed rulesets in step with the artifacts published in object storage.
// Reload is all-or-nothing per cycle: any failure leaves the previous
// coherent state in place and the next tick retries from scratch.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cardsentry/monitoring/internal/artifact"
	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/metrics"
	"github.com/cardsentry/monitoring/internal/registry"
)

// Cycle results, also used as the reload metric label.
const (
	ResultNoop         = "noop"
	ResultSwapped      = "swapped"
	ResultSkipped      = "skipped"
	ResultFailed       = "failed"
	ResultIncompatible = "incompatible"
)

// Source is the artifact surface the coordinator consumes. Implemented by
// artifact.Loader.
type Source interface {
	LoadRegistryManifest(ctx context.Context) (*artifact.Manifest, error)
	LoadRulesetManifest(ctx context.Context, key string) (*artifact.Manifest, error)
	LoadFieldRegistry(ctx context.Context, version int) (*fields.Registry, error)
}

// Config tunes the reload loop.
type Config struct {
	PollInterval time.Duration
	// RequiredRulesetKeys must have published manifests for startup to
	// succeed. Installed under the global partition at bootstrap.
	RequiredRulesetKeys []string
}

// Coordinator is the single writer behind the registry and field-service
// swaps. One instance per process.
type Coordinator struct {
	source    Source
	registry  *registry.Registry
	fieldSvc  *fields.Service
	metrics   *metrics.Metrics
	cfg       Config
	lastKnown int
}

// New builds a coordinator. metrics may be nil in tests.
func New(source Source, reg *registry.Registry, fieldSvc *fields.Service, cfg Config, m *metrics.Metrics) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Coordinator{source: source, registry: reg, fieldSvc: fieldSvc, metrics: m, cfg: cfg}
}

// Bootstrap validates that storage holds a coherent artifact set and installs
// it. Fail-fast: a process that starts guarantees a working registry/ruleset
// pair, so any missing manifest aborts startup.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	regManifest, err := c.source.LoadRegistryManifest(ctx)
	if err != nil {
		return fmt.Errorf("startup validation: field registry manifest unavailable: %w", err)
	}
	if regManifest == nil {
		return fmt.Errorf("startup validation: field registry manifest not published")
	}

	targets := make([]registry.Target, 0, len(c.cfg.RequiredRulesetKeys))
	for _, key := range c.cfg.RequiredRulesetKeys {
		m, err := c.source.LoadRulesetManifest(ctx, key)
		if err != nil {
			return fmt.Errorf("startup validation: ruleset %s manifest unavailable: %w", key, err)
		}
		if m == nil {
			return fmt.Errorf("startup validation: required ruleset %s has no published manifest", key)
		}
		targets = append(targets, registry.Target{Country: registry.GlobalCountry, Key: key, Version: m.Version})
	}

	newReg, err := c.source.LoadFieldRegistry(ctx, regManifest.Version)
	if err != nil {
		return fmt.Errorf("startup: load field registry v%d: %w", regManifest.Version, err)
	}
	c.fieldSvc.Swap(newReg)

	if loaded := c.registry.BulkLoad(ctx, targets); loaded != len(targets) {
		return fmt.Errorf("startup: only %d of %d required rulesets installed", loaded, len(targets))
	}

	c.lastKnown = regManifest.Version
	slog.Info("[HotReload] Bootstrap complete",
		"field_registry_version", regManifest.Version, "rulesets", len(targets))
	return nil
}

// Run polls until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	slog.Info("[HotReload] Loop started", "interval", c.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[HotReload] Loop stopped")
			return
		case <-ticker.C:
			c.observe(c.Cycle(ctx))
		}
	}
}

// Cycle runs one reload pass and returns its result label.
func (c *Coordinator) Cycle(ctx context.Context) string {
	regManifest, err := c.source.LoadRegistryManifest(ctx)
	if err != nil || regManifest == nil {
		slog.Warn("[HotReload] Registry manifest unavailable, keeping current state", "error", err)
		return ResultSkipped
	}
	if regManifest.Version == c.lastKnown {
		return ResultNoop
	}

	slog.Info("[HotReload] New field registry version detected",
		"current", c.lastKnown, "new", regManifest.Version)

	installed := c.installedTargets()
	manifests := make(map[string]*artifact.Manifest, len(installed))
	for _, t := range installed {
		if _, done := manifests[t.Key]; done {
			continue
		}
		m, err := c.source.LoadRulesetManifest(ctx, t.Key)
		if err != nil {
			slog.Error("[HotReload] HOT_RELOAD_FAILED: ruleset manifest unavailable mid-cycle",
				"key", t.Key, "error", err)
			return ResultFailed
		}
		manifests[t.Key] = m
		if m == nil || m.FieldRegistryVersion == nil {
			slog.Warn("[HotReload] Ruleset manifest declares no field registry version, skipping compatibility check",
				"key", t.Key)
			continue
		}
		if *m.FieldRegistryVersion != regManifest.Version {
			slog.Error("[HotReload] VERSION_MISMATCH: ruleset incompatible with new field registry, aborting reload",
				"key", t.Key, "declared", *m.FieldRegistryVersion, "new", regManifest.Version)
			return ResultIncompatible
		}
	}

	newReg, err := c.source.LoadFieldRegistry(ctx, regManifest.Version)
	if err != nil {
		slog.Error("[HotReload] HOT_RELOAD_FAILED: field registry load failed",
			"version", regManifest.Version, "error", err)
		return ResultFailed
	}
	c.fieldSvc.Swap(newReg)

	for _, t := range installed {
		m := manifests[t.Key]
		if m == nil || m.Version <= t.Version {
			continue
		}
		res := c.registry.HotSwap(ctx, t.Country, t.Key, m.Version)
		if !res.Success {
			slog.Error("[HotReload] HOT_RELOAD_FAILED: ruleset swap failed",
				"country", t.Country, "key", t.Key, "version", m.Version, "status", res.Status)
			return ResultFailed
		}
	}

	c.lastKnown = regManifest.Version
	if c.metrics != nil {
		c.metrics.RegistrySize.Set(float64(c.registry.Size()))
	}
	slog.Info("[HotReload] Reload complete", "field_registry_version", regManifest.Version)
	return ResultSwapped
}

// installedTargets snapshots the registry contents as (country, key,
// installed version) triples.
func (c *Coordinator) installedTargets() []registry.Target {
	var out []registry.Target
	for _, country := range c.registry.Countries() {
		for _, key := range c.registry.Keys(country) {
			rs := c.registry.Get(country, key)
			if rs == nil {
				continue
			}
			out = append(out, registry.Target{Country: country, Key: key, Version: rs.Version})
		}
	}
	return out
}

func (c *Coordinator) observe(result string) {
	if c.metrics != nil {
		c.metrics.ReloadCycles.WithLabelValues(result).Inc()
	}
}
