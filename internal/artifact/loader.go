package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/metrics"
	"github.com/cardsentry/monitoring/internal/rules"
)

// Manifest points at the latest published version of an artifact and carries
// the checksum it must hash to.
type Manifest struct {
	Version              int    `json:"version"`
	Checksum             string `json:"checksum"`
	ArtifactURI          string `json:"artifact_uri,omitempty"`
	FieldRegistryVersion *int   `json:"field_registry_version,omitempty"`
	CreatedAt            string `json:"created_at,omitempty"`
	CreatedBy            string `json:"created_by,omitempty"`
}

// FieldRegistryArtifact is the JSON shape of a published field registry.
type FieldRegistryArtifact struct {
	Version   int                 `json:"version"`
	CreatedAt string              `json:"created_at,omitempty"`
	CreatedBy string              `json:"created_by,omitempty"`
	Fields    []fields.Definition `json:"fields"`
}

// Loader fetches artifacts from a BlobStore, verifies checksums, and compiles
// rulesets against the live field registry. It implements registry.Loader.
type Loader struct {
	store    BlobStore
	env      string
	fieldSvc *fields.Service
	metrics  *metrics.Metrics
}

// NewLoader builds a loader. env selects the rulesets/{env}/ prefix.
func NewLoader(store BlobStore, env string, fieldSvc *fields.Service, m *metrics.Metrics) *Loader {
	if env == "" {
		env = "prod"
	}
	return &Loader{store: store, env: env, fieldSvc: fieldSvc, metrics: m}
}

const registryManifestKey = "fields/registry/manifest.json"

func registryVersionKey(version int) string {
	return fmt.Sprintf("fields/registry/v%d/fields.json", version)
}

func (l *Loader) rulesetManifestKey(key string) string {
	return fmt.Sprintf("rulesets/%s/%s/manifest.json", l.env, key)
}

func (l *Loader) rulesetVersionKey(key string, version int) string {
	return fmt.Sprintf("rulesets/%s/%s/v%d/ruleset.json", l.env, key, version)
}

// getWithRetry fetches a blob with fibonacci backoff. Not-found is terminal;
// transport failures retry.
func (l *Loader) getWithRetry(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	b := retry.NewFibonacci(200 * time.Millisecond)
	err := retry.Do(ctx, retry.WithMaxRetries(3, b), func(ctx context.Context) error {
		var err error
		data, err = l.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// LoadRulesetManifest fetches the manifest for a ruleset key. A missing
// manifest returns (nil, nil): no artifact has been published yet. Transport
// failures return an error so callers can distinguish "unknown" from "none".
func (l *Loader) LoadRulesetManifest(ctx context.Context, key string) (*Manifest, error) {
	data, err := l.getWithRetry(ctx, l.rulesetManifestKey(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		slog.Warn("[ArtifactLoader] Manifest fetch failed", "key", key, "error", err)
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest for %s: %w", key, err)
	}
	return &m, nil
}

// LoadCompiled fetches and compiles ruleset (key, version). When the manifest
// covers the requested version its checksum is enforced; a mismatched
// artifact is rejected and never reaches the registry. Older versions have no
// published checksum and load with a warning.
func (l *Loader) LoadCompiled(ctx context.Context, key string, version int) (*rules.Ruleset, error) {
	manifest, err := l.LoadRulesetManifest(ctx, key)
	if err != nil {
		return nil, err
	}

	data, err := l.getWithRetry(ctx, l.rulesetVersionKey(key, version))
	if err != nil {
		return nil, fmt.Errorf("fetch ruleset %s v%d: %w", key, version, err)
	}

	if manifest != nil && manifest.Version == version && manifest.Checksum != "" {
		if err := verifyChecksum(data, manifest.Checksum); err != nil {
			if l.metrics != nil {
				l.metrics.ChecksumMismatch.Inc()
			}
			slog.Error("[ArtifactLoader] Checksum mismatch, artifact rejected",
				"key", key, "version", version, "error", err)
			return nil, fmt.Errorf("ruleset %s v%d: %w", key, version, err)
		}
	} else if manifest == nil || manifest.Version != version {
		slog.Warn("[ArtifactLoader] No checksum coverage for requested version",
			"key", key, "version", version)
	}

	var a rules.RulesetArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse ruleset %s v%d: %w", key, version, err)
	}
	if a.Version != 0 && a.Version != version {
		return nil, fmt.Errorf("ruleset %s: artifact says v%d, requested v%d", key, a.Version, version)
	}
	a.Version = version
	if a.Key == "" {
		a.Key = key
	}
	return rules.CompileRuleset(&a, l.fieldSvc.Current())
}

// LoadLatest resolves the manifest and loads the version it names.
func (l *Loader) LoadLatest(ctx context.Context, key string) (*rules.Ruleset, error) {
	manifest, err := l.LoadRulesetManifest(ctx, key)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, fmt.Errorf("ruleset %s: %w", key, ErrNotFound)
	}
	return l.LoadCompiled(ctx, key, manifest.Version)
}

// LoadRegistryManifest fetches the field-registry manifest. Missing returns
// (nil, nil), same contract as LoadRulesetManifest.
func (l *Loader) LoadRegistryManifest(ctx context.Context) (*Manifest, error) {
	data, err := l.getWithRetry(ctx, registryManifestKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		slog.Warn("[ArtifactLoader] Registry manifest fetch failed", "error", err)
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse registry manifest: %w", err)
	}
	return &m, nil
}

// LoadFieldRegistry fetches and builds the field registry at a version,
// verifying the manifest checksum when it covers that version.
func (l *Loader) LoadFieldRegistry(ctx context.Context, version int) (*fields.Registry, error) {
	manifest, err := l.LoadRegistryManifest(ctx)
	if err != nil {
		return nil, err
	}
	data, err := l.getWithRetry(ctx, registryVersionKey(version))
	if err != nil {
		return nil, fmt.Errorf("fetch field registry v%d: %w", version, err)
	}
	if manifest != nil && manifest.Version == version && manifest.Checksum != "" {
		if err := verifyChecksum(data, manifest.Checksum); err != nil {
			if l.metrics != nil {
				l.metrics.ChecksumMismatch.Inc()
			}
			slog.Error("[ArtifactLoader] Registry checksum mismatch, artifact rejected",
				"version", version, "error", err)
			return nil, fmt.Errorf("field registry v%d: %w", version, err)
		}
	}
	var a FieldRegistryArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse field registry v%d: %w", version, err)
	}
	if a.Version == 0 {
		a.Version = version
	}
	return fields.NewRegistry(a.Version, a.Fields)
}

// LoadBuiltinRegistry returns the bootstrap registry artifact. Never fails.
func (l *Loader) LoadBuiltinRegistry() FieldRegistryArtifact {
	builtin := fields.Builtin()
	return FieldRegistryArtifact{
		Version:   builtin.Version,
		CreatedBy: "builtin",
		Fields:    builtin.Definitions(),
	}
}

// StorageAccessible probes the store with a single head request. A not-found
// answer still proves the store is reachable.
func (l *Loader) StorageAccessible(ctx context.Context) bool {
	err := l.store.Head(ctx, registryManifestKey)
	return err == nil || errors.Is(err, ErrNotFound)
}

// verifyChecksum compares the SHA-256 of data against the expected lowercase
// hex digest.
func verifyChecksum(data []byte, expected string) error {
	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != strings.ToLower(strings.TrimSpace(expected)) {
		return fmt.Errorf("checksum mismatch: artifact hashes to %s, manifest says %s", got, expected)
	}
	return nil
}
