// Package registry manages versioned model artifacts: append-only version
// histories per model name, an active pointer with rollback, blob-store backed
// parameter loading, and an optional Redis mirror for other replicas.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"fraudguard/pkg/fraud"
	"fraudguard/pkg/model"
	"fraudguard/pkg/structlog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

var (
	regArtifactsRegistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudguard",
			Subsystem: "registry",
			Name:      "artifacts_registered_total",
			Help:      "Total number of model artifacts registered.",
		},
		[]string{"model", "kind"},
	)

	regRollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudguard",
			Subsystem: "registry",
			Name:      "rollbacks_total",
			Help:      "Total number of active-version rollbacks.",
		},
		[]string{"model"},
	)

	regAdapterLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraudguard",
			Subsystem: "registry",
			Name:      "adapter_loads_total",
			Help:      "Blob-store adapter loads, by cache outcome.",
		},
		[]string{"model", "outcome"},
	)
)

func init() {
	// Safe register; ignore duplicate registration in case of multiple imports
	_ = prometheus.Register(regArtifactsRegistered)
	_ = prometheus.Register(regRollbacks)
	_ = prometheus.Register(regAdapterLoads)
}

// Metrics are the offline evaluation results attached to an artifact at
// registration time, recorded for comparison and audit.
type Metrics struct {
	AUC       float64 `json:"auc,omitempty"`
	Precision float64 `json:"precision,omitempty"`
	Recall    float64 `json:"recall,omitempty"`
	F1        float64 `json:"f1,omitempty"`
}

// Artifact describes one immutable model version. Parameters live in the blob
// store at Location; the registry keeps only metadata.
type Artifact struct {
	Name        string     `json:"name"`
	Version     int        `json:"version"`
	Kind        model.Kind `json:"kind"`
	Location    string     `json:"location"`
	Checksum    string     `json:"checksum"`
	Metrics     Metrics    `json:"metrics"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// state is the persisted registry snapshot.
type state struct {
	Versions map[string][]Artifact `json:"versions"`
	Active   map[string]int        `json:"active"`
}

const redisStateKey = "fraudguard:registry:state"

// Registry is safe for concurrent use. Version histories are append-only:
// versions are never mutated or removed, rollback only moves the active
// pointer.
type Registry struct {
	mu       sync.RWMutex
	versions map[string][]Artifact
	active   map[string]int
	adapters map[string]model.Adapter

	store     BlobStore
	statePath string
	rdb       *redis.Client
	log       *structlog.Logger
}

// Option configures optional registry collaborators.
type Option func(*Registry)

// WithRedisMirror mirrors the registry state to Redis after every mutation so
// warm replicas can seed from it.
func WithRedisMirror(rdb *redis.Client) Option {
	return func(r *Registry) { r.rdb = rdb }
}

// New opens the registry, loading any persisted state from statePath.
func New(store BlobStore, statePath string, log *structlog.Logger, opts ...Option) (*Registry, error) {
	r := &Registry{
		versions: make(map[string][]Artifact),
		active:   make(map[string]int),
		adapters: make(map[string]model.Adapter),

		store:     store,
		statePath: statePath,
		log:       log,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.loadState(); err != nil {
		return nil, fmt.Errorf("registry: load state: %w", err)
	}
	return r, nil
}

// Register appends a new artifact version for its model name and advances the
// active pointer to it when it is the highest version so far. Registering an
// existing (name, version) pair fails with fraud.ErrDuplicateVersion.
func (r *Registry) Register(ctx context.Context, art Artifact) error {
	if art.Name == "" || art.Version <= 0 {
		return fmt.Errorf("%w: artifact needs a name and a positive version", fraud.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.versions[art.Name] {
		if existing.Version == art.Version {
			return fmt.Errorf("%w: %s v%d", fraud.ErrDuplicateVersion, art.Name, art.Version)
		}
	}

	if art.CreatedAt.IsZero() {
		art.CreatedAt = time.Now().UTC()
	}

	prevHistory := r.versions[art.Name]
	prevActive, hadActive := r.active[art.Name]

	history := make([]Artifact, 0, len(prevHistory)+1)
	history = append(history, prevHistory...)
	history = append(history, art)
	sort.Slice(history, func(i, j int) bool { return history[i].Version < history[j].Version })
	r.versions[art.Name] = history

	if art.Version > r.active[art.Name] {
		r.active[art.Name] = art.Version
	}

	// Registration is atomic: a failed persist leaves no trace in memory, so
	// the caller can retry without hitting the duplicate guard.
	if err := r.persistLocked(ctx); err != nil {
		if hadActive {
			r.versions[art.Name] = prevHistory
			r.active[art.Name] = prevActive
		} else {
			delete(r.versions, art.Name)
			delete(r.active, art.Name)
		}
		return err
	}

	regArtifactsRegistered.WithLabelValues(art.Name, string(art.Kind)).Inc()
	r.log.WithContext(ctx).Info("artifact registered", structlog.Fields{
		"model":   art.Name,
		"version": art.Version,
		"kind":    art.Kind,
		"active":  r.active[art.Name],
	})
	return nil
}

// Resolve returns the artifact for (name, version). Version 0 resolves the
// active version.
func (r *Registry) Resolve(name string, version int) (Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(name, version)
}

func (r *Registry) resolveLocked(name string, version int) (Artifact, error) {
	history, ok := r.versions[name]
	if !ok || len(history) == 0 {
		return Artifact{}, fmt.Errorf("%w: model %q", fraud.ErrNotFound, name)
	}
	if version == 0 {
		version = r.active[name]
	}
	for _, art := range history {
		if art.Version == version {
			return art, nil
		}
	}
	return Artifact{}, fmt.Errorf("%w: model %q version %d", fraud.ErrNotFound, name, version)
}

// ActiveVersion returns the current active version for a model name.
func (r *Registry) ActiveVersion(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.active[name]
	if !ok {
		return 0, fmt.Errorf("%w: model %q", fraud.ErrNotFound, name)
	}
	return v, nil
}

// Rollback repoints the active version of name to an earlier registered
// version. The newer versions stay in the history and can be re-activated by
// another Rollback.
func (r *Registry) Rollback(ctx context.Context, name string, to int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.resolveLocked(name, to); err != nil {
		return err
	}

	from := r.active[name]
	r.active[name] = to
	if err := r.persistLocked(ctx); err != nil {
		r.active[name] = from
		return err
	}

	regRollbacks.WithLabelValues(name).Inc()
	r.log.WithContext(ctx).Warn("active version rolled back", structlog.Fields{
		"model": name,
		"from":  from,
		"to":    to,
	})
	return nil
}

// Versions lists the full version history for a model name, ascending.
func (r *Registry) Versions(name string) ([]Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	history, ok := r.versions[name]
	if !ok {
		return nil, fmt.Errorf("%w: model %q", fraud.ErrNotFound, name)
	}
	out := make([]Artifact, len(history))
	copy(out, history)
	return out, nil
}

// Names lists registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.versions))
	for name := range r.versions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadAdapter resolves (name, version), fetches the parameter blob, verifies
// its checksum, and returns a ready scoring adapter. Loaded adapters are
// cached per (name, version); artifacts are immutable so the cache never
// invalidates.
func (r *Registry) LoadAdapter(ctx context.Context, name string, version int) (model.Adapter, Artifact, error) {
	art, err := r.Resolve(name, version)
	if err != nil {
		return nil, Artifact{}, err
	}

	cacheKey := fmt.Sprintf("%s@%d", art.Name, art.Version)
	r.mu.RLock()
	cached, ok := r.adapters[cacheKey]
	r.mu.RUnlock()
	if ok {
		regAdapterLoads.WithLabelValues(name, "hit").Inc()
		return cached, art, nil
	}

	blob, err := r.store.Get(ctx, art.Location)
	if err != nil {
		regAdapterLoads.WithLabelValues(name, "error").Inc()
		return nil, Artifact{}, fmt.Errorf("registry: fetch %s v%d: %w", art.Name, art.Version, err)
	}
	if art.Checksum != "" {
		if sum := Checksum(blob); sum != art.Checksum {
			regAdapterLoads.WithLabelValues(name, "error").Inc()
			return nil, Artifact{}, fmt.Errorf("registry: %s v%d checksum mismatch: stored %s, blob %s",
				art.Name, art.Version, art.Checksum, sum)
		}
	}

	adapter, err := model.Load(blob)
	if err != nil {
		regAdapterLoads.WithLabelValues(name, "error").Inc()
		return nil, Artifact{}, fmt.Errorf("registry: load %s v%d: %w", art.Name, art.Version, err)
	}
	if adapter.Kind() != art.Kind {
		regAdapterLoads.WithLabelValues(name, "error").Inc()
		return nil, Artifact{}, fmt.Errorf("registry: %s v%d declared kind %s but blob is %s",
			art.Name, art.Version, art.Kind, adapter.Kind())
	}

	r.mu.Lock()
	r.adapters[cacheKey] = adapter
	r.mu.Unlock()

	regAdapterLoads.WithLabelValues(name, "miss").Inc()
	return adapter, art, nil
}

// Publish stores a parameter blob and registers the resulting artifact in one
// step. The checksum is computed from the blob before it leaves the process.
func (r *Registry) Publish(ctx context.Context, art Artifact, blob []byte) error {
	if err := r.store.Put(ctx, art.Location, blob); err != nil {
		return fmt.Errorf("registry: publish %s v%d: %w", art.Name, art.Version, err)
	}
	art.Checksum = Checksum(blob)
	return r.Register(ctx, art)
}

// Checksum returns the hex SHA-256 of a parameter blob.
func Checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

func (r *Registry) persistLocked(ctx context.Context) error {
	snap := state{Versions: r.versions, Active: r.active}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if r.statePath != "" {
		if err := os.MkdirAll(filepath.Dir(r.statePath), 0o750); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		tmp := r.statePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o640); err != nil {
			return fmt.Errorf("write state: %w", err)
		}
		if err := os.Rename(tmp, r.statePath); err != nil {
			return fmt.Errorf("replace state: %w", err)
		}
	}

	if r.rdb != nil {
		if err := r.rdb.Set(ctx, redisStateKey, data, 0).Err(); err != nil {
			r.log.Warn("redis mirror write failed", structlog.Fields{"error": err.Error()})
		}
	}
	return nil
}

func (r *Registry) loadState() error {
	data, err := os.ReadFile(r.statePath)
	if os.IsNotExist(err) {
		if r.rdb == nil {
			return nil
		}
		// Fresh replica: seed from the Redis mirror when present.
		mirrored, rerr := r.rdb.Get(context.Background(), redisStateKey).Bytes()
		if rerr != nil {
			return nil
		}
		data = mirrored
	} else if err != nil {
		return err
	}

	var snap state
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}
	if snap.Versions != nil {
		r.versions = snap.Versions
	}
	if snap.Active != nil {
		r.active = snap.Active
	}
	return nil
}
