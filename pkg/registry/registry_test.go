package registry

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"fraudguard/pkg/fraud"
	"fraudguard/pkg/model"
	"fraudguard/pkg/structlog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *structlog.Logger {
	return structlog.NewLogger("registry-test", structlog.LevelError, io.Discard)
}

func newTestRegistry(t *testing.T) (*Registry, *LocalStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewLocalStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	r, err := New(store, filepath.Join(dir, "state.json"), testLogger())
	require.NoError(t, err)
	return r, store
}

func treeBlob(t *testing.T) []byte {
	t.Helper()
	te, err := model.NewTreeEnsemble(2, 0, []*model.TreeNode{{
		Dim:       0,
		Threshold: 1,
		Left:      &model.TreeNode{Leaf: true, Value: -1},
		Right:     &model.TreeNode{Leaf: true, Value: 1},
	}})
	require.NoError(t, err)
	blob, err := model.MarshalTreeEnsemble(te)
	require.NoError(t, err)
	return blob
}

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, Artifact{
		Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "tree/v1.json",
		Metrics: Metrics{AUC: 0.91, Precision: 0.84, Recall: 0.71, F1: 0.77},
	}))
	require.NoError(t, r.Register(ctx, Artifact{Name: "tree", Version: 2, Kind: model.KindTreeEnsemble, Location: "tree/v2.json"}))

	t.Run("pinned version", func(t *testing.T) {
		art, err := r.Resolve("tree", 1)
		require.NoError(t, err)
		assert.Equal(t, "tree/v1.json", art.Location)
		assert.InDelta(t, 0.91, art.Metrics.AUC, 1e-12)
	})

	t.Run("version 0 resolves active", func(t *testing.T) {
		art, err := r.Resolve("tree", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, art.Version)
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := r.Resolve("graph", 0)
		assert.ErrorIs(t, err, fraud.ErrNotFound)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := r.Resolve("tree", 7)
		assert.ErrorIs(t, err, fraud.ErrNotFound)
	})
}

func TestRegistry_DuplicateVersionRejected(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, Artifact{Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "a"}))
	err := r.Register(ctx, Artifact{Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "b"})
	assert.ErrorIs(t, err, fraud.ErrDuplicateVersion)

	// The original entry is untouched.
	art, err := r.Resolve("tree", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", art.Location)
}

func TestRegistry_ActivePointerFollowsHighestVersion(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, Artifact{Name: "tree", Version: 3, Kind: model.KindTreeEnsemble, Location: "v3"}))
	// Backfilling an older version must not move the active pointer.
	require.NoError(t, r.Register(ctx, Artifact{Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "v1"}))

	active, err := r.ActiveVersion("tree")
	require.NoError(t, err)
	assert.Equal(t, 3, active)

	versions, err := r.Versions("tree")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version, "history sorted ascending")
}

func TestRegistry_Rollback(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, Artifact{Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "v1"}))
	require.NoError(t, r.Register(ctx, Artifact{Name: "tree", Version: 2, Kind: model.KindTreeEnsemble, Location: "v2"}))

	require.NoError(t, r.Rollback(ctx, "tree", 1))
	art, err := r.Resolve("tree", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, art.Version)

	// The newer version stays registered and can be re-activated.
	require.NoError(t, r.Rollback(ctx, "tree", 2))
	active, err := r.ActiveVersion("tree")
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	assert.ErrorIs(t, r.Rollback(ctx, "tree", 9), fraud.ErrNotFound)
}

func TestRegistry_PublishAndLoadAdapter(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	blob := treeBlob(t)

	art := Artifact{Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "tree/v1.json"}
	require.NoError(t, r.Publish(ctx, art, blob))

	adapter, loaded, err := r.LoadAdapter(ctx, "tree", 0)
	require.NoError(t, err)
	assert.Equal(t, model.KindTreeEnsemble, adapter.Kind())
	assert.Equal(t, Checksum(blob), loaded.Checksum)

	p, err := adapter.Score(ctx, model.Input{Vector: []float64{5, 0}})
	require.NoError(t, err)
	assert.Greater(t, p, 0.5)
}

func TestRegistry_LoadAdapterChecksumMismatch(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	blob := treeBlob(t)

	art := Artifact{Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "tree/v1.json", Checksum: Checksum(blob)}
	require.NoError(t, store.Put(ctx, art.Location, blob))
	require.NoError(t, r.Register(ctx, art))

	// Corrupt the stored blob after registration.
	require.NoError(t, store.Put(ctx, art.Location, append(blob, ' ')))

	_, _, err := r.LoadAdapter(ctx, "tree", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestRegistry_LoadAdapterKindMismatch(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	blob := treeBlob(t)

	art := Artifact{Name: "seq", Version: 1, Kind: model.KindSequence, Location: "seq/v1.json"}
	require.NoError(t, store.Put(ctx, art.Location, blob))
	require.NoError(t, r.Register(ctx, art))

	_, _, err := r.LoadAdapter(ctx, "seq", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declared kind")
}

func TestRegistry_AdapterCache(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()
	blob := treeBlob(t)

	art := Artifact{Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "tree/v1.json"}
	require.NoError(t, r.Publish(ctx, art, blob))

	first, _, err := r.LoadAdapter(ctx, "tree", 1)
	require.NoError(t, err)

	// Removing the blob does not affect subsequent loads of the same version.
	require.NoError(t, os.Remove(filepath.Join(store.Root, "tree", "v1.json")))
	second, _, err := r.LoadAdapter(ctx, "tree", 1)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRegistry_StateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	statePath := filepath.Join(dir, "state.json")
	ctx := context.Background()

	r1, err := New(store, statePath, testLogger())
	require.NoError(t, err)
	require.NoError(t, r1.Register(ctx, Artifact{Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "v1"}))
	require.NoError(t, r1.Register(ctx, Artifact{Name: "tree", Version: 2, Kind: model.KindTreeEnsemble, Location: "v2"}))
	require.NoError(t, r1.Rollback(ctx, "tree", 1))

	r2, err := New(store, statePath, testLogger())
	require.NoError(t, err)

	active, err := r2.ActiveVersion("tree")
	require.NoError(t, err)
	assert.Equal(t, 1, active, "rollback survives restart")

	versions, err := r2.Versions("tree")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	assert.Equal(t, []string{"tree"}, r2.Names())
}

func TestRegistry_FailedPersistLeavesNoTrace(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	statePath := filepath.Join(dir, "state.json")
	r, err := New(store, statePath, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	// A directory squatting on the temp-file path makes every persist fail.
	blockPersist := func() { require.NoError(t, os.MkdirAll(statePath+".tmp", 0o750)) }
	unblockPersist := func() { require.NoError(t, os.Remove(statePath + ".tmp")) }

	t.Run("register rolls back and is retryable", func(t *testing.T) {
		blockPersist()
		art := Artifact{Name: "tree", Version: 1, Kind: model.KindTreeEnsemble, Location: "v1"}
		require.Error(t, r.Register(ctx, art))

		_, err := r.Resolve("tree", 1)
		assert.ErrorIs(t, err, fraud.ErrNotFound, "failed registration must not be visible")

		unblockPersist()
		require.NoError(t, r.Register(ctx, art), "retry must not hit the duplicate guard")
		active, err := r.ActiveVersion("tree")
		require.NoError(t, err)
		assert.Equal(t, 1, active)
	})

	t.Run("rollback restores the active pointer", func(t *testing.T) {
		require.NoError(t, r.Register(ctx, Artifact{Name: "tree", Version: 2, Kind: model.KindTreeEnsemble, Location: "v2"}))

		blockPersist()
		require.Error(t, r.Rollback(ctx, "tree", 1))
		unblockPersist()

		active, err := r.ActiveVersion("tree")
		require.NoError(t, err)
		assert.Equal(t, 2, active, "failed rollback must not move the pointer")
	})

	t.Run("failure on existing model restores prior history", func(t *testing.T) {
		blockPersist()
		require.Error(t, r.Register(ctx, Artifact{Name: "tree", Version: 3, Kind: model.KindTreeEnsemble, Location: "v3"}))
		unblockPersist()

		versions, err := r.Versions("tree")
		require.NoError(t, err)
		assert.Len(t, versions, 2)
		active, err := r.ActiveVersion("tree")
		require.NoError(t, err)
		assert.Equal(t, 2, active)
	})
}

func TestLocalStore_RejectsEscapingLocations(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, location := range []string{"../outside.json", "a/../../outside.json", ""} {
		t.Run(location, func(t *testing.T) {
			_, err := store.Get(ctx, location)
			require.Error(t, err)
			assert.NotContains(t, err.Error(), "no such file",
				"traversal must be rejected before touching the filesystem")

			assert.Error(t, store.Put(ctx, location, []byte("{}")))
		})
	}

	t.Run("escape error named", func(t *testing.T) {
		_, err := store.Get(ctx, "../outside.json")
		assert.ErrorContains(t, err, "escapes root")
	})
}

func TestSplitS3URI(t *testing.T) {
	tests := []struct {
		location string
		bucket   string
		key      string
		wantErr  bool
	}{
		{"s3://models/tree/v1.json", "models", "tree/v1.json", false},
		{"s3://models", "", "", true},
		{"s3:///key", "", "", true},
		{"file/path.json", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.location, func(t *testing.T) {
			bucket, key, err := splitS3URI(tt.location)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestRoutingStore(t *testing.T) {
	local, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	rs := &RoutingStore{Local: local}
	ctx := context.Background()

	require.NoError(t, rs.Put(ctx, "tree/v1.json", []byte("{}")))
	data, err := rs.Get(ctx, "tree/v1.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), data)

	_, err = rs.Get(ctx, "s3://models/tree/v1.json")
	assert.Error(t, err, "s3 location without a client must fail")
}
