package difform

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/difform/pkg/config"
	"github.com/orneryd/difform/pkg/storage"
	"github.com/orneryd/difform/pkg/tensor"
)

const testTime = 1700000000

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func fixedClock() time.Time { return time.Unix(testTime, 0) }

// openTest opens a DKG on a temp root with an in-memory graph store.
func openTest(t *testing.T, mutate func(*config.Config)) *DKG {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	d, err := Open(t.TempDir(), cfg,
		WithEngine(storage.NewMemoryEngine()),
		WithClock(fixedClock),
		WithLogger(quiet),
	)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func noise(shape ...int) tensor.Tensor {
	t := tensor.Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = float64(i%101)/101 - 0.5
	}
	return t
}

func TestOpen_DefaultsAndLayout(t *testing.T) {
	root := t.TempDir()
	d, err := Open(root, nil, WithLogger(quiet))
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, root, d.Root())
	assert.DirExists(t, filepath.Join(root, "audio"))
	assert.DirExists(t, filepath.Join(root, "graph"))
	assert.FileExists(t, filepath.Join(root, "audit.jsonl"))
	assert.Equal(t, config.MetadataReject, d.Config().MetadataPolicy)
}

func TestOpen_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BitDepth = 7
	_, err := Open(t.TempDir(), cfg, WithLogger(quiet))
	assert.Error(t, err)
}

func TestOpen_CleansAbandonedStaging(t *testing.T) {
	root := t.TempDir()
	leftover := filepath.Join(root, ".staging", "abandoned")
	require.NoError(t, os.MkdirAll(leftover, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(leftover, "x.wav"), []byte("partial"), 0644))

	d, err := Open(root, nil, WithEngine(storage.NewMemoryEngine()), WithLogger(quiet))
	require.NoError(t, err)
	defer d.Close()
	assert.NoDirExists(t, leftover)
}

func TestOpen_FailsOnUnreadableGraph(t *testing.T) {
	root := t.TempDir()
	// A file where the graph directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(root, "graph"), []byte("not a db"), 0644))

	_, err := Open(root, nil, WithLogger(quiet))
	assert.Error(t, err)
}

func TestPersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	d, err := Open(root, nil, WithClock(fixedClock), WithLogger(quiet))
	require.NoError(t, err)
	require.NoError(t, d.ImportModel(ctx, ModelEvent{Name: "m1"}))
	_, err = d.LogInference(ctx, InferenceEvent{
		Mode: "generation", ModelName: "m1", SampleRate: 16000, Seed: 1,
		Output: noise(3, 100, 1),
	})
	require.NoError(t, err)
	before, err := d.Snapshot()
	require.NoError(t, err)
	require.NoError(t, d.Close())

	first, err := Open(root, nil, WithLogger(quiet))
	require.NoError(t, err)
	afterFirst, err := first.Snapshot()
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(root, nil, WithLogger(quiet))
	require.NoError(t, err)
	defer second.Close()
	afterSecond, err := second.Snapshot()
	require.NoError(t, err)

	assert.True(t, before.Equal(afterFirst))
	assert.True(t, afterFirst.Equal(afterSecond), "two loads of the same root must give equal snapshots")
	assert.Len(t, afterSecond.Nodes, 5)
}

func TestClosed(t *testing.T) {
	d := openTest(t, nil)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err := d.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = d.LogInference(context.Background(), InferenceEvent{
		Mode: "generation", ModelName: "m1", SampleRate: 16000, Output: noise(1, 10, 1),
	})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, d.ImportModel(context.Background(), ModelEvent{Name: "m1"}), ErrClosed)
	assert.ErrorIs(t, d.Sync(), ErrClosed)
}

func TestCloseDuringReads(t *testing.T) {
	d := openTest(t, nil)
	ctx := context.Background()
	require.NoError(t, d.ImportModel(ctx, ModelEvent{Name: "m1"}))
	res, err := d.LogInference(ctx, variationEvent())
	require.NoError(t, err)

	reads := []func() error{
		func() error { _, err := d.Node("m1"); return err },
		func() error { _, err := d.Models(); return err },
		func() error { _, err := d.Batches("m1"); return err },
		func() error { _, err := d.Samples(res.BatchID); return err },
		func() error { _, err := d.Stats(); return err },
		func() error { _, err := d.Snapshot(); return err },
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, read := range reads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				if err := read(); err != nil {
					assert.ErrorIs(t, err, ErrClosed)
					assert.NotErrorIs(t, err, storage.ErrStorageClosed)
					return
				}
			}
		}()
	}
	close(start)
	require.NoError(t, d.Close())
	wg.Wait()

	for _, read := range reads {
		assert.ErrorIs(t, read(), ErrClosed)
	}
}

func TestSnapshotJSON(t *testing.T) {
	d := openTest(t, nil)
	ctx := context.Background()
	require.NoError(t, d.ImportModel(ctx, ModelEvent{Name: "m1", Metadata: map[string]any{"family": "diffusion"}}))
	_, err := d.LogInference(ctx, InferenceEvent{
		Mode: "generation", ModelName: "m1", SampleRate: 16000, Seed: 3,
		Output: noise(1, 10, 1), Metadata: map[string]any{"steps": 50},
	})
	require.NoError(t, err)

	data, err := d.SnapshotJSON()
	require.NoError(t, err)

	var raw struct {
		Nodes []struct {
			ID         string         `json:"id"`
			Attributes map[string]any `json:"attributes"`
		} `json:"nodes"`
		Edges []struct {
			Source     string         `json:"source"`
			Target     string         `json:"target"`
			Attributes map[string]any `json:"attributes"`
		} `json:"edges"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw.Nodes, 3)
	require.Len(t, raw.Edges, 1)

	assert.Equal(t, "m1", raw.Nodes[0].ID)
	assert.Equal(t, "diffusion", raw.Nodes[0].Attributes["family"])
	assert.Equal(t, "batch_m1_3_1700000000", raw.Nodes[1].ID)
	assert.Equal(t, "sample_m1_3_1700000000_1", raw.Nodes[2].ID)
	assert.Equal(t, float64(50), raw.Nodes[2].Attributes["steps"])
	assert.Equal(t, float64(50), raw.Edges[0].Attributes["steps"])

	parsed, err := storage.ParseSnapshot(data)
	require.NoError(t, err)
	snap, err := d.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.Equal(parsed))
}

func TestQueries(t *testing.T) {
	d := openTest(t, nil)
	ctx := context.Background()
	require.NoError(t, d.ImportModel(ctx, ModelEvent{Name: "m1"}))
	require.NoError(t, d.ImportModel(ctx, ModelEvent{Name: "m2"}))

	for seed := int64(1); seed <= 2; seed++ {
		_, err := d.LogInference(ctx, InferenceEvent{
			Mode: "generation", ModelName: "m1", SampleRate: 8000, Seed: seed, Output: noise(3, 10, 1),
		})
		require.NoError(t, err)
	}

	models, err := d.Models()
	require.NoError(t, err)
	assert.Len(t, models, 2)

	batches, err := d.Batches("m1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, storage.NodeID("batch_m1_1_1700000000"), batches[0].ID)
	assert.Equal(t, storage.NodeID("batch_m1_2_1700000000"), batches[1].ID)

	none, err := d.Batches("m2")
	require.NoError(t, err)
	assert.Empty(t, none)

	samples, err := d.Samples("batch_m1_2_1700000000")
	require.NoError(t, err)
	require.Len(t, samples, 3)
	for i, s := range samples {
		idx, _ := s.Attributes.GetInt("batch_index")
		assert.Equal(t, int64(i+1), idx)
	}

	n, err := d.Node("m2")
	require.NoError(t, err)
	assert.Equal(t, TypeModel, n.Attributes.GetString("type"))

	stats, err := d.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Nodes)
	assert.Equal(t, int64(2), stats.Edges)
	assert.Equal(t, int64(2), stats.ByType[TypeModel])
	assert.Equal(t, int64(2), stats.ByType[TypeBatch])
	assert.Equal(t, int64(6), stats.ByType[TypeAudio])
}

func TestImportModel(t *testing.T) {
	d := openTest(t, nil)
	ctx := context.Background()

	require.NoError(t, d.ImportModel(ctx, ModelEvent{Name: "musicgen-small"}))
	n, err := d.Node("musicgen-small")
	require.NoError(t, err)
	assert.Equal(t, "musicgen-small", n.Attributes.GetString("alias"))
	created, _ := n.Attributes.GetInt("created")
	assert.Equal(t, int64(testTime), created)

	require.NoError(t, d.ImportModel(ctx, ModelEvent{Name: "musicgen-small", Alias: "mgs", Metadata: map[string]any{"params": 300000000}}))
	n, err = d.Node("musicgen-small")
	require.NoError(t, err)
	assert.Equal(t, "mgs", n.Attributes.GetString("alias"))
	params, _ := n.Attributes.GetInt("params")
	assert.Equal(t, int64(300000000), params)

	assert.ErrorIs(t, d.ImportModel(ctx, ModelEvent{}), ErrInvalidEvent)
	assert.ErrorIs(t, d.ImportModel(ctx, ModelEvent{Name: "x", Metadata: map[string]any{"type": "lora"}}), ErrReservedKey)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, d.ImportModel(cancelled, ModelEvent{Name: "late"}), context.Canceled)
}
