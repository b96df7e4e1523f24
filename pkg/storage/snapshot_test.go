package storage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populate(t *testing.T, e Engine) {
	t.Helper()
	err := e.Update(func(tx Tx) error {
		steps := []func() error{
			func() error {
				return tx.UpsertNode("m1", Attributes{"type": String("model"), "alias": String("m1"), "created": Int(1699999000)})
			},
			func() error {
				return tx.UpsertNode("batch_m1_7_1700000000", Attributes{
					"type": String("batch"), "alias": String("m1_batch_1700000000"), "created": Int(1700000000),
				})
			},
			func() error {
				return tx.UpsertEdge("m1", "batch_m1_7_1700000000", Attributes{
					"type": String("dd_variation"), "model_name": String("m1"), "noise_level": Float(0.3),
				})
			},
			func() error {
				return tx.UpsertNode("sample_m1_7_1700000000_1", Attributes{
					"type":        String("audio"),
					"batch_index": Int(1),
					"parent":      String("batch_m1_7_1700000000"),
					"sample_rate": Int(44100),
					"flagged":     Bool(true),
					"at":          Time(time.Unix(1700000000, 0)),
				})
			},
		}
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestExport(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()
	populate(t, e)

	snap, err := Export(e)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 3)
	require.Len(t, snap.Edges, 1)

	assert.Equal(t, "m1", snap.Nodes[0].ID)
	assert.Equal(t, "batch_m1_7_1700000000", snap.Nodes[1].ID)
	assert.Equal(t, "sample_m1_7_1700000000_1", snap.Nodes[2].ID)

	edge := snap.Edges[0]
	assert.Equal(t, "m1", edge.Source)
	assert.Equal(t, "batch_m1_7_1700000000", edge.Target)
	f, ok := edge.Attributes["noise_level"].Float64()
	assert.True(t, ok)
	assert.Equal(t, 0.3, f)
}

func TestSnapshot_JSONShape(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()
	require.NoError(t, e.UpsertNode("m1", Attributes{"type": String("model")}))
	require.NoError(t, e.UpsertEdge("m1", "b1", Attributes{"type": String("dd_variation")}))

	snap, err := Export(e)
	require.NoError(t, err)
	data, err := json.Marshal(snap)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"nodes": [{"id": "m1", "attributes": {"type": "model"}}],
		"edges": [{"source": "m1", "target": "b1", "attributes": {"type": "dd_variation"}}]
	}`, string(data))
}

func TestSnapshot_EmptyGraph(t *testing.T) {
	e := NewMemoryEngine()
	defer e.Close()

	snap, err := Export(e)
	require.NoError(t, err)
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodes": [], "edges": []}`, string(data))
}

func TestSnapshot_RoundTrip(t *testing.T) {
	for name, factory := range engineFactories(t) {
		t.Run(name, func(t *testing.T) {
			src := factory()
			defer src.Close()
			populate(t, src)

			snap, err := Export(src)
			require.NoError(t, err)
			data, err := json.MarshalIndent(snap, "", "  ")
			require.NoError(t, err)

			parsed, err := ParseSnapshot(data)
			require.NoError(t, err)
			assert.True(t, snap.Equal(parsed), "parsed snapshot differs:\n%s", data)

			dst := NewMemoryEngine()
			defer dst.Close()
			require.NoError(t, Import(dst, parsed))

			rebuilt, err := Export(dst)
			require.NoError(t, err)
			assert.True(t, snap.Equal(rebuilt))

			// Kinds survive: int stays int, float stays float, time stays time.
			audio := rebuilt.Nodes[2].Attributes
			assert.Equal(t, KindInt, audio["batch_index"].Kind())
			assert.Equal(t, KindTime, audio["at"].Kind())
			assert.Equal(t, KindFloat, rebuilt.Edges[0].Attributes["noise_level"].Kind())
		})
	}
}

func TestParseSnapshot_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"nodes": [`,
		"empty id":       `{"nodes": [{"id": "", "attributes": {}}], "edges": []}`,
		"duplicate node": `{"nodes": [{"id": "a", "attributes": {}}, {"id": "a", "attributes": {}}], "edges": []}`,
		"duplicate edge": `{"nodes": [], "edges": [{"source": "a", "target": "b", "attributes": {}}, {"source": "a", "target": "b", "attributes": {}}]}`,
		"bad value":      `{"nodes": [{"id": "a", "attributes": {"x": [1]}}], "edges": []}`,
		"missing target": `{"nodes": [], "edges": [{"source": "a", "attributes": {}}]}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSnapshot([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
		})
	}
}

func TestSnapshot_Equal(t *testing.T) {
	a := &Snapshot{Nodes: []SnapshotNode{{ID: "a", Attributes: Attributes{"x": Int(1)}}}}
	b := &Snapshot{Nodes: []SnapshotNode{{ID: "a", Attributes: Attributes{"x": Float(1)}}}}
	assert.False(t, a.Equal(b), "int and float must not compare equal")
	assert.True(t, a.Equal(a))
}
