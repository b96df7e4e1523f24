package difform

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/orneryd/difform/pkg/artifact"
	"github.com/orneryd/difform/pkg/config"
	"github.com/orneryd/difform/pkg/storage"
	"github.com/orneryd/difform/pkg/tensor"
)

// InferenceEvent describes one call to a generative model.
type InferenceEvent struct {
	// Mode names the kind of inference ("generation", "variation", ...).
	// It is lowercased and becomes both the edge type suffix and a directory.
	Mode string `json:"mode"`

	// ModelName identifies the model node the batch is attributed to.
	ModelName string `json:"model_name"`

	// SampleRate of the generated audio in Hz.
	SampleRate int `json:"sample_rate"`

	// Seed used for generation.
	Seed int64 `json:"seed"`

	// Output is batch x frames x channels, or a single frames x channels sample.
	Output tensor.Tensor `json:"output"`

	// AudioSource optionally names the node a variation was derived from.
	AudioSource string `json:"audio_source,omitempty"`

	// Metadata is copied onto the provenance edge and every audio node.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// LogResult identifies what a successful LogInference created.
type LogResult struct {
	BatchID   string   `json:"batch_id"`
	SampleIDs []string `json:"sample_ids"`
	Paths     []string `json:"paths"`
	Created   int64    `json:"created"`
}

// LogInference records one inference batch: a batch node, the "dd_<mode>"
// edge from the model, and one audio node plus WAV file per sample.
//
// The call is all-or-nothing. Samples are encoded into a staging area first,
// moved to <root>/<audio>/<mode>/<model>/ and only then is the graph updated
// in a single transaction. Any failure, including cancellation of ctx before
// the graph commit, removes the files moved by this call and leaves the
// graph as it was.
//
// Validation happens before anything is touched:
//   - an empty model name or mode, or a non-positive sample rate, gives ErrInvalidEvent
//   - an output that is neither rank 2 nor rank 3 gives *tensor.ShapeError
//   - metadata using a reserved key gives ErrReservedKey (unless namespaced)
//   - with model_policy=require, an unknown model gives ErrUnknownModel
//   - with collision_policy=reject, an existing batch id gives ErrBatchExists
//
// Under the default collision policy, logging the same model and seed twice
// within one second merges the second batch over the first: last write wins.
//
// Successful and refused calls are both recorded in the audit trail.
func (d *DKG) LogInference(ctx context.Context, ev InferenceEvent) (*LogResult, error) {
	res, err := d.logInference(ctx, ev)
	d.recordInference(ev, res, err)
	return res, err
}

func (d *DKG) logInference(ctx context.Context, ev InferenceEvent) (*LogResult, error) {
	mode := strings.ToLower(ev.Mode)
	if ev.ModelName == "" {
		return nil, fmt.Errorf("%w: model name is required", ErrInvalidEvent)
	}
	if err := artifact.ValidateComponent(mode); err != nil {
		return nil, fmt.Errorf("%w: mode: %v", ErrInvalidEvent, err)
	}
	if err := artifact.ValidateComponent(ev.ModelName); err != nil {
		return nil, fmt.Errorf("%w: model name: %v", ErrInvalidEvent, err)
	}
	if ev.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalidEvent, ev.SampleRate)
	}
	batch, err := ev.Output.AsBatch()
	if err != nil {
		return nil, err
	}
	meta, err := metadataAttributes(ev.Metadata, d.cfg.MetadataPolicy, reservedKeys)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	if d.cfg.ModelPolicy == config.ModelRequire {
		ok, err := d.engine.HasNode(storage.NodeID(ev.ModelName))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownModel, ev.ModelName)
		}
	}

	created := d.now().Unix()
	prefix := samplePrefix(ev.ModelName, ev.Seed, created)
	bid := batchID(prefix)

	if d.cfg.CollisionPolicy == config.CollisionReject {
		exists, err := d.engine.HasNode(storage.NodeID(bid))
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrBatchExists, bid)
		}
	}

	n := batch.Len()
	res := &LogResult{
		BatchID:   bid,
		SampleIDs: make([]string, n),
		Paths:     make([]string, n),
		Created:   created,
	}
	dest := make(map[string]string, n)
	for i := 0; i < n; i++ {
		id := sampleID(prefix, i+1)
		p, err := d.store.Path(mode, ev.ModelName, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		res.SampleIDs[i] = id
		res.Paths[i] = p
		dest[id] = p
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st, err := d.store.Stage()
	if err != nil {
		return nil, err
	}
	defer st.Close()

	arts, err := st.WriteBatch(ctx, res.SampleIDs, ev.SampleRate, batch)
	if err != nil {
		d.log.Warn("inference not logged: writing samples failed", "batch", bid, "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := st.Commit(dest); err != nil {
		d.log.Warn("inference not logged: committing samples failed", "batch", bid, "error", err)
		return nil, err
	}

	fail := func(err error) (*LogResult, error) {
		if rbErr := st.Rollback(); rbErr != nil {
			d.log.Error("rollback of sample files failed", "batch", bid, "error", rbErr)
		}
		d.log.Warn("inference not logged", "batch", bid, "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	err = d.engine.Update(func(tx storage.Tx) error {
		if err := tx.UpsertNode(storage.NodeID(bid), storage.Attributes{
			"alias":   storage.String(batchAlias(ev.ModelName, bid)),
			"type":    storage.String(TypeBatch),
			"created": storage.Int(created),
		}); err != nil {
			return fmt.Errorf("batch node: %w", err)
		}

		edge := storage.Attributes{
			"type":       storage.String("dd_" + mode),
			"model_name": storage.String(ev.ModelName),
			"created":    storage.Int(created),
		}
		edge.Merge(meta)
		if err := tx.UpsertEdge(storage.NodeID(ev.ModelName), storage.NodeID(bid), edge); err != nil {
			return fmt.Errorf("provenance edge: %w", err)
		}

		if ev.AudioSource != "" {
			src := storage.Attributes{
				"type":    storage.String(TypeAudioSource),
				"created": storage.Int(created),
			}
			if s, ok := sourceStrength(meta); ok {
				src["strength"] = storage.Float(s)
			}
			if err := tx.UpsertEdge(storage.NodeID(ev.AudioSource), storage.NodeID(bid), src); err != nil {
				return fmt.Errorf("audio source edge: %w", err)
			}
		}

		for i, art := range arts {
			attrs := storage.Attributes{
				"alias":       storage.String(sampleAlias(ev.ModelName, bid, i+1)),
				"batch_index": storage.Int(int64(i + 1)),
				"type":        storage.String(TypeAudio),
				"path":        storage.String(res.Paths[i]),
				"sample_rate": storage.Int(int64(ev.SampleRate)),
				"created":     storage.Int(created),
				"parent":      storage.String(bid),
				"checksum":    storage.String(art.Checksum),
				"channels":    storage.Int(int64(art.Channels)),
				"frames":      storage.Int(int64(art.Frames)),
			}
			attrs.Merge(meta)
			if err := tx.UpsertNode(storage.NodeID(res.SampleIDs[i]), attrs); err != nil {
				return fmt.Errorf("audio node %s: %w", res.SampleIDs[i], err)
			}
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}

	d.log.Info("inference logged",
		"batch", bid,
		"model", ev.ModelName,
		"mode", mode,
		"samples", n,
	)
	return res, nil
}

// sourceStrength is 1 - noise_level rounded to five decimals, when the
// metadata carries a numeric noise_level.
func sourceStrength(meta storage.Attributes) (float64, bool) {
	v, ok := meta["noise_level"]
	if !ok {
		return 0, false
	}
	var nl float64
	if f, ok := v.Float64(); ok {
		nl = f
	} else if i, ok := v.Int64(); ok {
		nl = float64(i)
	} else {
		return 0, false
	}
	return math.Round((1-nl)*1e5) / 1e5, true
}
