// Package difform is the Difform Knowledge Graph: a persistent provenance
// graph that records which model produced which batch of generated audio,
// and where every sample of that batch lives on disk.
//
// The graph has three kinds of nodes, distinguished by their "type"
// attribute:
//
//	model  - an imported generative model (ImportModel)
//	batch  - one inference call (LogInference)
//	audio  - one sample of a batch, backed by a WAV file
//
// A model is linked to each of its batches by an edge typed "dd_<mode>"
// (dd_generation, dd_variation, ...). Audio nodes point at their batch
// through the "parent" attribute.
//
// Example Usage:
//
//	dkg, err := difform.Open("./difform", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dkg.Close()
//
//	_ = dkg.ImportModel(ctx, difform.ModelEvent{Name: "m1"})
//	res, err := dkg.LogInference(ctx, difform.InferenceEvent{
//		Mode:       "variation",
//		ModelName:  "m1",
//		SampleRate: 44100,
//		Seed:       7,
//		Output:     output, // batch x frames x channels
//		Metadata:   map[string]any{"noise_level": 0.3},
//	})
//
//	data, _ := dkg.SnapshotJSON()
//
// Thread Safety:
//
//	A DKG is safe for concurrent use. Mutations are serialized per instance;
//	two processes must not open the same root (the graph store holds a
//	directory lock and the second Open fails).
package difform

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/orneryd/difform/pkg/artifact"
	"github.com/orneryd/difform/pkg/audit"
	"github.com/orneryd/difform/pkg/cache"
	"github.com/orneryd/difform/pkg/config"
	"github.com/orneryd/difform/pkg/storage"
)

// Node type values.
const (
	TypeModel = "model"
	TypeBatch = "batch"
	TypeAudio = "audio"

	// TypeAudioSource marks the edge from a source recording to a variation batch.
	TypeAudioSource = "audio_source"
)

// Errors returned by the knowledge graph.
var (
	ErrClosed       = errors.New("difform: knowledge graph closed")
	ErrInvalidEvent = errors.New("difform: invalid event")
	ErrReservedKey  = errors.New("difform: metadata uses a reserved attribute key")
	ErrUnknownModel = errors.New("difform: model not imported")
	ErrBatchExists  = errors.New("difform: batch already exists")
)

// Option customizes Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
	clock  func() time.Time
	engine storage.Engine
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now as the source of "created" timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithEngine uses e as the graph store instead of a BadgerEngine under the
// root. The DKG takes ownership and closes it on Close.
func WithEngine(e storage.Engine) Option {
	return func(o *options) { o.engine = e }
}

// DKG is an open knowledge graph rooted at one directory.
type DKG struct {
	root   string
	cfg    *config.Config
	engine storage.Engine
	store  *artifact.Store
	audit  *audit.Logger
	log    *slog.Logger
	now    func() time.Time

	// mu serializes mutations. Readers hold it shared for the whole read so
	// they never observe a half-logged batch or a store closed under them.
	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the knowledge graph under root.
//
// A nil cfg means config.DefaultConfig(); an empty root falls back to
// cfg.Root. The graph store lives in <root>/<graph_subdir> and audio in
// <root>/<audio_subdir>. Staging areas left behind by a crash are removed.
//
// With audit_log set, mutations are appended to <root>/<audit_log>.
//
// Open fails if the persisted graph cannot be read. It never silently starts
// over with an empty graph.
func Open(root string, cfg *config.Config, opts ...Option) (*DKG, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if root == "" {
		root = cfg.Root
	}
	c := *cfg
	c.Root = root
	if err := c.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "difform", "root", root)

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating root %s: %w", root, err)
	}

	store, err := artifact.New(root, artifact.Options{
		AudioSubdir: c.AudioSubdir,
		BitDepth:    c.BitDepth,
		Concurrency: c.WriteConcurrency,
		Logger:      o.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := store.CleanStaging(); err != nil {
		return nil, fmt.Errorf("cleaning staging area: %w", err)
	}

	engine := o.engine
	if engine == nil {
		engine, err = storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:    filepath.Join(root, c.GraphSubdir),
			SyncWrites: c.SyncWrites,
			Logger:     o.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening graph store: %w", err)
		}
	}

	trail, err := audit.NewLogger(audit.Config{
		Enabled:    c.AuditLog != "",
		LogPath:    filepath.Join(root, c.AuditLog),
		SyncWrites: c.SyncWrites,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}

	nodes, _ := engine.NodeCount()
	edges, _ := engine.EdgeCount()
	logger.Info("knowledge graph opened", "nodes", nodes, "edges", edges)

	return &DKG{
		root:   root,
		cfg:    &c,
		engine: engine,
		store:  store,
		audit:  trail,
		log:    logger,
		now:    o.clock,
	}, nil
}

// Root returns the root directory.
func (d *DKG) Root() string { return d.root }

// Config returns a copy of the effective configuration.
func (d *DKG) Config() config.Config { return *d.cfg }

// Store returns the artifact store holding the audio files.
func (d *DKG) Store() *artifact.Store { return d.store }

// Close flushes and closes the graph store. Further calls return ErrClosed.
func (d *DKG) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if s, ok := d.engine.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
	}
	if err := d.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close graph store: %w", err))
	}
	if err := d.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit log: %w", err))
	}
	d.log.Info("knowledge graph closed")
	return errors.Join(errs...)
}

// Sync forces committed graph writes to disk. Engines without a disk
// component treat it as a no-op.
func (d *DKG) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if s, ok := d.engine.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// Snapshot returns the whole graph, nodes and edges in first-insertion order.
func (d *DKG) Snapshot() (*storage.Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	return storage.Export(d.engine)
}

// SnapshotJSON returns the snapshot as indented JSON.
func (d *DKG) SnapshotJSON() ([]byte, error) {
	snap, err := d.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(snap, "", "  ")
}

// Node returns a single node.
func (d *DKG) Node(id string) (*storage.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.engine.GetNode(storage.NodeID(id))
}

// Models returns every node of type model, in insertion order.
func (d *DKG) Models() ([]*storage.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.nodesOfType(TypeModel)
}

// Batches returns the batch nodes produced by model, in insertion order.
func (d *DKG) Batches(model string) ([]*storage.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	edges, err := d.engine.OutgoingEdges(storage.NodeID(model))
	if err != nil {
		return nil, err
	}

	var out []*storage.Node
	for _, e := range edges {
		n, err := d.engine.GetNode(e.Target)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n.Attributes.GetString("type") == TypeBatch {
			out = append(out, n)
		}
	}
	return out, nil
}

// Samples returns the audio nodes of a batch ordered by batch_index.
func (d *DKG) Samples(batchID string) ([]*storage.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	audio, err := d.nodesOfType(TypeAudio)
	if err != nil {
		return nil, err
	}

	var out []*storage.Node
	for _, n := range audio {
		if n.Attributes.GetString("parent") == batchID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := out[i].Attributes.GetInt("batch_index")
		b, _ := out[j].Attributes.GetInt("batch_index")
		return a < b
	})
	return out, nil
}

// Stats summarizes the graph.
type Stats struct {
	Nodes   int64            `json:"nodes"`
	Edges   int64            `json:"edges"`
	ByType  map[string]int64 `json:"by_type"`
	Root    string           `json:"root"`
	Storage string           `json:"storage"`

	ChecksumCache cache.CacheStats `json:"checksum_cache"`
}

// Stats counts nodes and edges, and nodes per type.
func (d *DKG) Stats() (*Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	nodes, err := d.engine.Nodes()
	if err != nil {
		return nil, err
	}
	edges, err := d.engine.EdgeCount()
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Nodes:   int64(len(nodes)),
		Edges:   edges,
		ByType:  make(map[string]int64),
		Root:    d.root,
		Storage: fmt.Sprintf("%T", d.engine),

		ChecksumCache: d.store.ChecksumCacheStats(),
	}
	for _, n := range nodes {
		t := n.Attributes.GetString("type")
		if t == "" {
			t = "untyped"
		}
		st.ByType[t]++
	}
	return st, nil
}

// nodesOfType expects d.mu held.
func (d *DKG) nodesOfType(typ string) ([]*storage.Node, error) {
	nodes, err := d.engine.Nodes()
	if err != nil {
		return nil, err
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Attributes.GetString("type") == typ {
			out = append(out, n)
		}
	}
	return out, nil
}
