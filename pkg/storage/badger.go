// Package storage - persistent Engine backed by BadgerDB.
//
// BadgerEngine keeps the knowledge graph durable across process restarts.
// Each Update maps onto exactly one Badger read-write transaction, so a batch
// node, its provenance edge and all of its audio nodes commit together.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixNode      = byte(0x01) // node:nodeID -> nodeRecord
	prefixEdge      = byte(0x02) // edge:source 0x00 target -> edgeRecord
	prefixNodeOrder = byte(0x03) // nodeorder:seq -> nodeID
	prefixEdgeOrder = byte(0x04) // edgeorder:seq -> edge key
	prefixOutgoing  = byte(0x05) // out:source 0x00 seq -> target
	prefixIncoming  = byte(0x06) // in:target 0x00 seq -> source
	prefixMeta      = byte(0x07) // meta:name -> value
)

var seqKey = []byte{prefixMeta, 's', 'e', 'q'}

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(nodeRecord)
//   - Edges: 0x02 + source + 0x00 + target -> JSON(edgeRecord)
//   - Node order: 0x03 + seq (big endian) -> nodeID
//   - Edge order: 0x04 + seq (big endian) -> edge key
//   - Outgoing index: 0x05 + source + 0x00 + seq -> target
//   - Incoming index: 0x06 + target + 0x00 + seq -> source
//   - Sequence counter: 0x07 "seq" -> uint64
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/difform/graph")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	engine.UpsertNode("m1", storage.Attributes{"type": storage.String("model")})
type BadgerEngine struct {
	db      *badger.DB
	mu      sync.RWMutex // Protects closed
	closed  bool
	writeMu sync.Mutex // Serializes Update; every write touches the sequence counter
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, Badger's own logging is silenced.
	Logger *slog.Logger
}

// NewBadgerEngine opens (or creates) a persistent engine in dataDir.
//
// An existing directory that cannot be opened (corruption, permissions, a
// second process holding the lock) is reported as an error. The engine never
// falls back to an empty graph on a failed open.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		DataDir: dataDir,
	})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("badger: data directory required")
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	if opts.Logger != nil {
		badgerOpts = badgerOpts.WithLogger(&badgerLogger{log: opts.Logger.With("component", "badger")})
	} else {
		badgerOpts = badgerOpts.WithLogger(nil)
	}

	// The graph is small relative to Badger's defaults; keep the footprint low.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerEngine{db: db}, nil
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{
		InMemory: true,
	})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKeyBytes(source, target NodeID) []byte {
	key := make([]byte, 0, 1+len(source)+1+len(target))
	key = append(key, prefixEdge)
	key = append(key, []byte(source)...)
	key = append(key, 0x00)
	key = append(key, []byte(target)...)
	return key
}

func orderKey(prefix byte, seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func adjacencyPrefix(prefix byte, id NodeID) []byte {
	key := make([]byte, 0, 1+len(id)+1)
	key = append(key, prefix)
	key = append(key, []byte(id)...)
	key = append(key, 0x00)
	return key
}

func adjacencyKey(prefix byte, id NodeID, seq uint64) []byte {
	key := adjacencyPrefix(prefix, id)
	var s [8]byte
	binary.BigEndian.PutUint64(s[:], seq)
	return append(key, s[:]...)
}

// ============================================================================
// Serialization helpers
// ============================================================================

type nodeRecord struct {
	ID         string     `json:"id"`
	Seq        uint64     `json:"seq"`
	Attributes Attributes `json:"attributes"`
}

type edgeRecord struct {
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	Seq        uint64     `json:"seq"`
	Attributes Attributes `json:"attributes"`
}

func encodeNode(n *Node) ([]byte, error) {
	return json.Marshal(nodeRecord{ID: string(n.ID), Seq: n.Seq, Attributes: n.Attributes})
}

func decodeNode(data []byte) (*Node, error) {
	var r nodeRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding node: %w", err)
	}
	if r.Attributes == nil {
		r.Attributes = Attributes{}
	}
	return &Node{ID: NodeID(r.ID), Seq: r.Seq, Attributes: r.Attributes}, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	return json.Marshal(edgeRecord{Source: string(e.Source), Target: string(e.Target), Seq: e.Seq, Attributes: e.Attributes})
}

func decodeEdge(data []byte) (*Edge, error) {
	var r edgeRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding edge: %w", err)
	}
	if r.Attributes == nil {
		r.Attributes = Attributes{}
	}
	return &Edge{Source: NodeID(r.Source), Target: NodeID(r.Target), Seq: r.Seq, Attributes: r.Attributes}, nil
}

// ============================================================================
// Transactions
// ============================================================================

// badgerTx adapts a native Badger transaction to Tx.
type badgerTx struct {
	txn      *badger.Txn
	readOnly bool

	seq      uint64
	seqDirty bool
	seqRead  bool
}

func (tx *badgerTx) nextSeq() (uint64, error) {
	if !tx.seqRead {
		item, err := tx.txn.Get(seqKey)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			tx.seq = 0
		case err != nil:
			return 0, err
		default:
			if err := item.Value(func(val []byte) error {
				if len(val) != 8 {
					return fmt.Errorf("corrupt sequence counter")
				}
				tx.seq = binary.BigEndian.Uint64(val)
				return nil
			}); err != nil {
				return 0, err
			}
		}
		tx.seqRead = true
	}
	tx.seq++
	tx.seqDirty = true
	return tx.seq, nil
}

func (tx *badgerTx) flushSeq() error {
	if !tx.seqDirty {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], tx.seq)
	return tx.txn.Set(seqKey, buf[:])
}

func (tx *badgerTx) getNode(id NodeID) (*Node, error) {
	item, err := tx.txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var node *Node
	err = item.Value(func(val []byte) error {
		var decodeErr error
		node, decodeErr = decodeNode(val)
		return decodeErr
	})
	return node, err
}

func (tx *badgerTx) getEdgeByKey(key []byte) (*Edge, error) {
	item, err := tx.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var edge *Edge
	err = item.Value(func(val []byte) error {
		var decodeErr error
		edge, decodeErr = decodeEdge(val)
		return decodeErr
	})
	return edge, err
}

func (tx *badgerTx) GetNode(id NodeID) (*Node, error) {
	if err := validateNodeID(id); err != nil {
		return nil, err
	}
	return tx.getNode(id)
}

func (tx *badgerTx) GetEdge(source, target NodeID) (*Edge, error) {
	if err := validateEdgeIDs(source, target); err != nil {
		return nil, err
	}
	return tx.getEdgeByKey(edgeKeyBytes(source, target))
}

func (tx *badgerTx) UpsertNode(id NodeID, attrs Attributes) error {
	if tx.readOnly {
		return ErrReadOnlyTx
	}
	if err := validateNodeID(id); err != nil {
		return err
	}

	node, err := tx.getNode(id)
	switch {
	case err == nil:
		node.Attributes.Merge(attrs)
	case errors.Is(err, ErrNotFound):
		seq, err := tx.nextSeq()
		if err != nil {
			return err
		}
		node = &Node{ID: id, Attributes: attrs.Clone(), Seq: seq}
		if err := tx.txn.Set(orderKey(prefixNodeOrder, seq), []byte(id)); err != nil {
			return err
		}
	default:
		return err
	}

	data, err := encodeNode(node)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	return tx.txn.Set(nodeKey(id), data)
}

func (tx *badgerTx) UpsertEdge(source, target NodeID, attrs Attributes) error {
	if tx.readOnly {
		return ErrReadOnlyTx
	}
	if err := validateEdgeIDs(source, target); err != nil {
		return err
	}

	key := edgeKeyBytes(source, target)
	edge, err := tx.getEdgeByKey(key)
	switch {
	case err == nil:
		edge.Attributes.Merge(attrs)
	case errors.Is(err, ErrNotFound):
		seq, err := tx.nextSeq()
		if err != nil {
			return err
		}
		edge = &Edge{Source: source, Target: target, Attributes: attrs.Clone(), Seq: seq}
		if err := tx.txn.Set(orderKey(prefixEdgeOrder, seq), key); err != nil {
			return err
		}
		if err := tx.txn.Set(adjacencyKey(prefixOutgoing, source, seq), []byte(target)); err != nil {
			return err
		}
		if err := tx.txn.Set(adjacencyKey(prefixIncoming, target, seq), []byte(source)); err != nil {
			return err
		}
	default:
		return err
	}

	data, err := encodeEdge(edge)
	if err != nil {
		return fmt.Errorf("failed to encode edge: %w", err)
	}
	return tx.txn.Set(key, data)
}

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Update runs fn inside one Badger read-write transaction. The transaction
// is discarded when fn returns an error.
//
// Updates are serialized: they all read and bump the shared sequence counter,
// so concurrent Badger transactions would only end in ErrConflict.
func (b *BadgerEngine) Update(fn func(tx Tx) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		tx := &badgerTx{txn: txn}
		if err := fn(tx); err != nil {
			return err
		}
		return tx.flushSeq()
	})
}

// View runs fn inside a read-only Badger transaction.
func (b *BadgerEngine) View(fn func(tx Tx) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn, readOnly: true})
	})
}

// ============================================================================
// Node and edge operations
// ============================================================================

// UpsertNode creates or merges a single node.
func (b *BadgerEngine) UpsertNode(id NodeID, attrs Attributes) error {
	return b.Update(func(tx Tx) error { return tx.UpsertNode(id, attrs) })
}

// UpsertEdge creates or merges a single edge.
func (b *BadgerEngine) UpsertEdge(source, target NodeID, attrs Attributes) error {
	return b.Update(func(tx Tx) error { return tx.UpsertEdge(source, target, attrs) })
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (*Node, error) {
	var node *Node
	err := b.View(func(tx Tx) error {
		var err error
		node, err = tx.GetNode(id)
		return err
	})
	return node, err
}

// GetEdge retrieves the edge source -> target.
func (b *BadgerEngine) GetEdge(source, target NodeID) (*Edge, error) {
	var edge *Edge
	err := b.View(func(tx Tx) error {
		var err error
		edge, err = tx.GetEdge(source, target)
		return err
	})
	return edge, err
}

// HasNode reports whether a node exists.
func (b *BadgerEngine) HasNode(id NodeID) (bool, error) {
	_, err := b.GetNode(id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ============================================================================
// Query Operations
// ============================================================================

// Nodes returns all nodes in insertion order.
func (b *BadgerEngine) Nodes() ([]*Node, error) {
	var nodes []*Node
	err := b.View(func(t Tx) error {
		tx := t.(*badgerTx)
		prefix := []byte{prefixNodeOrder}
		it := tx.txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			node, err := tx.getNode(NodeID(id))
			if err != nil {
				return fmt.Errorf("node order index references %q: %w", id, err)
			}
			nodes = append(nodes, node)
		}
		return nil
	})
	return nodes, err
}

// Edges returns all edges in insertion order.
func (b *BadgerEngine) Edges() ([]*Edge, error) {
	var edges []*Edge
	err := b.View(func(t Tx) error {
		tx := t.(*badgerTx)
		prefix := []byte{prefixEdgeOrder}
		it := tx.txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			edge, err := tx.getEdgeByKey(key)
			if err != nil {
				return fmt.Errorf("edge order index: %w", err)
			}
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

// OutgoingEdges returns all edges whose source is id.
func (b *BadgerEngine) OutgoingEdges(id NodeID) ([]*Edge, error) {
	return b.adjacent(prefixOutgoing, id, func(other NodeID) (NodeID, NodeID) { return id, other })
}

// IncomingEdges returns all edges whose target is id.
func (b *BadgerEngine) IncomingEdges(id NodeID) ([]*Edge, error) {
	return b.adjacent(prefixIncoming, id, func(other NodeID) (NodeID, NodeID) { return other, id })
}

func (b *BadgerEngine) adjacent(prefixByte byte, id NodeID, endpoints func(other NodeID) (NodeID, NodeID)) ([]*Edge, error) {
	if err := validateNodeID(id); err != nil {
		return nil, err
	}

	var edges []*Edge
	err := b.View(func(t Tx) error {
		tx := t.(*badgerTx)
		prefix := adjacencyPrefix(prefixByte, id)
		it := tx.txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			other, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			source, target := endpoints(NodeID(other))
			edge, err := tx.getEdgeByKey(edgeKeyBytes(source, target))
			if err != nil {
				return fmt.Errorf("adjacency index %s -> %s: %w", source, target, err)
			}
			edges = append(edges, edge)
		}
		return nil
	})
	return edges, err
}

// NodeCount returns the total number of nodes.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.countPrefix(prefixNodeOrder)
}

// EdgeCount returns the total number of edges.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.countPrefix(prefixEdgeOrder)
}

func (b *BadgerEngine) countPrefix(p byte) (int64, error) {
	var count int64
	err := b.View(func(t Tx) error {
		tx := t.(*badgerTx)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := tx.txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte{p}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// ============================================================================
// Lifecycle
// ============================================================================

// Close closes the database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Sync forces pending writes to disk.
func (b *BadgerEngine) Sync() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Sync()
}

// RunGC runs value log garbage collection once.
// Nothing to collect, and in-memory mode, are not reported as errors.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	err := b.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// badgerLogger routes Badger's printf-style logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// Verify interface compliance
var _ Engine = (*BadgerEngine)(nil)
