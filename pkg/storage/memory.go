// Package storage - in-memory Engine implementation.
package storage

import (
	"sync"
)

type edgeKey struct {
	source NodeID
	target NodeID
}

// MemoryEngine is a thread-safe in-memory graph store.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Rebuilding a graph from a serialized Snapshot for comparison
//   - Short-lived knowledge graphs that never need to persist
//
// Features:
//   - Thread-safe: all operations use an RWMutex
//   - Deep copies: returned nodes and edges can be mutated by the caller
//   - Insertion order is tracked alongside the maps so iteration is stable
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	_ = engine.UpsertNode("m1", storage.Attributes{"type": storage.String("model")})
//	nodes, _ := engine.Nodes()
type MemoryEngine struct {
	mu sync.RWMutex

	nodes     map[NodeID]*Node
	edges     map[edgeKey]*Edge
	nodeOrder []NodeID
	edgeOrder []edgeKey

	outgoing map[NodeID][]edgeKey
	incoming map[NodeID][]edgeKey

	seq    uint64
	closed bool
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:    make(map[NodeID]*Node),
		edges:    make(map[edgeKey]*Edge),
		outgoing: make(map[NodeID][]edgeKey),
		incoming: make(map[NodeID][]edgeKey),
	}
}

// memoryTx buffers writes until the Update callback returns nil.
type memoryTx struct {
	engine   *MemoryEngine
	readOnly bool

	nodes     map[NodeID]*Node
	edges     map[edgeKey]*Edge
	nodeOrder []NodeID
	edgeOrder []edgeKey
	seq       uint64
}

func (tx *memoryTx) nextSeq() uint64 {
	tx.seq++
	return tx.seq
}

func (tx *memoryTx) lookupNode(id NodeID) *Node {
	if n, ok := tx.nodes[id]; ok {
		return n
	}
	return tx.engine.nodes[id]
}

func (tx *memoryTx) lookupEdge(k edgeKey) *Edge {
	if e, ok := tx.edges[k]; ok {
		return e
	}
	return tx.engine.edges[k]
}

func (tx *memoryTx) UpsertNode(id NodeID, attrs Attributes) error {
	if tx.readOnly {
		return ErrReadOnlyTx
	}
	if err := validateNodeID(id); err != nil {
		return err
	}

	if existing := tx.lookupNode(id); existing != nil {
		merged := copyNode(existing)
		merged.Attributes.Merge(attrs)
		tx.nodes[id] = merged
		return nil
	}

	tx.nodes[id] = &Node{ID: id, Attributes: attrs.Clone(), Seq: tx.nextSeq()}
	tx.nodeOrder = append(tx.nodeOrder, id)
	return nil
}

func (tx *memoryTx) UpsertEdge(source, target NodeID, attrs Attributes) error {
	if tx.readOnly {
		return ErrReadOnlyTx
	}
	if err := validateEdgeIDs(source, target); err != nil {
		return err
	}

	k := edgeKey{source, target}
	if existing := tx.lookupEdge(k); existing != nil {
		merged := copyEdge(existing)
		merged.Attributes.Merge(attrs)
		tx.edges[k] = merged
		return nil
	}

	tx.edges[k] = &Edge{Source: source, Target: target, Attributes: attrs.Clone(), Seq: tx.nextSeq()}
	tx.edgeOrder = append(tx.edgeOrder, k)
	return nil
}

func (tx *memoryTx) GetNode(id NodeID) (*Node, error) {
	if err := validateNodeID(id); err != nil {
		return nil, err
	}
	n := tx.lookupNode(id)
	if n == nil {
		return nil, ErrNotFound
	}
	return copyNode(n), nil
}

func (tx *memoryTx) GetEdge(source, target NodeID) (*Edge, error) {
	if err := validateEdgeIDs(source, target); err != nil {
		return nil, err
	}
	e := tx.lookupEdge(edgeKey{source, target})
	if e == nil {
		return nil, ErrNotFound
	}
	return copyEdge(e), nil
}

// commit applies buffered writes. Caller holds the write lock.
func (tx *memoryTx) commit() {
	m := tx.engine
	for id, n := range tx.nodes {
		m.nodes[id] = n
	}
	m.nodeOrder = append(m.nodeOrder, tx.nodeOrder...)

	for k, e := range tx.edges {
		m.edges[k] = e
	}
	for _, k := range tx.edgeOrder {
		m.edgeOrder = append(m.edgeOrder, k)
		m.outgoing[k.source] = append(m.outgoing[k.source], k)
		m.incoming[k.target] = append(m.incoming[k.target], k)
	}
	m.seq = tx.seq
}

// Update runs fn against a buffered transaction and applies its writes only
// if fn returns nil.
func (m *MemoryEngine) Update(fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	tx := &memoryTx{
		engine: m,
		nodes:  make(map[NodeID]*Node),
		edges:  make(map[edgeKey]*Edge),
		seq:    m.seq,
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// View runs fn against a read-only transaction.
func (m *MemoryEngine) View(fn func(tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrStorageClosed
	}
	return fn(&memoryTx{engine: m, readOnly: true})
}

// UpsertNode creates or merges a single node.
func (m *MemoryEngine) UpsertNode(id NodeID, attrs Attributes) error {
	return m.Update(func(tx Tx) error { return tx.UpsertNode(id, attrs) })
}

// UpsertEdge creates or merges a single edge.
func (m *MemoryEngine) UpsertEdge(source, target NodeID, attrs Attributes) error {
	return m.Update(func(tx Tx) error { return tx.UpsertEdge(source, target, attrs) })
}

// GetNode retrieves a copy of a node.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	var n *Node
	err := m.View(func(tx Tx) error {
		var err error
		n, err = tx.GetNode(id)
		return err
	})
	return n, err
}

// GetEdge retrieves a copy of the edge source -> target.
func (m *MemoryEngine) GetEdge(source, target NodeID) (*Edge, error) {
	var e *Edge
	err := m.View(func(tx Tx) error {
		var err error
		e, err = tx.GetEdge(source, target)
		return err
	})
	return e, err
}

// HasNode reports whether a node exists.
func (m *MemoryEngine) HasNode(id NodeID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ErrStorageClosed
	}
	_, ok := m.nodes[id]
	return ok, nil
}

// Nodes returns all nodes in insertion order.
func (m *MemoryEngine) Nodes() ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Node, 0, len(m.nodeOrder))
	for _, id := range m.nodeOrder {
		out = append(out, copyNode(m.nodes[id]))
	}
	return out, nil
}

// Edges returns all edges in insertion order.
func (m *MemoryEngine) Edges() ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.collectEdges(m.edgeOrder), nil
}

// OutgoingEdges returns edges whose source is id, in insertion order.
func (m *MemoryEngine) OutgoingEdges(id NodeID) ([]*Edge, error) {
	if err := validateNodeID(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.collectEdges(m.outgoing[id]), nil
}

// IncomingEdges returns edges whose target is id, in insertion order.
func (m *MemoryEngine) IncomingEdges(id NodeID) ([]*Edge, error) {
	if err := validateNodeID(id); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	return m.collectEdges(m.incoming[id]), nil
}

func (m *MemoryEngine) collectEdges(keys []edgeKey) []*Edge {
	out := make([]*Edge, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyEdge(m.edges[k]))
	}
	return out
}

// NodeCount returns the number of nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// Close releases the engine. Further calls return ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.nodeOrder = nil
	m.edgeOrder = nil
	m.outgoing = nil
	m.incoming = nil
	return nil
}

// Verify interface compliance
var _ Engine = (*MemoryEngine)(nil)
