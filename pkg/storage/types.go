// Package storage provides the graph store behind the Difform Knowledge Graph.
//
// The store is an attributed directed graph keyed by string node identifiers.
// Nodes and edges carry a bag of tagged attribute values (see Value). Edges are
// keyed by their ordered endpoint pair, so there is at most one edge from a
// given source to a given target. Writes are upserts: writing an existing node
// or edge merges the new attributes over the old ones.
//
// Design Principles:
//   - Upsert-only API: the core never deletes graph entries
//   - Deterministic iteration: nodes and edges come back in first-insertion order
//   - Atomic multi-write: Update applies a whole batch of upserts or none of them
//   - Endpoints are not validated: an edge may reference a node that does not
//     exist (yet), which is how provenance edges to unimported models are kept
//
// Example Usage:
//
//	engine, err := storage.NewBadgerEngine("/data/difform/graph")
//	if err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	err = engine.Update(func(tx storage.Tx) error {
//		if err := tx.UpsertNode("batch_m1_7_1700000000", storage.Attributes{
//			"type":    storage.String("batch"),
//			"created": storage.Int(1700000000),
//		}); err != nil {
//			return err
//		}
//		return tx.UpsertEdge("m1", "batch_m1_7_1700000000", storage.Attributes{
//			"type": storage.String("dd_variation"),
//		})
//	})
//
//	snap, _ := storage.Export(engine)
//	data, _ := json.MarshalIndent(snap, "", "  ")
package storage

import (
	"errors"
	"strings"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidID        = errors.New("invalid id")
	ErrStorageClosed    = errors.New("storage closed")
	ErrUnsupportedValue = errors.New("unsupported attribute value")
	ErrInvalidSnapshot  = errors.New("invalid snapshot")
	ErrReadOnlyTx       = errors.New("write in read-only transaction")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
type NodeID string

// Node is a graph vertex: an identifier plus its attribute bag.
//
// Seq is assigned by the engine when the node is first written and never
// changes afterwards; it orders iteration.
//
// Thread Safety:
//
//	Node values returned by an Engine are copies and may be modified freely.
type Node struct {
	ID         NodeID
	Attributes Attributes
	Seq        uint64
}

// Edge is a directed relation between two node identifiers.
//
// The pair (Source, Target) is the edge's identity.
type Edge struct {
	Source     NodeID
	Target     NodeID
	Attributes Attributes
	Seq        uint64
}

// Tx is the write/read surface available inside Engine.Update and Engine.View.
//
// Reads inside an Update observe the writes made earlier in the same Update.
type Tx interface {
	UpsertNode(id NodeID, attrs Attributes) error
	UpsertEdge(source, target NodeID, attrs Attributes) error
	GetNode(id NodeID) (*Node, error)
	GetEdge(source, target NodeID) (*Edge, error)
}

// Engine defines the graph store used by the knowledge graph.
//
// All Engine implementations MUST be:
//   - Thread-safe: safe for concurrent use from multiple goroutines
//   - Atomic per Update: either every write in the callback lands or none does
//   - Ordered: Nodes and Edges return entries in first-insertion order
//
// Implementations:
//   - MemoryEngine: in-memory storage for tests and snapshot reconstruction
//   - BadgerEngine: persistent disk storage keyed by a data directory
type Engine interface {
	// Single-write convenience wrappers around Update.
	UpsertNode(id NodeID, attrs Attributes) error
	UpsertEdge(source, target NodeID, attrs Attributes) error

	GetNode(id NodeID) (*Node, error)
	GetEdge(source, target NodeID) (*Edge, error)
	HasNode(id NodeID) (bool, error)

	// Iteration in first-insertion order.
	Nodes() ([]*Node, error)
	Edges() ([]*Edge, error)

	// Adjacency.
	OutgoingEdges(id NodeID) ([]*Edge, error)
	IncomingEdges(id NodeID) ([]*Edge, error)

	// Transactions.
	Update(fn func(tx Tx) error) error
	View(fn func(tx Tx) error) error

	// Stats
	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	// Lifecycle
	Close() error
}

// validateNodeID rejects empty identifiers and identifiers containing the
// 0x00 byte, which separates the endpoints in persisted edge keys.
func validateNodeID(id NodeID) error {
	if id == "" || strings.ContainsRune(string(id), 0) {
		return ErrInvalidID
	}
	return nil
}

func validateEdgeIDs(source, target NodeID) error {
	if err := validateNodeID(source); err != nil {
		return err
	}
	return validateNodeID(target)
}

func copyNode(n *Node) *Node {
	return &Node{ID: n.ID, Attributes: n.Attributes.Clone(), Seq: n.Seq}
}

func copyEdge(e *Edge) *Edge {
	return &Edge{Source: e.Source, Target: e.Target, Attributes: e.Attributes.Clone(), Seq: e.Seq}
}
