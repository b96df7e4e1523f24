// Package storage - JSON snapshot export and import.
package storage

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the JSON-compatible form of a whole graph.
//
// Nodes and edges appear in first-insertion order. The format is:
//
//	{
//	  "nodes": [{"id": "m1", "attributes": {"type": "model", ...}}, ...],
//	  "edges": [{"source": "m1", "target": "batch_m1_7_1700000000",
//	             "attributes": {"type": "dd_variation", ...}}, ...]
//	}
type Snapshot struct {
	Nodes []SnapshotNode `json:"nodes"`
	Edges []SnapshotEdge `json:"edges"`
}

// SnapshotNode is one node entry of a Snapshot.
type SnapshotNode struct {
	ID         string     `json:"id"`
	Attributes Attributes `json:"attributes"`
}

// SnapshotEdge is one edge entry of a Snapshot.
type SnapshotEdge struct {
	Source     string     `json:"source"`
	Target     string     `json:"target"`
	Attributes Attributes `json:"attributes"`
}

// Export reads the whole graph from engine into a Snapshot.
//
// Every node and edge is included with all of its attributes, caller
// metadata included. Nodes and edges come from two separate reads; callers
// that need a consistent view while writers are active must serialize
// against those writers (the knowledge graph does so with its own lock).
func Export(engine Engine) (*Snapshot, error) {
	nodes, err := engine.Nodes()
	if err != nil {
		return nil, fmt.Errorf("export nodes: %w", err)
	}
	edges, err := engine.Edges()
	if err != nil {
		return nil, fmt.Errorf("export edges: %w", err)
	}
	return ToSnapshot(nodes, edges), nil
}

// ToSnapshot converts nodes and edges into a Snapshot, preserving slice order.
func ToSnapshot(nodes []*Node, edges []*Edge) *Snapshot {
	snap := &Snapshot{
		Nodes: make([]SnapshotNode, len(nodes)),
		Edges: make([]SnapshotEdge, len(edges)),
	}
	for i, n := range nodes {
		snap.Nodes[i] = SnapshotNode{ID: string(n.ID), Attributes: n.Attributes.Clone()}
	}
	for i, e := range edges {
		snap.Edges[i] = SnapshotEdge{Source: string(e.Source), Target: string(e.Target), Attributes: e.Attributes.Clone()}
	}
	return snap
}

// Import writes every entry of snap into engine inside one Update, nodes
// first and then edges, each in snapshot order. Importing into an empty
// engine therefore reproduces the exported order.
func Import(engine Engine, snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	return engine.Update(func(tx Tx) error {
		for _, n := range snap.Nodes {
			if err := tx.UpsertNode(NodeID(n.ID), n.Attributes); err != nil {
				return fmt.Errorf("import node %q: %w", n.ID, err)
			}
		}
		for _, e := range snap.Edges {
			if err := tx.UpsertEdge(NodeID(e.Source), NodeID(e.Target), e.Attributes); err != nil {
				return fmt.Errorf("import edge %q -> %q: %w", e.Source, e.Target, err)
			}
		}
		return nil
	})
}

// ParseSnapshot decodes and validates a JSON snapshot.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Validate checks that every node has an id, no id repeats, and every edge
// names both endpoints once.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}

	seenNodes := make(map[string]struct{}, len(s.Nodes))
	for i, n := range s.Nodes {
		if validateNodeID(NodeID(n.ID)) != nil {
			return fmt.Errorf("%w: node %d has invalid id %q", ErrInvalidSnapshot, i, n.ID)
		}
		if _, dup := seenNodes[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidSnapshot, n.ID)
		}
		seenNodes[n.ID] = struct{}{}
	}

	seenEdges := make(map[edgeKey]struct{}, len(s.Edges))
	for i, e := range s.Edges {
		if validateEdgeIDs(NodeID(e.Source), NodeID(e.Target)) != nil {
			return fmt.Errorf("%w: edge %d has invalid endpoints %q -> %q", ErrInvalidSnapshot, i, e.Source, e.Target)
		}
		k := edgeKey{NodeID(e.Source), NodeID(e.Target)}
		if _, dup := seenEdges[k]; dup {
			return fmt.Errorf("%w: duplicate edge %q -> %q", ErrInvalidSnapshot, e.Source, e.Target)
		}
		seenEdges[k] = struct{}{}
	}
	return nil
}

// Equal reports whether two snapshots list the same nodes and edges with
// equal attributes in the same order.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if len(s.Nodes) != len(o.Nodes) || len(s.Edges) != len(o.Edges) {
		return false
	}
	for i := range s.Nodes {
		if s.Nodes[i].ID != o.Nodes[i].ID || !s.Nodes[i].Attributes.Equal(o.Nodes[i].Attributes) {
			return false
		}
	}
	for i := range s.Edges {
		a, b := s.Edges[i], o.Edges[i]
		if a.Source != b.Source || a.Target != b.Target || !a.Attributes.Equal(b.Attributes) {
			return false
		}
	}
	return true
}
