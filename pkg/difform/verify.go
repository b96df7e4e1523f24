package difform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/orneryd/difform/pkg/artifact"
	"github.com/orneryd/difform/pkg/storage"
)

// VerifyReport lists inconsistencies between the graph and the audio tree.
type VerifyReport struct {
	AudioNodes int `json:"audio_nodes"`
	Files      int `json:"files"`

	// MissingFiles are audio node ids whose file does not exist.
	MissingFiles []string `json:"missing_files,omitempty"`

	// ChecksumMismatches are audio node ids whose file changed after logging.
	ChecksumMismatches []string `json:"checksum_mismatches,omitempty"`

	// OrphanFiles are audio files (relative to the audio dir) no node refers to.
	OrphanFiles []string `json:"orphan_files,omitempty"`

	// OrphanSamples are audio node ids whose parent batch node is missing.
	OrphanSamples []string `json:"orphan_samples,omitempty"`

	// DanglingBatches are batch ids with no provenance edge from an existing node.
	// Expected when models are logged without being imported.
	DanglingBatches []string `json:"dangling_batches,omitempty"`
}

// OK reports whether every file is present and intact and no file is orphaned.
// Dangling batches do not count: the default model policy allows them.
func (r *VerifyReport) OK() bool {
	return len(r.MissingFiles) == 0 && len(r.ChecksumMismatches) == 0 &&
		len(r.OrphanFiles) == 0 && len(r.OrphanSamples) == 0
}

// Verify cross-checks the graph against the files on disk.
//
// Every audio node's file must exist and match the checksum recorded when it
// was logged. Every *.wav under the audio directory must be referenced by an
// audio node. Verify only reports; it never modifies the graph or the files.
// The outcome is recorded in the audit trail.
func (d *DKG) Verify(ctx context.Context) (*VerifyReport, error) {
	report, err := d.verify(ctx)
	if err == nil {
		d.recordVerify(report)
	}
	return report, err
}

func (d *DKG) verify(ctx context.Context) (*VerifyReport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	nodes, err := d.engine.Nodes()
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{}
	byID := make(map[string]*storage.Node, len(nodes))
	for _, n := range nodes {
		byID[string(n.ID)] = n
	}

	referenced := make(map[string]struct{})
	for _, n := range nodes {
		switch n.Attributes.GetString("type") {
		case TypeAudio:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			report.AudioNodes++
			d.verifySample(n, byID, referenced, report)

		case TypeBatch:
			dangling, err := d.isDangling(n.ID, byID)
			if err != nil {
				return nil, err
			}
			if dangling {
				report.DanglingBatches = append(report.DanglingBatches, string(n.ID))
			}
		}
	}

	audioDir := d.store.AudioDir()
	matches, err := doublestar.Glob(os.DirFS(audioDir), "**/*."+artifact.Ext, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", audioDir, err)
	}
	report.Files = len(matches)
	for _, m := range matches {
		if _, ok := referenced[absPath(filepath.Join(audioDir, filepath.FromSlash(m)))]; !ok {
			report.OrphanFiles = append(report.OrphanFiles, m)
		}
	}

	d.log.Info("verify finished",
		"audio_nodes", report.AudioNodes,
		"files", report.Files,
		"missing", len(report.MissingFiles),
		"mismatched", len(report.ChecksumMismatches),
		"orphan_files", len(report.OrphanFiles),
	)
	return report, nil
}

func (d *DKG) verifySample(n *storage.Node, byID map[string]*storage.Node, referenced map[string]struct{}, report *VerifyReport) {
	id := string(n.ID)

	parent := n.Attributes.GetString("parent")
	if p, ok := byID[parent]; !ok || p.Attributes.GetString("type") != TypeBatch {
		report.OrphanSamples = append(report.OrphanSamples, id)
	}

	path := n.Attributes.GetString("path")
	if path == "" {
		report.MissingFiles = append(report.MissingFiles, id)
		return
	}
	referenced[absPath(path)] = struct{}{}

	if _, err := os.Stat(path); err != nil {
		report.MissingFiles = append(report.MissingFiles, id)
		return
	}
	want := n.Attributes.GetString("checksum")
	if want == "" {
		return
	}
	got, err := d.store.Checksum(path)
	if err != nil || got != want {
		report.ChecksumMismatches = append(report.ChecksumMismatches, id)
	}
}

// isDangling reports whether no dd_* edge from an existing node reaches batch.
func (d *DKG) isDangling(batch storage.NodeID, byID map[string]*storage.Node) (bool, error) {
	in, err := d.engine.IncomingEdges(batch)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	for _, e := range in {
		if !strings.HasPrefix(e.Attributes.GetString("type"), "dd_") {
			continue
		}
		if _, ok := byID[string(e.Source)]; ok {
			return false, nil
		}
	}
	return true, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
