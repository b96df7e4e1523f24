package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/difform/pkg/artifact"
	"github.com/orneryd/difform/pkg/audit"
	"github.com/orneryd/difform/pkg/difform"
	"github.com/orneryd/difform/pkg/tensor"
)

// parseMeta turns key=value flags into metadata. Values that parse as an
// integer, float or bool keep that type; everything else is a string.
func parseMeta(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --meta %q, want key=value", p)
		}
		meta[k] = metaValue(v)
	}
	return meta, nil
}

func metaValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// loadBatch decodes WAV files into one batch x frames x channels tensor.
func loadBatch(files []string) (tensor.Tensor, int, error) {
	if len(files) == 0 {
		return tensor.Tensor{}, 0, fmt.Errorf("at least one --wav file is required")
	}

	var (
		shape []int
		rate  int
		data  []float64
	)
	for _, f := range files {
		sample, sr, err := artifact.Decode(f)
		if err != nil {
			return tensor.Tensor{}, 0, fmt.Errorf("reading %s: %w", f, err)
		}
		if shape == nil {
			shape, rate = sample.Shape, sr
		} else if sr != rate || sample.Frames() != shape[0] || sample.Channels() != shape[1] {
			return tensor.Tensor{}, 0, fmt.Errorf("%s: %d frames x %d channels at %d Hz does not match %d x %d at %d Hz",
				f, sample.Frames(), sample.Channels(), sr, shape[0], shape[1], rate)
		}
		data = append(data, sample.Data...)
	}

	batch, err := tensor.New([]int{len(files), shape[0], shape[1]}, data)
	if err != nil {
		return tensor.Tensor{}, 0, err
	}
	return batch, rate, nil
}

func printReport(w io.Writer, r *difform.VerifyReport) {
	fmt.Fprintf(w, "audio nodes: %d\nfiles:       %d\n", r.AudioNodes, r.Files)
	section := func(title string, ids []string) {
		if len(ids) == 0 {
			return
		}
		fmt.Fprintf(w, "%s (%d):\n", title, len(ids))
		for _, id := range ids {
			fmt.Fprintf(w, "  %s\n", id)
		}
	}
	section("missing files", r.MissingFiles)
	section("checksum mismatches", r.ChecksumMismatches)
	section("orphan files", r.OrphanFiles)
	section("orphan samples", r.OrphanSamples)
	section("dangling batches", r.DanglingBatches)
	if r.OK() {
		fmt.Fprintln(w, "ok")
	}
}

func reportJSON(r *difform.VerifyReport) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// printAudit writes one line per event, oldest first.
func printAudit(w io.Writer, res *audit.QueryResult) {
	for _, e := range res.Events {
		status := "ok"
		if !e.Success {
			status = "FAILED"
		}
		line := fmt.Sprintf("%s  %-16s %-6s", e.Timestamp.Format(time.RFC3339), e.Type, status)
		if e.Model != "" {
			line += " model=" + e.Model
		}
		if e.Batch != "" {
			line += " batch=" + e.Batch
		}
		if e.Samples > 0 {
			line += " samples=" + strconv.Itoa(e.Samples)
		}
		if e.Reason != "" {
			line += " reason=" + strconv.Quote(e.Reason)
		}
		fmt.Fprintln(w, line)
	}
	if res.HasMore {
		fmt.Fprintf(w, "... %d of %d events shown\n", len(res.Events), res.TotalCount)
	}
}
