package difform

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/difform/pkg/audit"
)

// ErrAuditDisabled is returned by the audit queries when audit_log is empty.
var ErrAuditDisabled = errors.New("difform: audit trail disabled")

// AuditTrail queries the audit trail.
func (d *DKG) AuditTrail(q audit.Query) (*audit.QueryResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	if !d.audit.Enabled() {
		return nil, ErrAuditDisabled
	}
	return audit.NewReader(d.audit.Path()).Query(q)
}

// AuditReport summarizes the whole audit trail.
func (d *DKG) AuditReport() (*audit.Report, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	if !d.audit.Enabled() {
		return nil, ErrAuditDisabled
	}
	return audit.NewReader(d.audit.Path()).GenerateReport(time.Time{}, time.Time{})
}

func (d *DKG) recordModel(ev ModelEvent, err error) {
	e := audit.Event{
		Type:    audit.EventModelImported,
		Model:   ev.Name,
		Success: err == nil,
	}
	if err != nil {
		e.Type = audit.EventModelRejected
		e.Reason = err.Error()
	}
	d.record(e, err)
}

func (d *DKG) recordInference(ev InferenceEvent, res *LogResult, err error) {
	e := audit.Event{
		Type:    audit.EventInferenceLogged,
		Model:   ev.ModelName,
		Mode:    strings.ToLower(ev.Mode),
		Success: err == nil,
	}
	if ev.AudioSource != "" {
		e.Metadata = map[string]string{"audio_source": ev.AudioSource}
	}
	if res != nil {
		e.Batch = res.BatchID
		e.Samples = len(res.SampleIDs)
	}
	if err != nil {
		e.Type = audit.EventInferenceFailed
		e.Reason = err.Error()
	}
	d.record(e, err)
}

func (d *DKG) recordVerify(r *VerifyReport) {
	d.record(audit.Event{
		Type:    audit.EventGraphVerified,
		Success: r.OK(),
		Metadata: map[string]string{
			"audio_nodes":         strconv.Itoa(r.AudioNodes),
			"files":               strconv.Itoa(r.Files),
			"missing_files":       strconv.Itoa(len(r.MissingFiles)),
			"checksum_mismatches": strconv.Itoa(len(r.ChecksumMismatches)),
			"orphan_files":        strconv.Itoa(len(r.OrphanFiles)),
		},
	}, nil)
}

// record writes e unless the call failed because the graph is closed.
// A failing audit write is logged, never returned.
func (d *DKG) record(e audit.Event, cause error) {
	if errors.Is(cause, ErrClosed) {
		return
	}
	e.Timestamp = d.now().UTC()
	if err := d.audit.Log(e); err != nil {
		d.log.Warn("audit event not written", "type", e.Type, "error", err)
	}
}
