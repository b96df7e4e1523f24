// Package audit keeps an append-only trail of knowledge graph mutations.
//
// Every model import and every inference logging attempt, successful or
// not, becomes one JSON line in the audit file. The graph itself only holds
// the final state; the trail answers "what was logged when, and what was
// refused".
//
// Example Usage:
//
//	logger, err := audit.NewLogger(audit.Config{
//		Enabled: true,
//		LogPath: "./difform/audit.jsonl",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer logger.Close()
//
//	logger.Log(audit.Event{
//		Type:    audit.EventInferenceLogged,
//		Model:   "m1",
//		Batch:   "batch_m1_7_1700000000",
//		Samples: 2,
//		Success: true,
//	})
//
//	reader := audit.NewReader("./difform/audit.jsonl")
//	res, _ := reader.Query(audit.Query{Model: "m1"})
//
// Thread Safety:
//
//	Logger methods are safe for concurrent use.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventModelImported   EventType = "MODEL_IMPORTED"
	EventModelRejected   EventType = "MODEL_REJECTED"
	EventInferenceLogged EventType = "INFERENCE_LOGGED"
	EventInferenceFailed EventType = "INFERENCE_FAILED"
	EventGraphVerified   EventType = "GRAPH_VERIFIED"
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("audit: logger is closed")

// Event is one immutable audit entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Subject of the mutation
	Model   string `json:"model,omitempty"`
	Batch   string `json:"batch,omitempty"`
	Mode    string `json:"mode,omitempty"`
	Samples int    `json:"samples,omitempty"`

	// Outcome
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"` // error text for refused mutations

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Config holds audit logger configuration.
type Config struct {
	// Enabled controls whether events are written at all.
	Enabled bool

	// LogPath is the JSONL file events are appended to.
	LogPath string

	// SyncWrites fsyncs the file after each event.
	SyncWrites bool
}

// Logger appends events to the audit file.
type Logger struct {
	mu       sync.Mutex
	writer   io.Writer
	file     *os.File
	config   Config
	sequence uint64
	closed   bool
	now      func() time.Time

	// Called after an event of a watched type has been written.
	alertCallback func(Event)
	alertOn       map[EventType]bool
}

// NewLogger opens (creating if needed) the audit file in append mode.
// A disabled config yields a Logger whose Log is a no-op.
func NewLogger(config Config) (*Logger, error) {
	l := &Logger{config: config, now: time.Now}
	if !config.Enabled {
		return l, nil
	}
	if config.LogPath == "" {
		return nil, errors.New("audit: log path required")
	}

	if err := os.MkdirAll(filepath.Dir(config.LogPath), 0750); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	file, err := os.OpenFile(config.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log file: %w", err)
	}
	l.writer = file
	l.file = file
	return l, nil
}

// NewLoggerWithWriter creates a logger over an arbitrary writer (for testing).
func NewLoggerWithWriter(writer io.Writer, config Config) *Logger {
	config.Enabled = true
	return &Logger{writer: writer, config: config, now: time.Now}
}

// SetClock replaces time.Now for event timestamps.
func (l *Logger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetAlertCallback calls fn for each written event whose type is in types.
func (l *Logger) SetAlertCallback(fn func(Event), types ...EventType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alertCallback = fn
	l.alertOn = make(map[EventType]bool, len(types))
	for _, t := range types {
		l.alertOn[t] = true
	}
}

// Enabled reports whether Log writes anything.
func (l *Logger) Enabled() bool {
	return l != nil && l.config.Enabled
}

// Path returns the audit file path, empty for writer-backed loggers.
func (l *Logger) Path() string {
	return l.config.LogPath
}

// Log appends event to the trail.
//
// Timestamp defaults to the current UTC time and ID to
// audit-{unixnano}-{sequence}.
func (l *Logger) Log(event Event) error {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.ID == "" {
		l.sequence++
		event.ID = fmt.Sprintf("audit-%d-%d", event.Timestamp.UnixNano(), l.sequence)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	if l.config.SyncWrites && l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("syncing audit log: %w", err)
		}
	}

	if l.alertCallback != nil && l.alertOn[event.Type] {
		l.alertCallback(event)
	}
	return nil
}

// Close closes the audit file. Later Log calls return ErrClosed.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Query filters the audit trail. Zero fields match everything.
type Query struct {
	StartTime  time.Time
	EndTime    time.Time
	EventTypes []EventType
	Model      string
	Batch      string
	Success    *bool
	Limit      int
	Offset     int
}

// QueryResult holds one page of matching events.
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	HasMore    bool    `json:"has_more"`
}

// Reader reads an audit file.
type Reader struct {
	path string
}

// NewReader creates a reader for the audit file at path.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Query scans the file in order and returns the matching events.
// A missing file is an empty trail. Entries whose fields do not decode are
// skipped; a syntactically broken line (a torn final write) ends the scan.
func (r *Reader) Query(q Query) (*QueryResult, error) {
	file, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &QueryResult{Events: []Event{}}, nil
		}
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer file.Close()

	events := []Event{}
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				continue
			}
			// The decoder cannot resync after a syntax error or a torn line.
			break
		}
		if q.matches(event) {
			events = append(events, event)
		}
	}

	total := len(events)
	if q.Offset > 0 {
		if q.Offset >= len(events) {
			events = []Event{}
		} else {
			events = events[q.Offset:]
		}
	}
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
	}

	return &QueryResult{
		Events:     events,
		TotalCount: total,
		HasMore:    q.Offset+len(events) < total,
	}, nil
}

func (q Query) matches(e Event) bool {
	if !q.StartTime.IsZero() && e.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && e.Timestamp.After(q.EndTime) {
		return false
	}
	if len(q.EventTypes) > 0 && !containsEventType(q.EventTypes, e.Type) {
		return false
	}
	if q.Model != "" && e.Model != q.Model {
		return false
	}
	if q.Batch != "" && e.Batch != q.Batch {
		return false
	}
	if q.Success != nil && e.Success != *q.Success {
		return false
	}
	return true
}

// ModelHistory returns every event about model.
func (r *Reader) ModelHistory(model string) (*QueryResult, error) {
	return r.Query(Query{Model: model})
}

// Failures returns refused mutations in a time window.
func (r *Reader) Failures(start, end time.Time) (*QueryResult, error) {
	failed := false
	return r.Query(Query{StartTime: start, EndTime: end, Success: &failed})
}

func containsEventType(types []EventType, t EventType) bool {
	for _, et := range types {
		if et == t {
			return true
		}
	}
	return false
}

// Report summarizes the trail over a period.
type Report struct {
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	TotalEvents   int               `json:"total_events"`
	EventsByType  map[EventType]int `json:"events_by_type"`
	SamplesLogged int               `json:"samples_logged"`
	Failures      int               `json:"failures"`
	UniqueModels  int               `json:"unique_models"`
	BatchesByMode map[string]int    `json:"batches_by_mode"`
	GeneratedAt   time.Time         `json:"generated_at"`
}

// GenerateReport counts the events between start and end (zero = unbounded).
func (r *Reader) GenerateReport(start, end time.Time) (*Report, error) {
	result, err := r.Query(Query{StartTime: start, EndTime: end})
	if err != nil {
		return nil, err
	}

	report := &Report{
		StartTime:     start,
		EndTime:       end,
		TotalEvents:   result.TotalCount,
		EventsByType:  make(map[EventType]int),
		BatchesByMode: make(map[string]int),
		GeneratedAt:   time.Now().UTC(),
	}

	models := make(map[string]bool)
	for _, event := range result.Events {
		report.EventsByType[event.Type]++
		if event.Model != "" {
			models[event.Model] = true
		}
		if !event.Success {
			report.Failures++
		}
		if event.Type == EventInferenceLogged {
			report.SamplesLogged += event.Samples
			report.BatchesByMode[event.Mode]++
		}
	}
	report.UniqueModels = len(models)
	return report, nil
}
