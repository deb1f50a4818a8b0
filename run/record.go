// Package run implements the Run protocol (spec §6): a REST + WebSocket
// surface for invoking a plugin entry as a tracked, cancelable run, with
// a paginated export log of everything it produced along the way.
//
// Grounded on pulse/async/job.go's Job/JobStatus shape, generalized from
// a single in-process job queue to records persisted through the bus
// package's "runs" and "export" TopicStores (spec §3 "RunRecord,
// ExportItem: specified in §6").
package run

import (
	"time"

	"github.com/wislap/N.E.K.O-sub001/errors"
	"github.com/wislap/N.E.K.O-sub001/ipc"
)

// Status enumerates RunRecord.Status. cancel_requested is the
// transitional state named in spec §6 ("if running -> set
// cancel_requested and emit change") distinguishing "asked to stop" from
// the terminal "canceled".
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusCancelRequested Status = "cancel_requested"
	StatusCanceled        Status = "canceled"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether a run has reached a status from which it will
// never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// RunRecord is one invocation of a plugin entry tracked by the Run
// protocol (spec §6 "POST /runs").
type RunRecord struct {
	RunID          string                  `json:"run_id"`
	PluginID       string                  `json:"plugin_id"`
	EntryID        string                  `json:"entry_id"`
	Args           map[string]any          `json:"args,omitempty"`
	TaskID         string                  `json:"task_id,omitempty"`
	TraceID        string                  `json:"trace_id,omitempty"`
	IdempotencyKey string                  `json:"idempotency_key,omitempty"`
	Status         Status                  `json:"status"`
	Result         any                     `json:"result,omitempty"`
	Error          *ipc.StructuredError    `json:"error,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// NewRunRecord creates a queued RunRecord for a fresh runID.
func NewRunRecord(runID, pluginID, entryID string, args map[string]any, taskID, traceID, idempotencyKey string) (*RunRecord, error) {
	if pluginID == "" || entryID == "" {
		return nil, errors.New("run requires a plugin_id and entry_id")
	}
	now := time.Now()
	return &RunRecord{
		RunID:          runID,
		PluginID:       pluginID,
		EntryID:        entryID,
		Args:           args,
		TaskID:         taskID,
		TraceID:        traceID,
		IdempotencyKey: idempotencyKey,
		Status:         StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Start transitions queued -> running.
func (r *RunRecord) Start() {
	now := time.Now()
	r.Status = StatusRunning
	r.StartedAt = &now
	r.UpdatedAt = now
}

// RequestCancel transitions running -> cancel_requested (spec §6 "if
// running -> set cancel_requested and emit change"). A no-op once the
// run is already terminal.
func (r *RunRecord) RequestCancel() {
	if r.Status.Terminal() {
		return
	}
	r.Status = StatusCancelRequested
	r.UpdatedAt = time.Now()
}

// Cancel commits the terminal canceled status (spec §6 "if queued ->
// commit canceled").
func (r *RunRecord) Cancel() {
	now := time.Now()
	r.Status = StatusCanceled
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Complete commits a successful terminal result.
func (r *RunRecord) Complete(result any) {
	now := time.Now()
	r.Status = StatusCompleted
	r.Result = result
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// Fail commits a terminal structured error.
func (r *RunRecord) Fail(structErr *ipc.StructuredError) {
	now := time.Now()
	r.Status = StatusFailed
	r.Error = structErr
	r.CompletedAt = &now
	r.UpdatedAt = now
}

// AsMap flattens the record for publication into the "runs" bus
// TopicStore, whose payload shape is map[string]any (spec §4.3 "publish
// algorithm").
func (r *RunRecord) AsMap() map[string]any {
	m := map[string]any{
		"id":         r.RunID,
		"run_id":     r.RunID,
		"plugin_id":  r.PluginID,
		"entry_id":   r.EntryID,
		"args":       r.Args,
		"status":     string(r.Status),
		"created_at": r.CreatedAt,
		"updated_at": r.UpdatedAt,
	}
	if r.TaskID != "" {
		m["task_id"] = r.TaskID
	}
	if r.TraceID != "" {
		m["trace_id"] = r.TraceID
	}
	if r.IdempotencyKey != "" {
		m["idempotency_key"] = r.IdempotencyKey
	}
	if r.Result != nil {
		m["result"] = r.Result
	}
	if r.Error != nil {
		m["error"] = map[string]any{
			"code":      r.Error.Code,
			"message":   r.Error.Message,
			"details":   r.Error.Details,
			"retriable": r.Error.Retriable,
		}
	}
	if r.StartedAt != nil {
		m["started_at"] = *r.StartedAt
	}
	if r.CompletedAt != nil {
		m["completed_at"] = *r.CompletedAt
	}
	return m
}

// RunRecordFromMap reconstructs a RunRecord from one bus.Event.AsMap()
// result read back off the "runs" TopicStore: event-envelope fields
// (seq/ts/store/topic/index) wrap the payload produced by AsMap, so the
// record itself lives under m["payload"].
func RunRecordFromMap(event map[string]any) *RunRecord {
	m, _ := event["payload"].(map[string]any)
	if m == nil {
		m = event
	}
	r := &RunRecord{
		RunID:    stringField(m, "run_id", "id"),
		PluginID: stringField(m, "plugin_id"),
		EntryID:  stringField(m, "entry_id"),
		Status:   Status(stringField(m, "status")),
	}
	if v, ok := m["args"].(map[string]any); ok {
		r.Args = v
	}
	r.TaskID = stringField(m, "task_id")
	r.TraceID = stringField(m, "trace_id")
	r.IdempotencyKey = stringField(m, "idempotency_key")
	r.Result = m["result"]
	if v, ok := m["error"].(map[string]any); ok {
		r.Error = &ipc.StructuredError{
			Code:    stringField(v, "code"),
			Message: stringField(v, "message"),
		}
		if details, ok := v["details"].(map[string]any); ok {
			r.Error.Details = details
		}
		if retriable, ok := v["retriable"].(bool); ok {
			r.Error.Retriable = retriable
		}
	}
	if t, ok := m["created_at"].(time.Time); ok {
		r.CreatedAt = t
	}
	if t, ok := m["updated_at"].(time.Time); ok {
		r.UpdatedAt = t
	}
	if t, ok := m["started_at"].(time.Time); ok {
		r.StartedAt = &t
	}
	if t, ok := m["completed_at"].(time.Time); ok {
		r.CompletedAt = &t
	}
	return r
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ExportItemKind discriminates what an ExportItem carries.
type ExportItemKind string

const (
	ExportKindProgress ExportItemKind = "progress"
	ExportKindResult   ExportItemKind = "result"
	ExportKindError    ExportItemKind = "error"
	ExportKindLog      ExportItemKind = "log"
)

// ExportItem is one entry in a run's append-only export log (spec §6
// "records a synthetic ExportItem with the response" and "GET
// /runs/{run_id}/export?after&limit -> paginated export items").
type ExportItem struct {
	RunID     string         `json:"run_id"`
	Seq       uint64         `json:"seq"`
	Kind      ExportItemKind `json:"kind"`
	Data      any            `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// AsMap flattens the item for publication into the "export" bus
// TopicStore, topic-keyed by run id.
func (e ExportItem) AsMap() map[string]any {
	return map[string]any{
		"id":         e.RunID, // lets bus.TopicStore's change-event Index.ID filter WS pushes to this run
		"run_id":     e.RunID,
		"kind":       string(e.Kind),
		"data":       e.Data,
		"created_at": e.CreatedAt,
	}
}

// ExportItemFromMap reconstructs an ExportItem from one bus.Event.AsMap()
// result read back off the "export" TopicStore.
func ExportItemFromMap(event map[string]any) ExportItem {
	m, _ := event["payload"].(map[string]any)
	if m == nil {
		m = event
	}
	seq, _ := event["seq"].(uint64)
	ts, _ := event["ts"].(time.Time)
	return ExportItem{
		RunID:     stringField(m, "run_id"),
		Seq:       seq,
		Kind:      ExportItemKind(stringField(m, "kind")),
		Data:      m["data"],
		CreatedAt: ts,
	}
}
