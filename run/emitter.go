package run

import (
	"time"

	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/ipc"
)

// ProgressEmitter records a run's lifecycle into its export log and
// updates the run's persisted status as it advances, generalizing
// pulse/async/emitter.go's JobProgressEmitter (EmitStage/EmitComplete/
// EmitError against a single in-process Job) to RunRecord/ExportItem
// persisted through Store.
type ProgressEmitter struct {
	record *RunRecord
	store  *Store
	log    *zap.SugaredLogger
}

// NewProgressEmitter creates an emitter bound to one run, logging with
// run_id pre-attached.
func NewProgressEmitter(record *RunRecord, store *Store, baseLogger *zap.SugaredLogger) *ProgressEmitter {
	return &ProgressEmitter{
		record: record,
		store:  store,
		log:    baseLogger.With("run_id", record.RunID),
	}
}

// EmitStage records a named progress stage in the export log. It does not
// change or persist the run's status.
func (e *ProgressEmitter) EmitStage(stage string, data any) {
	if err := e.store.AppendExport(ExportItem{
		RunID:     e.record.RunID,
		Kind:      ExportKindProgress,
		Data:      map[string]any{"stage": stage, "detail": data},
		CreatedAt: time.Now(),
	}); err != nil {
		e.log.Warnw("failed to append run progress export item", "stage", stage, "error", err)
	}
}

// EmitInfo records a free-text log line into the export log.
func (e *ProgressEmitter) EmitInfo(message string) {
	if err := e.store.AppendExport(ExportItem{
		RunID:     e.record.RunID,
		Kind:      ExportKindLog,
		Data:      message,
		CreatedAt: time.Now(),
	}); err != nil {
		e.log.Warnw("failed to append run log export item", "error", err)
	}
}

// EmitComplete commits the run's terminal success, persists it, and
// records the final result as a synthetic ExportItem (spec §6: "records
// a synthetic ExportItem with the response, and commits a terminal
// status").
func (e *ProgressEmitter) EmitComplete(result any) error {
	e.record.Complete(result)
	if err := e.store.AppendExport(ExportItem{
		RunID:     e.record.RunID,
		Kind:      ExportKindResult,
		Data:      result,
		CreatedAt: time.Now(),
	}); err != nil {
		e.log.Warnw("failed to append run result export item", "error", err)
	}
	return e.store.Put(e.record)
}

// EmitError commits the run's terminal failure, persists it, and records
// the structured error as a synthetic ExportItem.
func (e *ProgressEmitter) EmitError(structErr *ipc.StructuredError) error {
	e.record.Fail(structErr)
	if err := e.store.AppendExport(ExportItem{
		RunID:     e.record.RunID,
		Kind:      ExportKindError,
		Data:      structErr,
		CreatedAt: time.Now(),
	}); err != nil {
		e.log.Warnw("failed to append run error export item", "error", err)
	}
	e.log.Errorw("run failed", "error_code", structErr.Code, "message", structErr.Message)
	return e.store.Put(e.record)
}
