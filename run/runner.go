package run

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/errors"
	"github.com/wislap/N.E.K.O-sub001/host"
	"github.com/wislap/N.E.K.O-sub001/ipc"
)

// PluginCaller is the subset of host.Registry behavior the Run protocol
// needs to actually execute an entry, mirroring ipc.PluginCaller's
// decoupling pattern so this package does not need the whole of package
// host's surface.
type PluginCaller interface {
	Trigger(ctx context.Context, pluginID, entryID string, args map[string]any, timeout time.Duration) (ipc.Result, error)
	Alive(pluginID string) bool
}

// Config bounds the Run protocol's token lifetime and per-run execution
// budget (spec §6 "Environment": RUN_TOKEN_TTL_SECONDS).
type Config struct {
	TokenSecret []byte
	TokenTTL    time.Duration
	ExecTimeout time.Duration
}

// runControl tracks the in-flight goroutine for one run, letting Cancel
// reach into its context (spec §6 "POST /runs/{run_id}/cancel").
type runControl struct {
	cancel context.CancelFunc
}

// Service is the Run protocol's control surface: create/get/cancel a
// run, backed by Store for persistence and PluginCaller for execution.
// Grounded on pulse/async's WorkerPool (one goroutine per accepted job,
// bounded only by the caller's own concurrency), adapted here to the Run
// protocol's one-run-one-goroutine model since each run additionally
// owns a cancelable context and an export log.
type Service struct {
	store   *Store
	plugins PluginCaller
	log     *zap.SugaredLogger
	cfg     Config

	mu       sync.Mutex
	inFlight map[string]*runControl
}

// NewService constructs a Run protocol Service.
func NewService(store *Store, plugins PluginCaller, log *zap.SugaredLogger, cfg Config) *Service {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	return &Service{
		store:    store,
		plugins:  plugins,
		log:      log.Named("run"),
		cfg:      cfg,
		inFlight: make(map[string]*runControl),
	}
}

// CreateResult is what POST /runs returns (spec §6: "returns {run_id,
// status, run_token, expires_at}").
type CreateResult struct {
	RunID     string    `json:"run_id"`
	Status    Status    `json:"status"`
	RunToken  string    `json:"run_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Create starts a new run, or — if idempotencyKey matches a previously
// created run — returns that run's current state and a freshly issued
// token instead of triggering a second execution.
func (s *Service) Create(pluginID, entryID string, args map[string]any, taskID, traceID, idempotencyKey string) (*CreateResult, error) {
	if idempotencyKey != "" {
		if existingID, ok := s.store.FindByIdempotencyKey(idempotencyKey); ok {
			record, found, err := s.store.Get(existingID)
			if err != nil {
				return nil, err
			}
			if found {
				return s.issueResult(record)
			}
		}
	}

	record, err := NewRunRecord(host.NewRequestID(), pluginID, entryID, args, taskID, traceID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(record); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExecTimeout)
	s.mu.Lock()
	s.inFlight[record.RunID] = &runControl{cancel: cancel}
	s.mu.Unlock()

	go s.execute(ctx, record)

	return s.issueResult(record)
}

func (s *Service) issueResult(record *RunRecord) (*CreateResult, error) {
	expiresAt := time.Now().Add(s.cfg.TokenTTL)
	token, err := IssueToken(s.cfg.TokenSecret, record.RunID, s.cfg.TokenTTL, "read")
	if err != nil {
		return nil, err
	}
	return &CreateResult{
		RunID:     record.RunID,
		Status:    record.Status,
		RunToken:  token,
		ExpiresAt: expiresAt,
	}, nil
}

// execute runs record's entry in the background (spec §6: "A background
// task sets status to running, invokes the plugin, records a synthetic
// ExportItem with the response, and commits a terminal status").
func (s *Service) execute(ctx context.Context, record *RunRecord) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, record.RunID)
		s.mu.Unlock()
	}()

	emitter := NewProgressEmitter(record, s.store, s.log)

	select {
	case <-ctx.Done():
		// Canceled before execution got a chance to start: commit the
		// "if queued -> commit canceled" branch of spec §6 directly,
		// since Cancel() could only mark the persisted copy (a distinct
		// RunRecord instance) cancel_requested or canceled without this
		// goroutine observing it any other way.
		record.Cancel()
		if err := s.store.Put(record); err != nil {
			s.log.Warnw("failed to persist pre-start cancellation", "run_id", record.RunID, "error", err)
		}
		return
	default:
	}

	record.Start()
	if err := s.store.Put(record); err != nil {
		s.log.Warnw("failed to persist run start", "run_id", record.RunID, "error", err)
	}
	emitter.EmitStage("started", nil)

	if !s.plugins.Alive(record.PluginID) {
		emitter.EmitError(&ipc.StructuredError{
			Code:    "NOT_READY",
			Message: "plugin is not running",
		})
		return
	}

	result, err := s.plugins.Trigger(ctx, record.PluginID, record.EntryID, record.Args, s.cfg.ExecTimeout)
	if err != nil {
		emitter.EmitError(classifyExecError(ctx, err))
		return
	}
	if !result.Success {
		structErr := result.Error
		if structErr == nil {
			structErr = &ipc.StructuredError{Code: "INTERNAL", Message: "entry failed without a structured error"}
		}
		emitter.EmitError(structErr)
		return
	}

	emitter.EmitComplete(result.Data)
}

func classifyExecError(ctx context.Context, err error) *ipc.StructuredError {
	if ctx.Err() != nil {
		return &ipc.StructuredError{Code: "TIMEOUT", Message: ctx.Err().Error(), Retriable: true}
	}
	return &ipc.StructuredError{Code: "INTERNAL", Message: err.Error()}
}

// Get returns the current RunRecord for runID.
func (s *Service) Get(runID string) (*RunRecord, error) {
	record, found, err := s.store.Get(runID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.Newf("run %q not found", runID)
	}
	return record, nil
}

// Cancel implements spec §6 "POST /runs/{run_id}/cancel": a queued run
// (not yet past its own goroutine's startup race) commits canceled
// immediately; a running run is marked cancel_requested and its
// execution context is canceled, letting the plugin trigger observe
// ctx.Done() per spec §5's cancellation model.
func (s *Service) Cancel(runID string) (*RunRecord, error) {
	record, err := s.Get(runID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return record, nil
	}

	s.mu.Lock()
	ctl, running := s.inFlight[runID]
	s.mu.Unlock()

	switch record.Status {
	case StatusQueued:
		record.Cancel()
	default:
		record.RequestCancel()
	}
	if err := s.store.Put(record); err != nil {
		return nil, err
	}
	if running && ctl.cancel != nil {
		ctl.cancel()
	}
	return record, nil
}

// ListExport implements spec §6 "GET /runs/{run_id}/export?after&limit".
func (s *Service) ListExport(runID string, after uint64, limit int) ([]ExportItem, error) {
	return s.store.ListExport(runID, after, limit)
}

// TokenSecret exposes the configured HMAC secret for WebSocket auth
// verification (package run's ws.go).
func (s *Service) TokenSecret() []byte { return s.cfg.TokenSecret }
