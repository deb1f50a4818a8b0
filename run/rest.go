package run

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// Handlers wires the Run protocol's REST surface (spec §6) onto an
// http.ServeMux using Go 1.22+ method-and-pattern routes, grounded on
// server/auth/auth.go's http.HandleFunc + middleware-wrapper idiom
// (Middleware(next http.HandlerFunc) http.HandlerFunc).
type Handlers struct {
	service    *Service
	blobs      *BlobStore
	authSecret []byte
	limiter    *rate.Limiter
	log        *zap.SugaredLogger
}

// NewHandlers constructs the Run protocol's REST handlers. authSecret
// signs the bearer JWTs REST clients present (distinct from the raw-HMAC
// run tokens WebSocket clients present, per spec §6's two separate auth
// schemes). ratePerSecond/burst bound the whole surface's request rate,
// generalizing pulse/async/worker.go's RateLimiter interface (there
// gating job submission) to gate REST calls via golang.org/x/time/rate.
func NewHandlers(service *Service, blobs *BlobStore, authSecret []byte, ratePerSecond float64, burst int, log *zap.SugaredLogger) *Handlers {
	return &Handlers{
		service:    service,
		blobs:      blobs,
		authSecret: authSecret,
		limiter:    rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		log:        log.Named("run.rest"),
	}
}

// RegisterRoutes mounts every Run protocol REST route on mux, each
// wrapped by bearer-auth middleware.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", h.withAuth(h.handleCreate))
	mux.HandleFunc("GET /runs/{run_id}", h.withAuth(h.handleGet))
	mux.HandleFunc("POST /runs/{run_id}/cancel", h.withAuth(h.handleCancel))
	mux.HandleFunc("GET /runs/{run_id}/export", h.withAuth(h.handleExport))
	mux.HandleFunc("POST /runs/{run_id}/uploads", h.withAuth(h.handleBeginUpload))
	mux.HandleFunc("PUT /uploads/{upload_id}", h.withAuth(h.handleStreamUpload))
	mux.HandleFunc("GET /runs/{run_id}/blobs/{blob_id}", h.withAuth(h.handleDownloadBlob))
}

// withAuth enforces a bearer JWT on every Run protocol REST call (spec
// §7 "Permission denied" / HTTP 401 "authentication required" pattern
// from server/auth/auth.go's Middleware).
func (h *Handlers) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "VALIDATION_ERROR", "missing bearer token")
			return
		}
		_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.Newf("unexpected signing method %v", t.Header["alg"])
			}
			return h.authSecret, nil
		})
		if err != nil {
			writeError(w, http.StatusUnauthorized, "VALIDATION_ERROR", "invalid bearer token")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}

type createRunRequest struct {
	PluginID       string         `json:"plugin_id"`
	EntryID        string         `json:"entry_id"`
	Args           map[string]any `json:"args"`
	TaskID         string         `json:"task_id"`
	TraceID        string         `json:"trace_id"`
	IdempotencyKey string         `json:"idempotency_key"`
}

func (h *Handlers) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed request body")
		return
	}
	result, err := h.service.Create(req.PluginID, req.EntryID, req.Args, req.TaskID, req.TraceID, req.IdempotencyKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.PathValue("run_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Cancel(r.PathValue("run_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handlers) handleExport(w http.ResponseWriter, r *http.Request) {
	after := parseUintParam(r, "after", 0)
	limit := int(parseUintParam(r, "limit", 100))
	items, err := h.service.ListExport(r.PathValue("run_id"), after, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handlers) handleBeginUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := h.blobs.BeginUpload(r.PathValue("run_id"))
	writeJSON(w, http.StatusOK, map[string]any{"upload_id": uploadID})
}

func (h *Handlers) handleStreamUpload(w http.ResponseWriter, r *http.Request) {
	n, err := h.blobs.WriteUpload(r.PathValue("upload_id"), r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bytes_written": n})
}

func (h *Handlers) handleDownloadBlob(w http.ResponseWriter, r *http.Request) {
	data, ok := h.blobs.GetBlob(r.PathValue("blob_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "blob not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the structured result envelope named in spec §6
// ("Structured result envelope (plugin handlers)"), reused here as the
// REST surface's error body shape.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func parseUintParam(r *http.Request, name string, fallback uint64) uint64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
