// Package fastplane implements the optional low-latency request/response
// and push-batch transport named in spec §4.2 ("Framed binary transport
// (fast plane)") and §6 ("Cross-process RPC envelope (fast plane)").
//
// github.com/vmihailenco/msgpack/v5 is used as the wire codec in place of
// the teacher's gRPC/protobuf transport; see DESIGN.md for why.
package fastplane

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// ValidationMode controls how strictly envelopes are checked before
// dispatch (spec §4.2: "off, warn, strict").
type ValidationMode string

const (
	ValidationOff    ValidationMode = "off"
	ValidationWarn   ValidationMode = "warn"
	ValidationStrict ValidationMode = "strict"
)

// EnvelopeVersion is the literal `v:1` field named in spec §6.
const EnvelopeVersion = 1

// Request is the request-channel envelope: `{v:1, op, req_id, args, from_plugin?}`.
type Request struct {
	V         int            `msgpack:"v"`
	Op        string         `msgpack:"op"`
	ReqID     string         `msgpack:"req_id"`
	Args      map[string]any `msgpack:"args"`
	FromPlugin string        `msgpack:"from_plugin,omitempty"`
}

// EnvelopeError is the `error` field of a Response.
type EnvelopeError struct {
	Code    string         `msgpack:"code"`
	Message string         `msgpack:"message"`
	Details map[string]any `msgpack:"details,omitempty"`
}

// Response is the reply-channel envelope: `{v:1, ok, req_id, result|error}`.
type Response struct {
	V     int            `msgpack:"v"`
	Ok    bool           `msgpack:"ok"`
	ReqID string         `msgpack:"req_id"`
	Result any           `msgpack:"result,omitempty"`
	Error  *EnvelopeError `msgpack:"error,omitempty"`
}

// EncodeRequest frames req as msgpack bytes.
func EncodeRequest(req Request) ([]byte, error) {
	req.V = EnvelopeVersion
	b, err := msgpack.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode fast-plane request envelope")
	}
	return b, nil
}

// DecodeRequest parses msgpack bytes into a Request, validating per mode.
func DecodeRequest(data []byte, mode ValidationMode) (Request, error) {
	var req Request
	if err := msgpack.Unmarshal(data, &req); err != nil {
		return Request{}, errors.Wrap(err, "failed to decode fast-plane request envelope")
	}
	if err := validateRequest(req, mode); err != nil {
		return Request{}, err
	}
	return req, nil
}

func validateRequest(req Request, mode ValidationMode) error {
	if mode == ValidationOff {
		return nil
	}
	var problems []string
	if req.V != EnvelopeVersion {
		problems = append(problems, "unsupported envelope version")
	}
	if req.Op == "" {
		problems = append(problems, "missing op")
	}
	if req.ReqID == "" {
		problems = append(problems, "missing req_id")
	}
	if len(problems) == 0 {
		return nil
	}
	if mode == ValidationStrict {
		return errors.Newf("malformed fast-plane envelope: %v", problems)
	}
	// warn: caller logs problems and proceeds; surfaced via the returned
	// error being nil but callers may inspect CheckRequest separately.
	return nil
}

// CheckRequest returns the list of validation problems without erroring,
// for "warn" mode callers that want to log but not reject.
func CheckRequest(req Request) []string {
	var problems []string
	if req.V != EnvelopeVersion {
		problems = append(problems, "unsupported envelope version")
	}
	if req.Op == "" {
		problems = append(problems, "missing op")
	}
	if req.ReqID == "" {
		problems = append(problems, "missing req_id")
	}
	return problems
}

// EncodeResponse frames resp as msgpack bytes.
func EncodeResponse(resp Response) ([]byte, error) {
	resp.V = EnvelopeVersion
	b, err := msgpack.Marshal(resp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode fast-plane response envelope")
	}
	return b, nil
}

// DecodeResponse parses msgpack bytes into a Response.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := msgpack.Unmarshal(data, &resp); err != nil {
		return Response{}, errors.Wrap(err, "failed to decode fast-plane response envelope")
	}
	return resp, nil
}

// PushItem is one record within a push-batch (spec §4.2 "Push-batch
// channel").
type PushItem struct {
	Seq     uint64         `msgpack:"seq"`
	Payload map[string]any `msgpack:"payload"`
}

// PushBatch is `{from_plugin, first_seq, last_seq, count, items}`.
type PushBatch struct {
	FromPlugin string     `msgpack:"from_plugin"`
	FirstSeq   uint64     `msgpack:"first_seq"`
	LastSeq    uint64     `msgpack:"last_seq"`
	Count      int        `msgpack:"count"`
	Items      []PushItem `msgpack:"items"`
}

// Watermark tracks the last accepted push sequence number per plugin
// (spec §3 "PushSeqWatermark"), used to detect out-of-order or duplicate
// batches on the fast push path.
type Watermark struct {
	lastSeq uint64
	set     bool
}

// Validate checks batch against the watermark. If the batch supplies
// FirstSeq/LastSeq/Count consistently, advancement is O(1); otherwise the
// caller falls back to scanning Items (spec §4.2). Validate always
// performs the O(1) check since FirstSeq/LastSeq/Count are always present
// in this implementation's PushBatch.
func (w *Watermark) Validate(batch PushBatch) error {
	if batch.LastSeq < batch.FirstSeq {
		return errors.Newf("push batch from %s has last_seq < first_seq", batch.FromPlugin)
	}
	expectedCount := int(batch.LastSeq-batch.FirstSeq) + 1
	if batch.Count != expectedCount {
		return errors.Newf(
			"push batch from %s count mismatch: first=%d last=%d count=%d expected=%d",
			batch.FromPlugin, batch.FirstSeq, batch.LastSeq, batch.Count, expectedCount,
		)
	}
	if w.set && batch.FirstSeq <= w.lastSeq {
		return errors.Newf(
			"push batch from %s out of order or duplicate: first_seq=%d <= watermark=%d",
			batch.FromPlugin, batch.FirstSeq, w.lastSeq,
		)
	}
	w.lastSeq = batch.LastSeq
	w.set = true
	return nil
}

// Last returns the current watermark value.
func (w *Watermark) Last() (uint64, bool) {
	return w.lastSeq, w.set
}

// flushDeadline is the small time budget push-batch producers buffer
// under before flushing even if MaxBatchSize has not been reached (spec
// §4.2: "flush either at a max batch size or after a small time budget").
const flushDeadline = 50 * time.Millisecond

// BatchFlusher buffers PushItems and reports when a flush is due.
type BatchFlusher struct {
	MaxBatchSize int
	items        []PushItem
	deadline     time.Time
}

// NewBatchFlusher constructs a flusher with the given max batch size.
func NewBatchFlusher(maxBatchSize int) *BatchFlusher {
	if maxBatchSize <= 0 {
		maxBatchSize = 256
	}
	return &BatchFlusher{MaxBatchSize: maxBatchSize}
}

// Add appends an item, starting the flush deadline timer if this is the
// first buffered item since the last flush.
func (f *BatchFlusher) Add(item PushItem) {
	if len(f.items) == 0 {
		f.deadline = time.Now().Add(flushDeadline)
	}
	f.items = append(f.items, item)
}

// Due reports whether a flush should happen now.
func (f *BatchFlusher) Due() bool {
	if len(f.items) == 0 {
		return false
	}
	return len(f.items) >= f.MaxBatchSize || time.Now().After(f.deadline)
}

// Flush returns and clears the buffered items, building the batch's
// first_seq/last_seq/count from the items themselves (items must already
// carry their assigned seq).
func (f *BatchFlusher) Flush(fromPlugin string) (PushBatch, bool) {
	if len(f.items) == 0 {
		return PushBatch{}, false
	}
	items := f.items
	f.items = nil
	return PushBatch{
		FromPlugin: fromPlugin,
		FirstSeq:   items[0].Seq,
		LastSeq:    items[len(items)-1].Seq,
		Count:      len(items),
		Items:      items,
	}, true
}
