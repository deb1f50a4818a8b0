package run

import (
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// BlobStore backs spec §6's upload/blob surface ("POST
// /runs/{run_id}/uploads -> begin a blob upload; PUT /uploads/{upload_id}
// -> stream bytes (size-bounded); GET /runs/{run_id}/blobs/{blob_id} ->
// download"). Blobs are run-scoped opaque byte payloads, not bus Events,
// so they are held in a plain bounded in-memory map rather than routed
// through the bus package — there is no teacher or pack library for
// ad-hoc binary blob storage, so this one component is intentionally
// built directly on the standard library (see DESIGN.md).
type BlobStore struct {
	maxBytes int64

	mu    sync.Mutex
	blobs map[string][]byte // upload_id == blob_id once finalized
}

// NewBlobStore constructs a BlobStore bounding each upload to maxBytes
// (spec §6 "Environment": BLOB_UPLOAD_MAX_BYTES).
func NewBlobStore(maxBytes int64) *BlobStore {
	return &BlobStore{
		maxBytes: maxBytes,
		blobs:    make(map[string][]byte),
	}
}

// BeginUpload reserves a fresh upload id for runID (spec §6 "POST
// /runs/{run_id}/uploads -> begin a blob upload").
func (b *BlobStore) BeginUpload(runID string) string {
	uploadID := runID + "-" + uuid.NewString()
	b.mu.Lock()
	b.blobs[uploadID] = nil
	b.mu.Unlock()
	return uploadID
}

// WriteUpload streams body into uploadID, rejecting payloads over the
// configured size bound (spec §6 "stream bytes (size-bounded)").
func (b *BlobStore) WriteUpload(uploadID string, body io.Reader) (int64, error) {
	b.mu.Lock()
	_, reserved := b.blobs[uploadID]
	b.mu.Unlock()
	if !reserved {
		return 0, errors.Newf("upload %q was never begun", uploadID)
	}

	limited := io.LimitReader(body, b.maxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return 0, errors.Wrap(err, "failed to read upload body")
	}
	if int64(len(data)) > b.maxBytes {
		return 0, errors.Newf("upload exceeds the %d byte limit", b.maxBytes)
	}

	b.mu.Lock()
	b.blobs[uploadID] = data
	b.mu.Unlock()
	return int64(len(data)), nil
}

// GetBlob returns a finalized upload's bytes by blob id (== upload id).
func (b *BlobStore) GetBlob(blobID string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[blobID]
	return data, ok && data != nil
}
