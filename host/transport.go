package host

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/wislap/N.E.K.O-sub001/errors"
	"github.com/wislap/N.E.K.O-sub001/ipc"
)

// frameKind discriminates the multiplexed stream between a host and its
// child process. The teacher's gopls StdioClient (qntx-code/langserver/gopls/client.go)
// pairs one stdin writer with one stdout reader for a single JSON-RPC
// stream; this transport generalizes that to four of the named channels
// of spec §3's PluginHost entity (cmd_ch/res_ch/status_ch/msg_ch; resp_ch
// has no frame kind), multiplexed over the child's stdin/stdout using msgpack framing instead
// of gRPC, per DESIGN.md.
type frameKind uint8

const (
	frameCommand frameKind = iota + 1
	frameResult
	frameStatus
	frameMessage
)

// frame is one length-prefixed wire unit: a 1-byte kind, a 4-byte
// big-endian payload length, then the msgpack-encoded payload.
type wireWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newWireWriter(w io.Writer) *wireWriter {
	return &wireWriter{w: w}
}

func (w *wireWriter) write(kind frameKind, payload any) error {
	body, err := msgpack.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to encode wire frame payload")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	header := make([]byte, 5)
	header[0] = byte(kind)
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))
	if _, err := w.w.Write(header); err != nil {
		return errors.Wrap(err, "failed to write wire frame header")
	}
	if _, err := w.w.Write(body); err != nil {
		return errors.Wrap(err, "failed to write wire frame body")
	}
	return nil
}

func (w *wireWriter) WriteCommand(c ipc.Command) error { return w.write(frameCommand, c) }

// wireReader reads frames off a child's stdout and dispatches them by
// kind. One wireReader serves one child; it is not safe for concurrent
// next calls (only the host's single read loop calls it).
type wireReader struct {
	r *bufio.Reader
}

func newWireReader(r io.Reader) *wireReader {
	return &wireReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next reads one frame, returning its kind and its raw msgpack payload,
// which the caller decodes with the matching decodeX helper.
func (r *wireReader) next() (frameKind, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r.r, header); err != nil {
		return 0, nil, err
	}
	kind := frameKind(header[0])
	size := binary.BigEndian.Uint32(header[1:])
	body := make([]byte, size)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return 0, nil, errors.Wrap(err, "failed to read wire frame body")
	}
	return kind, body, nil
}

func decodeCommand(body []byte) (ipc.Command, error) {
	var cmd ipc.Command
	if err := msgpack.Unmarshal(body, &cmd); err != nil {
		return ipc.Command{}, errors.Wrap(err, "failed to decode command frame")
	}
	return cmd, nil
}

func decodeResult(body []byte) (ipc.Result, error) {
	var res ipc.Result
	if err := msgpack.Unmarshal(body, &res); err != nil {
		return ipc.Result{}, errors.Wrap(err, "failed to decode result frame")
	}
	return res, nil
}

func decodeStatus(body []byte) (ipc.Status, error) {
	var st ipc.Status
	if err := msgpack.Unmarshal(body, &st); err != nil {
		return ipc.Status{}, errors.Wrap(err, "failed to decode status frame")
	}
	return st, nil
}

func decodeMessage(body []byte) (ipc.Message, error) {
	var msg ipc.Message
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return ipc.Message{}, errors.Wrap(err, "failed to decode message frame")
	}
	return msg, nil
}
