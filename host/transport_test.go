package host

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wislap/N.E.K.O-sub001/ipc"
)

func TestWireWriterReader_CommandRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := newWireWriter(&buf)
	require.NoError(t, w.WriteCommand(ipc.Command{RequestID: "r1", Type: ipc.CmdTrigger, EntryID: "entry-1"}))

	r := newWireReader(&buf)
	kind, body, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, frameCommand, kind)

	cmd, err := decodeCommand(body)
	require.NoError(t, err)
	assert.Equal(t, "r1", cmd.RequestID)
	assert.Equal(t, "entry-1", cmd.EntryID)
}

func TestWireWriterReader_MultipleFramesInOrder(t *testing.T) {
	var buf bytes.Buffer
	w := newWireWriter(&buf)
	require.NoError(t, w.write(frameResult, ipc.Result{RequestID: "r1", Success: true}))
	require.NoError(t, w.write(frameStatus, ipc.Status{Kind: ipc.StatusAlive}))
	require.NoError(t, w.write(frameMessage, ipc.Message{Bus: "events", Topic: "t"}))

	r := newWireReader(&buf)

	kind, body, err := r.next()
	require.NoError(t, err)
	assert.Equal(t, frameResult, kind)
	res, err := decodeResult(body)
	require.NoError(t, err)
	assert.Equal(t, "r1", res.RequestID)

	kind, body, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, frameStatus, kind)
	st, err := decodeStatus(body)
	require.NoError(t, err)
	assert.Equal(t, ipc.StatusAlive, st.Kind)

	kind, body, err = r.next()
	require.NoError(t, err)
	assert.Equal(t, frameMessage, kind)
	msg, err := decodeMessage(body)
	require.NoError(t, err)
	assert.Equal(t, "events", msg.Bus)
}

func TestWireReader_NextOnEmptyReaderErrors(t *testing.T) {
	var buf bytes.Buffer
	r := newWireReader(&buf)
	_, _, err := r.next()
	assert.Error(t, err)
}

func TestDecodeCommand_RejectsGarbage(t *testing.T) {
	_, err := decodeCommand([]byte("not msgpack"))
	assert.Error(t, err)
}
