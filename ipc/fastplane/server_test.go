package fastplane

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wislap/N.E.K.O-sub001/ipc"
)

type fakeDispatcher struct {
	resp ipc.RoutedResponse
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req ipc.RoutedRequest) ipc.RoutedResponse {
	return f.resp
}

func startTestServer(t *testing.T, disp Dispatcher) *Server {
	t.Helper()
	srv, err := Listen("127.0.0.1:0", disp, ValidationStrict, time.Second, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)
	return srv
}

func TestServer_RoundTripSuccess(t *testing.T) {
	disp := &fakeDispatcher{resp: ipc.RoutedResponse{Result: map[string]any{"pong": true}}}
	srv := startTestServer(t, disp)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	reqBytes, err := EncodeRequest(Request{Op: "PLUGIN_QUERY", ReqID: "req-1", Args: map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, reqBytes))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := readFrame(conn)
	require.NoError(t, err)

	resp, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.True(t, resp.Ok)
	assert.Equal(t, "req-1", resp.ReqID)
}

func TestServer_RoundTripError(t *testing.T) {
	disp := &fakeDispatcher{resp: ipc.RoutedResponse{Error: &ipc.StructuredError{Code: "NOT_FOUND", Message: "nope"}}}
	srv := startTestServer(t, disp)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	reqBytes, err := EncodeRequest(Request{Op: "PLUGIN_QUERY", ReqID: "req-2", Args: map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, reqBytes))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := readFrame(conn)
	require.NoError(t, err)

	resp, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.False(t, resp.Ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestServer_MalformedEnvelopeClosesConnection(t *testing.T) {
	disp := &fakeDispatcher{}
	srv := startTestServer(t, disp)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, writeFrame(conn, []byte("not valid msgpack envelope bytes")))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = readFrame(conn)
	assert.Error(t, err, "a malformed envelope causes the server to close the connection without replying")
}

func TestServer_CloseStopsAcceptingConnections(t *testing.T) {
	disp := &fakeDispatcher{}
	srv := startTestServer(t, disp)
	require.NoError(t, srv.Close())

	_, err := net.Dial("tcp", srv.Addr().String())
	assert.Error(t, err)
}
