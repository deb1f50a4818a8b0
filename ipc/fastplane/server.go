package fastplane

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/errors"
	"github.com/wislap/N.E.K.O-sub001/ipc"
)

// frameMax bounds one fast-plane frame, matching spec §6's "payload ≤1 MiB"
// limit plus headroom for envelope overhead.
const frameMax = 2 << 20

// Dispatcher is the subset of ipc.Router the fast-plane server needs: turn
// one decoded envelope into a RoutedResponse. Expressed as an interface so
// this file can be unit-tested against a fake without a live Router.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ipc.RoutedRequest) ipc.RoutedResponse
}

// Server listens for length-prefixed msgpack fast-plane connections (spec
// §4.2's "optional secondary transport"), one goroutine per connection,
// each frame dispatched independently so a slow request on one connection
// never blocks another. Grounded on plugin/grpc/queue_server.go's
// persistent-connection-with-background-reader shape, generalized from a
// gRPC stream to a raw framed socket.
type Server struct {
	listener net.Listener
	router   Dispatcher
	mode     ValidationMode
	timeout  time.Duration
	log      *zap.SugaredLogger
}

// Listen starts a fast-plane server on addr (host:port, or a unix socket
// path prefixed with "unix:").
func Listen(addr string, router Dispatcher, mode ValidationMode, timeout time.Duration, log *zap.SugaredLogger) (*Server, error) {
	network := "tcp"
	if len(addr) > 5 && addr[:5] == "unix:" {
		network = "unix"
		addr = addr[5:]
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "fast plane: failed to listen on %s", addr)
	}
	return &Server{
		listener: ln,
		router:   router,
		mode:     mode,
		timeout:  timeout,
		log:      log.Named("ipc.fastplane"),
	}, nil
}

// Addr returns the server's bound address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

// Serve accepts connections until ctx is done or the listener is closed.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warnw("fast plane accept failed", "error", err)
			return
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Debugw("fast plane connection closed", "error", err)
			}
			return
		}

		req, err := DecodeRequest(frame, s.mode)
		if err != nil {
			s.log.Warnw("fast plane malformed envelope, dropping connection", "error", err)
			return
		}
		if problems := CheckRequest(req); len(problems) > 0 && s.mode == ValidationWarn {
			s.log.Warnw("fast plane envelope warnings", "req_id", req.ReqID, "problems", problems)
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
		resp := s.router.Dispatch(reqCtx, ipc.RoutedRequest{
			Type:       ipc.RequestType(req.Op),
			RequestID:  req.ReqID,
			FromPlugin: req.FromPlugin,
			Params:     req.Args,
			Timeout:    s.timeout,
		})
		cancel()

		out := Response{Ok: resp.Error == nil, ReqID: req.ReqID, Result: resp.Result}
		if resp.Error != nil {
			out.Error = &EnvelopeError{Code: string(resp.Error.Code), Message: resp.Error.Message, Details: resp.Error.Details}
		}
		encoded, err := EncodeResponse(out)
		if err != nil {
			s.log.Warnw("fast plane failed to encode response", "error", err)
			return
		}
		if err := writeFrame(conn, encoded); err != nil {
			s.log.Debugw("fast plane write failed", "error", err)
			return
		}
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > frameMax {
		return nil, errors.Newf("fast plane frame too large: %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
