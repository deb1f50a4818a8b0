package run

import (
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wislap/N.E.K.O-sub001/bus"
)

// Heartbeat bounds named verbatim in spec §6: "Heartbeat: 15 s ping/45 s
// timeout", grounded on plugin/grpc/websocket_keepalive.go's
// KeepaliveHandler ping-ticker/pong-deadline shape.
const (
	wsPingInterval = 15 * time.Second
	wsPongTimeout  = 45 * time.Second
)

// wsFrame is the envelope for every /ws/run message, covering the auth
// handshake, session.ready, req/resp, and pushed bus.change frames named
// in spec §6.
type wsFrame struct {
	Type   string         `json:"type"`
	Token  string         `json:"token,omitempty"`
	ReqID  string         `json:"req_id,omitempty"`
	Op     string         `json:"op,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	RunID  string         `json:"run_id,omitempty"`
	Bus    string         `json:"bus,omitempty"`
	Change map[string]any `json:"change,omitempty"`
}

// WSHandler serves /ws/run (spec §6). Grounded on
// plugin/grpc/websocket_security.go for origin checking and
// plugin/grpc/websocket_keepalive.go for the ping/pong keepalive loop.
type WSHandler struct {
	service  *Service
	hub      *bus.BusChangeHub
	upgrader websocket.Upgrader
	log      *zap.SugaredLogger
}

// NewWSHandler constructs the /ws/run handler. allowedOrigins follows
// websocket_security.go's wildcard-pattern convention ("http://localhost:*").
func NewWSHandler(service *Service, hub *bus.BusChangeHub, allowedOrigins []string, log *zap.SugaredLogger) *WSHandler {
	return &WSHandler{
		service: service,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: newOriginChecker(allowedOrigins),
		},
		log: log.Named("run.ws"),
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	sess := &wsSession{
		conn: conn,
		log:  h.log,
	}
	defer sess.close()

	if !sess.authenticate(h.service) {
		return
	}

	sess.serve(h.service, h.hub)
}

// wsSession is one authenticated /ws/run connection, scoped to a single
// run_id for the lifetime of the socket (spec §6: "pushes bus.change
// events filtered to that run").
type wsSession struct {
	conn  *websocket.Conn
	runID string
	log   *zap.SugaredLogger

	writeMu sync.Mutex
}

func (s *wsSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSession) close() {
	_ = s.conn.Close()
}

// authenticate implements spec §6's handshake: "client sends {type:auth,
// token}; server verifies HMAC-signed token ...; on success replies
// session.ready".
func (s *wsSession) authenticate(service *Service) bool {
	var frame wsFrame
	if err := s.conn.ReadJSON(&frame); err != nil {
		return false
	}
	if frame.Type != "auth" {
		_ = s.writeJSON(wsFrame{Type: "error", Error: "expected auth frame"})
		return false
	}
	claims, err := VerifyToken(service.TokenSecret(), frame.Token)
	if err != nil {
		_ = s.writeJSON(wsFrame{Type: "error", Error: "invalid run token"})
		return false
	}
	s.runID = claims.RunID
	return s.writeJSON(wsFrame{Type: "session.ready", RunID: s.runID}) == nil
}

// serve runs the session's main loop: a reader goroutine handling
// req/resp frames, a hub-subscription goroutine pushing filtered
// bus.change events, and a keepalive ticker — torn down together when
// any one of them observes a dead connection.
func (s *wsSession) serve(service *Service, hub *bus.BusChangeHub) {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	defer stop()

	s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	subID := "ws.run." + s.runID
	changes := hub.Register(subID, 64)
	defer hub.Unregister(subID)

	go s.pushChanges(changes, done)
	go s.keepalive(done, stop)

	for {
		var frame wsFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			stop()
			return
		}
		s.handleRequest(service, frame)
	}
}

// handleRequest implements spec §6's "req/resp frames for run.get and
// export.list".
func (s *wsSession) handleRequest(service *Service, frame wsFrame) {
	switch frame.Op {
	case "run.get":
		record, err := service.Get(s.runID)
		if err != nil {
			s.reply(frame.ReqID, nil, err.Error())
			return
		}
		s.reply(frame.ReqID, record, "")

	case "export.list":
		after := uint64(argFloat(frame.Args, "after"))
		limit := int(argFloat(frame.Args, "limit"))
		if limit <= 0 {
			limit = 100
		}
		items, err := service.ListExport(s.runID, after, limit)
		if err != nil {
			s.reply(frame.ReqID, nil, err.Error())
			return
		}
		s.reply(frame.ReqID, items, "")

	default:
		s.reply(frame.ReqID, nil, "unknown op "+frame.Op)
	}
}

func (s *wsSession) reply(reqID string, result any, errMsg string) {
	_ = s.writeJSON(wsFrame{Type: "resp", ReqID: reqID, Result: result, Error: errMsg})
}

func argFloat(args map[string]any, key string) float64 {
	v, _ := args[key].(float64)
	return v
}

// pushChanges filters the shared hub's change stream to this session's
// run_id, on both the "runs" and "export" buses, and forwards matches as
// bus.change frames (spec §6: "pushes bus.change events filtered to that
// run"). It relies on ExportItem.AsMap/RunRecord.AsMap stamping "id" with
// the run id, so ChangePayload.ID matches s.runID.
func (s *wsSession) pushChanges(changes <-chan bus.ChangeEvent, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			if ev.Bus != bus.BusRuns && ev.Bus != bus.BusExport {
				continue
			}
			if ev.Payload.ID != s.runID {
				continue
			}
			frame := wsFrame{
				Type:  "bus.change",
				RunID: s.runID,
				Bus:   ev.Bus,
				Change: map[string]any{
					"op":  ev.Payload.Op,
					"rev": ev.Payload.Rev,
				},
			}
			if err := s.writeJSON(frame); err != nil {
				return
			}
		}
	}
}

// keepalive sends a ping every wsPingInterval; SetPongHandler (installed
// in serve) resets the read deadline on every pong, so a dead peer trips
// the read deadline within wsPongTimeout.
func (s *wsSession) keepalive(done <-chan struct{}, stop func()) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				stop()
				return
			}
		}
	}
}

func newOriginChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, pattern := range allowed {
			if pattern == "*" || pattern == origin {
				return true
			}
			if matched, err := filepath.Match(pattern, origin); err == nil && matched {
				return true
			}
		}
		return false
	}
}
