// Package signal implements the signaling server peers use to register an
// identity and exchange link descriptions before a direct connection exists.
package signal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/jalebi/pkg/protocol"
)

// serverID is the From value of envelopes the server originates.
const serverID = "server"

const (
	defaultMaxMessageBytes = 64 * 1024
	pingInterval           = 30 * time.Second
	writeTimeout           = 10 * time.Second
)

// Limits bounds what a single client may do. Zero values disable a limit.
type Limits struct {
	MaxMessageBytes int
	ConnectsPerMin  int
	ConnectsBurst   int
	MsgsPerSec      float64
	MsgsBurst       int
	MaxConnections  int
	IdleTimeout     time.Duration
}

// Server serves the signaling websocket and health endpoints.
type Server struct {
	hub      *Hub
	limits   Limits
	logger   *slog.Logger
	upgrader websocket.Upgrader

	connectLimiter *ipLimiter
	conns          *connLimiter
}

// NewServer creates a server around hub.
func NewServer(hub *Hub, limits Limits, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if limits.MaxMessageBytes <= 0 {
		limits.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Server{
		hub:    hub,
		limits: limits,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connectLimiter: newIPLimiter(float64(limits.ConnectsPerMin)/60.0, limits.ConnectsBurst),
		conns:          &connLimiter{limit: limits.MaxConnections},
	}
}

// Handler returns the server's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "peers": s.hub.Count()})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if !ValidIdentity(id) {
		sendError(w, http.StatusBadRequest, protocol.CodeInvalidID, "missing or malformed id")
		return
	}
	if !s.connectLimiter.Allow(clientIP(r)) {
		sendError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "rate limit exceeded")
		return
	}
	if !s.conns.Acquire() {
		sendError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "connection limit reached")
		return
	}
	defer s.conns.Release()

	member, err := s.hub.Register(id)
	if err != nil {
		if errors.Is(err, ErrIdentityTaken) {
			sendError(w, http.StatusConflict, protocol.CodeUnavailableID, "id is already taken")
			return
		}
		sendError(w, http.StatusBadRequest, protocol.CodeInvalidID, err.Error())
		return
	}
	defer member.Leave()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(int64(s.limits.MaxMessageBytes))

	var writeMu sync.Mutex
	write := func(env protocol.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(env)
	}

	if s.limits.IdleTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
		})
		conn.SetPingHandler(func(appData string) error {
			_ = conn.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
		})
		go s.pinger(conn, &writeMu, member.Done())
	}

	registered, err := protocol.NewEnvelope(protocol.TypeRegistered, "", protocol.Registered{ID: id})
	if err != nil {
		s.logger.Error("failed to create registered envelope", "error", err)
		return
	}
	registered.From = serverID
	registered.To = id
	if err := write(registered); err != nil {
		s.logger.Warn("failed to confirm registration", "id", id, "error", err)
		return
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		member.Pump(write)
	}()

	s.logger.Info("peer registered", "id", id)
	s.readLoop(conn, member)
	member.Leave()
	<-pumpDone
	s.logger.Info("peer left", "id", id)
}

func (s *Server) readLoop(conn *websocket.Conn, member *Member) {
	id := member.ID()
	msgLimiter := newTokenBucket(s.limits.MsgsPerSec, s.limits.MsgsBurst)
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Info("websocket idle timeout", "id", id)
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "id", id, "error", err)
			}
			return
		}
		if s.limits.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.limits.IdleTimeout))
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if s.limits.MsgsPerSec > 0 && !msgLimiter.Allow() {
			s.logger.Warn("websocket message rate limit exceeded", "id", id)
			replyError(member, protocol.CodeRateLimited, "message rate limit exceeded")
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.logger.Warn("invalid JSON envelope", "error", err, "id", id)
			replyError(member, protocol.CodeInvalidMessage, "invalid JSON")
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			replyError(member, protocol.CodeInvalidMessage, err.Error())
			continue
		}
		if env.To == "" {
			replyError(member, protocol.CodeInvalidMessage, "to is required")
			continue
		}

		if !s.hub.SendTo(id, env) {
			s.logger.Debug("peer not found for targeted send", "from", id, "to", env.To)
			replyError(member, protocol.CodePeerUnavailable, "peer not connected: "+env.To)
		}
	}
}

func replyError(m *Member, code, message string) {
	env := protocol.NewErrorEnvelope(m.ID(), code, message)
	env.From = serverID
	m.Send(env)
}

func (s *Server) pinger(conn *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// HTTPError is the JSON body of a refused websocket upgrade.
type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func sendError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPError{Code: code, Message: message})
}
