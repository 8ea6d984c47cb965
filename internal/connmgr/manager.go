// Package connmgr binds a session code to a signaling identity and sets up
// the single peer link a transfer runs on.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/jalebi/internal/session"
	"github.com/sheerbytes/jalebi/internal/transport"
	"github.com/sheerbytes/jalebi/internal/wsclient"
	"github.com/sheerbytes/jalebi/pkg/protocol"
)

// Transport names carried in offers.
const (
	TransportWebRTC = "webrtc"
	TransportQUIC   = "quic"
	TransportMemory = "memory"
)

// ReceiverPrefix namespaces receiver identities.
const ReceiverPrefix = session.IdentityPrefix + "r-"

const (
	defaultRegisterTimeout  = 10 * time.Second
	defaultNegotiateTimeout = 30 * time.Second
	inboxSize               = 16
)

// Config configures a Manager.
type Config struct {
	ServerURL string
	// Transport selects the negotiator: webrtc (default), quic or memory.
	Transport string
	// Negotiator overrides the negotiator Transport would build. Required
	// for the memory transport.
	Negotiator transport.Negotiator

	WebRTC transport.WebRTCConfig
	QUIC   transport.QUICConfig

	RegisterTimeout  time.Duration
	NegotiateTimeout time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = TransportWebRTC
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = defaultRegisterTimeout
	}
	if c.NegotiateTimeout <= 0 {
		c.NegotiateTimeout = defaultNegotiateTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NewNegotiator builds the negotiator named by cfg.Transport.
func NewNegotiator(cfg Config) (transport.Negotiator, error) {
	if cfg.Negotiator != nil {
		return cfg.Negotiator, nil
	}
	switch cfg.Transport {
	case "", TransportWebRTC:
		wc := cfg.WebRTC
		if wc.Logger == nil {
			wc.Logger = cfg.Logger
		}
		return transport.NewWebRTCNegotiator(wc), nil
	case TransportQUIC:
		qc := cfg.QUIC
		if qc.Logger == nil {
			qc.Logger = cfg.Logger
		}
		return transport.NewQUICNegotiator(qc), nil
	case TransportMemory:
		return nil, errors.New("memory transport needs a shared negotiator")
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// Manager owns one signaling registration and at most one peer link.
type Manager struct {
	cfg        Config
	logger     *slog.Logger
	negotiator transport.Negotiator
	identity   string
	sender     bool

	ws         *wsclient.Conn
	inbox      chan protocol.Envelope
	registered chan struct{}
	regOnce    sync.Once
	readDone   chan struct{}
	closing    chan struct{}
	readErr    error
	cancelRead context.CancelFunc

	mu      sync.Mutex
	claimed bool
	conn    transport.Conn

	closeOnce sync.Once
}

func newManager(cfg Config, identity string, sender bool) (*Manager, error) {
	cfg = cfg.withDefaults()
	neg, err := NewNegotiator(cfg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:        cfg,
		logger:     cfg.Logger.With("identity", identity),
		negotiator: neg,
		identity:   identity,
		sender:     sender,
		inbox:      make(chan protocol.Envelope, inboxSize),
		registered: make(chan struct{}),
		readDone:   make(chan struct{}),
		closing:    make(chan struct{}),
	}, nil
}

// Open registers the sender identity for code and returns a manager ready
// to Accept a receiver.
func Open(ctx context.Context, cfg Config, code string) (*Manager, error) {
	if !session.ValidCode(code) {
		return nil, session.ErrInvalidCode
	}
	m, err := newManager(cfg, session.Identity(code), true)
	if err != nil {
		return nil, err
	}
	if err := m.register(ctx); err != nil {
		return nil, err
	}
	m.logger.Info("listening for receiver", "code", code, "transport", m.cfg.Transport)
	return m, nil
}

// Connect registers a fresh receiver identity and links to the sender
// publishing code.
func Connect(ctx context.Context, cfg Config, code string) (*Manager, transport.Conn, error) {
	if !session.ValidCode(code) {
		return nil, nil, session.ErrInvalidCode
	}
	m, err := newManager(cfg, ReceiverPrefix+uuid.NewString(), false)
	if err != nil {
		return nil, nil, err
	}
	if err := m.register(ctx); err != nil {
		return nil, nil, err
	}
	conn, err := m.dial(ctx, session.Identity(code))
	if err != nil {
		_ = m.Close()
		return nil, nil, err
	}
	return m, conn, nil
}

// Identity returns the identity this manager registered.
func (m *Manager) Identity() string {
	return m.identity
}

// Conn returns the established link, or nil.
func (m *Manager) Conn() transport.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *Manager) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.RegisterTimeout)
	defer cancel()

	ws, err := wsclient.Dial(ctx, m.cfg.ServerURL, m.identity, m.logger)
	if err != nil {
		if errors.Is(err, wsclient.ErrIdentityTaken) {
			return connErr(KindIdentityTaken, err)
		}
		return connErr(KindSignalingUnreachable, err)
	}
	m.ws = ws

	readCtx, cancelRead := context.WithCancel(context.Background())
	m.cancelRead = cancelRead
	go func() {
		defer close(m.readDone)
		m.readErr = ws.ReadLoop(readCtx, m.dispatch)
	}()

	select {
	case <-m.registered:
		return nil
	case <-m.readDone:
		_ = m.Close()
		return connErr(KindSignalingUnreachable, fmt.Errorf("signaling closed before registration: %v", m.readErr))
	case <-ctx.Done():
		_ = m.Close()
		return connErr(KindSignalingUnreachable, fmt.Errorf("registration: %w", ctx.Err()))
	}
}

// dispatch runs on the websocket read goroutine.
func (m *Manager) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRegistered:
		m.regOnce.Do(func() { close(m.registered) })
		return
	case protocol.TypeOffer:
		if !m.sender {
			return
		}
		m.mu.Lock()
		busy := m.claimed
		m.claimed = true
		m.mu.Unlock()
		if busy {
			m.logger.Info("rejecting offer, already linked", "from", env.From)
			m.reply(env.From, protocol.TypeReject, protocol.Reject{Code: protocol.CodeBusy, Reason: "sender is already linked"})
			return
		}
		if !m.enqueue(env) {
			// The offer never reaches Accept, so the claim must not stick.
			m.mu.Lock()
			m.claimed = false
			m.mu.Unlock()
			m.reply(env.From, protocol.TypeReject, protocol.Reject{Code: protocol.CodeBusy, Reason: "sender cannot take the offer now"})
		}
		return
	}
	m.enqueue(env)
}

// enqueue hands env to the inbox without blocking the read goroutine. It
// reports whether env was queued.
func (m *Manager) enqueue(env protocol.Envelope) bool {
	select {
	case m.inbox <- env:
		return true
	case <-m.closing:
		return false
	default:
		m.logger.Debug("inbox full, dropping envelope", "type", env.Type, "from", env.From)
		return false
	}
}

func (m *Manager) reply(to, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, "", payload)
	if err != nil {
		m.logger.Error("build envelope", "type", msgType, "error", err)
		return
	}
	env.To = to
	if err := m.ws.Send(env); err != nil {
		m.logger.Warn("send envelope", "type", msgType, "error", err)
	}
}

// Accept waits for a receiver's offer and completes the link. Offers that
// arrive once a receiver has been taken are rejected as busy.
func (m *Manager) Accept(ctx context.Context) (transport.Conn, error) {
	if !m.sender {
		return nil, errors.New("accept on a receiving manager")
	}
	for {
		var env protocol.Envelope
		select {
		case env = <-m.inbox:
		case <-m.readDone:
			return nil, connErr(KindSignalingUnreachable, fmt.Errorf("signaling connection lost: %v", m.readErr))
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		switch env.Type {
		case protocol.TypeOffer:
			conn, err := m.answer(ctx, env)
			if err != nil {
				m.mu.Lock()
				m.claimed = false
				m.mu.Unlock()
				return nil, err
			}
			return conn, nil
		case protocol.TypePeerLeft, protocol.TypeError:
			m.logger.Debug("signaling notice", "type", env.Type, "from", env.From)
		default:
			m.logger.Debug("ignoring envelope", "type", env.Type, "from", env.From)
		}
	}
}

func (m *Manager) answer(ctx context.Context, env protocol.Envelope) (transport.Conn, error) {
	var offer protocol.Offer
	if err := env.DecodePayload(&offer); err != nil {
		m.reply(env.From, protocol.TypeReject, protocol.Reject{Code: protocol.CodeInvalidMessage, Reason: err.Error()})
		return nil, connErr(KindNegotiationFailed, err)
	}
	if offer.Transport != m.cfg.Transport {
		reason := fmt.Sprintf("sender uses %s, offer is %s", m.cfg.Transport, offer.Transport)
		m.reply(env.From, protocol.TypeReject, protocol.Reject{Code: protocol.CodeInvalidMessage, Reason: reason})
		return nil, connErr(KindNegotiationFailed, errors.New(reason))
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiateTimeout)
	defer cancel()

	m.logger.Info("answering offer", "from", env.From)
	pending, err := m.negotiator.Answer(ctx, offer.Description)
	if err != nil {
		m.reply(env.From, protocol.TypeReject, protocol.Reject{Code: protocol.CodeInvalidMessage, Reason: "cannot answer offer"})
		return nil, connErr(KindNegotiationFailed, err)
	}
	m.reply(env.From, protocol.TypeAnswer, protocol.Answer{Description: pending.Description()})

	conn, err := pending.Complete(ctx, "")
	if err != nil {
		return nil, connErr(KindNegotiationFailed, err)
	}
	return m.setConn(conn)
}

func (m *Manager) dial(ctx context.Context, target string) (transport.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.NegotiateTimeout)
	defer cancel()

	pending, err := m.negotiator.Offer(ctx)
	if err != nil {
		return nil, connErr(KindNegotiationFailed, err)
	}
	env, err := protocol.NewEnvelope(protocol.TypeOffer, "", protocol.Offer{
		Transport:   m.cfg.Transport,
		Description: pending.Description(),
	})
	if err != nil {
		pending.Abort()
		return nil, connErr(KindNegotiationFailed, err)
	}
	env.To = target
	if err := m.ws.Send(env); err != nil {
		pending.Abort()
		return nil, connErr(KindSignalingUnreachable, err)
	}
	m.logger.Info("offer sent", "to", target, "transport", m.cfg.Transport)

	for {
		var in protocol.Envelope
		select {
		case in = <-m.inbox:
		case <-m.readDone:
			pending.Abort()
			return nil, connErr(KindSignalingUnreachable, fmt.Errorf("signaling connection lost: %v", m.readErr))
		case <-ctx.Done():
			pending.Abort()
			return nil, connErr(KindNegotiationFailed, fmt.Errorf("waiting for answer: %w", ctx.Err()))
		}

		switch in.Type {
		case protocol.TypeAnswer:
			if in.From != target {
				continue
			}
			var answer protocol.Answer
			if err := in.DecodePayload(&answer); err != nil {
				pending.Abort()
				return nil, connErr(KindNegotiationFailed, err)
			}
			conn, err := pending.Complete(ctx, answer.Description)
			if err != nil {
				return nil, connErr(KindNegotiationFailed, err)
			}
			return m.setConn(conn)
		case protocol.TypeReject:
			if in.From != target {
				continue
			}
			pending.Abort()
			var rej protocol.Reject
			_ = in.DecodePayload(&rej)
			if rej.Code == protocol.CodeBusy {
				return nil, connErr(KindPeerUnavailable, ErrBusy)
			}
			return nil, connErr(KindNegotiationFailed, fmt.Errorf("offer rejected: %s %s", rej.Code, rej.Reason))
		case protocol.TypeError:
			var perr protocol.Error
			_ = in.DecodePayload(&perr)
			if perr.Code == protocol.CodePeerUnavailable {
				pending.Abort()
				return nil, connErr(KindPeerUnavailable, fmt.Errorf("no sender for %s", target))
			}
			m.logger.Warn("signaling error", "code", perr.Code, "message", perr.Message)
		case protocol.TypePeerLeft:
			var left protocol.PeerLeft
			_ = in.DecodePayload(&left)
			if left.PeerID == target {
				pending.Abort()
				return nil, connErr(KindPeerUnavailable, ErrPeerLeft)
			}
		}
	}
}

func (m *Manager) setConn(conn transport.Conn) (transport.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.logger.Info("peer link established")
	return conn, nil
}

// Close closes the link and releases the identity. It is safe to call more
// than once.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closing)
		if conn := m.Conn(); conn != nil {
			err = conn.Close()
		}
		if m.ws != nil {
			if cerr := m.ws.Close(); err == nil {
				err = cerr
			}
		}
		if m.cancelRead != nil {
			m.cancelRead()
			<-m.readDone
		}
		m.logger.Debug("connection manager closed")
	})
	return err
}
