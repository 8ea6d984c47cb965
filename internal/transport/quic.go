package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol identifies the chunk stream over QUIC.
	ALPNProtocol = "jalebi-chunk-v1"

	streamMagic = "JLB1"

	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	defaultInitialConnWindow = 2 * 1024 * 1024
	minQuicConnWindow        = 1 * 1024 * 1024
	maxQuicConnWindow        = 1024 * 1024 * 1024
	minQuicStreamWindow      = 1 * 1024 * 1024
	maxQuicStreamWindow      = 256 * 1024 * 1024
)

// QUICConfig holds QUIC link configuration.
type QUICConfig struct {
	StunServers []string

	ConnWindow     int
	StreamWindow   int
	UDPReadBuffer  int
	UDPWriteBuffer int

	DialTimeout time.Duration
	Logger      *slog.Logger
}

func (c QUICConfig) withDefaults() QUICConfig {
	if c.ConnWindow == 0 {
		c.ConnWindow = 64 * 1024 * 1024
	}
	if c.StreamWindow == 0 {
		c.StreamWindow = 16 * 1024 * 1024
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// BuildQuicConfig returns a copy of base with flow-control windows clamped
// to sane bounds. A single stream carries the transfer.
func BuildQuicConfig(base *quic.Config, connWin, streamWin int) *quic.Config {
	cfg := &quic.Config{}
	if base != nil {
		c := *base
		cfg = &c
	}

	conn := clamp(connWin, minQuicConnWindow, maxQuicConnWindow)
	stream := clamp(streamWin, minQuicStreamWindow, maxQuicStreamWindow)
	initialConn := defaultInitialConnWindow
	if initialConn > conn {
		initialConn = conn
	}
	cfg.InitialConnectionReceiveWindow = uint64(initialConn)
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	cfg.MaxIncomingStreams = 1
	return cfg
}

func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:         10 * time.Second,
		MaxIdleTimeout:          30 * time.Second,
		DisablePathMTUDiscovery: true,
	}
}

// ServerTLSConfig returns a TLS configuration with a fresh self-signed
// certificate. Peers do not authenticate each other at the TLS layer.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns the dialing side's TLS configuration.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"jalebi"}},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

type quicDescription struct {
	Candidates []string `json:"candidates"`
}

var _ Negotiator = (*QUICNegotiator)(nil)

// QUICNegotiator links peers over one QUIC stream. The responder listens and
// publishes its candidate addresses; the initiator races dials against them.
type QUICNegotiator struct {
	cfg QUICConfig
}

// NewQUICNegotiator creates a negotiator using cfg.
func NewQUICNegotiator(cfg QUICConfig) *QUICNegotiator {
	return &QUICNegotiator{cfg: cfg.withDefaults()}
}

func (n *QUICNegotiator) newPuncher() (*Puncher, error) {
	return NewPuncher(PuncherConfig{
		StunServers:    n.cfg.StunServers,
		UDPReadBuffer:  n.cfg.UDPReadBuffer,
		UDPWriteBuffer: n.cfg.UDPWriteBuffer,
	}, n.cfg.Logger)
}

func (n *QUICNegotiator) quicConfig() *quic.Config {
	return BuildQuicConfig(defaultQUICConfig(), n.cfg.ConnWindow, n.cfg.StreamWindow)
}

// Offer opens the initiator's socket. Its description is informational.
func (n *QUICNegotiator) Offer(ctx context.Context) (Pending, error) {
	puncher, err := n.newPuncher()
	if err != nil {
		return nil, err
	}
	desc, err := json.Marshal(quicDescription{Candidates: puncher.Candidates()})
	if err != nil {
		_ = puncher.Close()
		return nil, err
	}
	return &quicPending{n: n, puncher: puncher, description: string(desc), initiator: true}, nil
}

// Answer opens a listener and describes the addresses it can be reached on.
func (n *QUICNegotiator) Answer(ctx context.Context, offer string) (Pending, error) {
	puncher, err := n.newPuncher()
	if err != nil {
		return nil, err
	}
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		_ = puncher.Close()
		return nil, err
	}
	ln, err := puncher.Transport().Listen(tlsConf, n.quicConfig())
	if err != nil {
		_ = puncher.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	n.cfg.Logger.Info("QUIC listener created", "local_addr", puncher.LocalAddr())

	desc, err := json.Marshal(quicDescription{Candidates: puncher.Candidates()})
	if err != nil {
		_ = ln.Close()
		_ = puncher.Close()
		return nil, err
	}
	return &quicPending{n: n, puncher: puncher, listener: ln, description: string(desc)}, nil
}

type quicPending struct {
	n           *QUICNegotiator
	puncher     *Puncher
	listener    *quic.Listener
	description string
	initiator   bool
}

func (p *quicPending) Description() string {
	return p.description
}

func (p *quicPending) Complete(ctx context.Context, remote string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.n.cfg.DialTimeout)
	defer cancel()

	var (
		conn   *quic.Conn
		stream *quic.Stream
		err    error
	)
	if p.initiator {
		conn, stream, err = p.dial(ctx, remote)
	} else {
		conn, stream, err = p.accept(ctx)
	}
	if err != nil {
		p.Abort()
		return nil, err
	}
	return NewFramedConn(&quicStream{stream: stream, conn: conn, puncher: p.puncher, listener: p.listener}, p.n.cfg.Logger), nil
}

func (p *quicPending) dial(ctx context.Context, remote string) (*quic.Conn, *quic.Stream, error) {
	var desc quicDescription
	if err := json.Unmarshal([]byte(remote), &desc); err != nil {
		return nil, nil, fmt.Errorf("decode remote description: %w", err)
	}
	if len(desc.Candidates) == 0 {
		return nil, nil, errors.New("remote offered no candidates")
	}
	conn, err := p.puncher.PunchAndDial(ctx, desc.Candidates, ClientTLSConfig(), p.n.quicConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("quic dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, nil, fmt.Errorf("open stream: %w", err)
	}
	// The stream becomes visible to the peer only once data is written.
	if _, err := stream.Write([]byte(streamMagic)); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, nil, fmt.Errorf("write stream header: %w", err)
	}
	return conn, stream, nil
}

func (p *quicPending) accept(ctx context.Context) (*quic.Conn, *quic.Stream, error) {
	conn, err := p.listener.Accept(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("quic accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, nil, fmt.Errorf("accept stream: %w", err)
	}
	magic := make([]byte, len(streamMagic))
	if _, err := io.ReadFull(stream, magic); err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, nil, fmt.Errorf("read stream header: %w", err)
	}
	if string(magic) != streamMagic {
		_ = conn.CloseWithError(1, "bad stream header")
		return nil, nil, fmt.Errorf("unexpected stream header %q", magic)
	}
	return conn, stream, nil
}

func (p *quicPending) Abort() {
	if p.listener != nil {
		_ = p.listener.Close()
	}
	_ = p.puncher.Close()
}

// quicStream adapts a QUIC stream to io.ReadWriteCloser and owns the
// connection and socket underneath it.
type quicStream struct {
	stream   *quic.Stream
	conn     *quic.Conn
	puncher  *Puncher
	listener *quic.Listener
}

func (s *quicStream) Read(p []byte) (int, error) {
	n, err := s.stream.Read(p)
	return n, normalizeQUICError(err)
}

func (s *quicStream) Write(p []byte) (int, error) {
	n, err := s.stream.Write(p)
	return n, normalizeQUICError(err)
}

func (s *quicStream) Close() error {
	_ = s.stream.Close()
	err := s.conn.CloseWithError(0, "")
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = s.puncher.Close()
	return err
}

// normalizeQUICError reports a peer's graceful connection close as io.EOF.
func normalizeQUICError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return io.EOF
	}
	return err
}
