package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	dataChannelLabel = "jalebi"

	// maxDataChannelMessage keeps each SCTP message well under what browsers
	// and pion accept by default.
	maxDataChannelMessage = 16 * 1024

	defaultHighWatermark = 4 * 1024 * 1024
	defaultLowWatermark  = 1 * 1024 * 1024
	defaultOpenTimeout   = 30 * time.Second
)

// WebRTCConfig holds WebRTC link configuration.
type WebRTCConfig struct {
	StunServers []string
	TurnServers []string

	// HighWatermark pauses writes while the data channel has more than this
	// many bytes queued. Writes resume once it drains below LowWatermark.
	HighWatermark uint64
	LowWatermark  uint64

	OpenTimeout time.Duration
	Logger      *slog.Logger
}

func (c WebRTCConfig) withDefaults() WebRTCConfig {
	if c.HighWatermark == 0 {
		c.HighWatermark = defaultHighWatermark
	}
	if c.LowWatermark == 0 || c.LowWatermark >= c.HighWatermark {
		c.LowWatermark = c.HighWatermark / 4
		if c.LowWatermark == 0 {
			c.LowWatermark = defaultLowWatermark
		}
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// PeerConnectionConfig returns a WebRTC configuration with the given ICE servers.
func PeerConnectionConfig(stunServers, turnServers []string) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if len(stunServers) > 0 {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stunServers})
	}
	// TURN URLs may carry credentials; each gets its own entry.
	for _, turn := range turnServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{turn}})
	}
	return webrtc.Configuration{ICEServers: iceServers}
}

var _ Negotiator = (*WebRTCNegotiator)(nil)

// WebRTCNegotiator links peers over a single ordered, reliable data channel.
// Descriptions are complete SDPs (non-trickle ICE).
type WebRTCNegotiator struct {
	cfg WebRTCConfig
	api *webrtc.API
}

// NewWebRTCNegotiator creates a negotiator using cfg.
func NewWebRTCNegotiator(cfg WebRTCConfig) *WebRTCNegotiator {
	return &WebRTCNegotiator{
		cfg: cfg.withDefaults(),
		api: webrtc.NewAPI(webrtc.WithSettingEngine(webrtc.SettingEngine{})),
	}
}

// Offer creates the data channel and a gathered SDP offer.
func (n *WebRTCNegotiator) Offer(ctx context.Context) (Pending, error) {
	pc, err := n.api.NewPeerConnection(PeerConnectionConfig(n.cfg.StunServers, n.cfg.TurnServers))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	ordered := true
	dc, err := pc.CreateDataChannel(dataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	stream := newDataChannelStream(pc, dc, n.cfg)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	sdp, err := setLocalAndGather(ctx, pc, offer)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	return &webrtcPending{cfg: n.cfg, pc: pc, stream: stream, description: sdp, initiator: true}, nil
}

// Answer applies the remote offer and produces a gathered SDP answer.
func (n *WebRTCNegotiator) Answer(ctx context.Context, offer string) (Pending, error) {
	pc, err := n.api.NewPeerConnection(PeerConnectionConfig(n.cfg.StunServers, n.cfg.TurnServers))
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	incoming := make(chan *dataChannelStream, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			n.cfg.Logger.Warn("unexpected data channel", "label", dc.Label())
			_ = dc.Close()
			return
		}
		select {
		case incoming <- newDataChannelStream(pc, dc, n.cfg):
		default:
			_ = dc.Close()
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create answer: %w", err)
	}
	sdp, err := setLocalAndGather(ctx, pc, answer)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	return &webrtcPending{cfg: n.cfg, pc: pc, incoming: incoming, description: sdp}, nil
}

func setLocalAndGather(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (string, error) {
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		return "", errors.New("local description unavailable")
	}
	return local.SDP, nil
}

type webrtcPending struct {
	cfg         WebRTCConfig
	pc          *webrtc.PeerConnection
	stream      *dataChannelStream
	incoming    chan *dataChannelStream
	description string
	initiator   bool
}

func (p *webrtcPending) Description() string {
	return p.description
}

func (p *webrtcPending) Complete(ctx context.Context, remote string) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OpenTimeout)
	defer cancel()

	stream := p.stream
	if p.initiator {
		if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remote}); err != nil {
			p.Abort()
			return nil, fmt.Errorf("set remote answer: %w", err)
		}
	} else {
		select {
		case stream = <-p.incoming:
		case <-ctx.Done():
			p.Abort()
			return nil, fmt.Errorf("waiting for data channel: %w", ctx.Err())
		}
	}

	if err := stream.waitOpen(ctx); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return NewFramedConn(stream, p.cfg.Logger), nil
}

func (p *webrtcPending) Abort() {
	if p.stream != nil {
		_ = p.stream.Close()
		return
	}
	_ = p.pc.Close()
}

// dataChannelStream exposes a data channel as a byte stream.
type dataChannelStream struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	high uint64

	openCh   chan struct{}
	openOnce sync.Once
	lowCh    chan struct{}
	closedCh chan struct{}

	mu        sync.Mutex
	readBuf   []byte
	readCond  *sync.Cond
	readErr   error
	closed    bool
	closeOnce sync.Once
}

func newDataChannelStream(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, cfg WebRTCConfig) *dataChannelStream {
	s := &dataChannelStream{
		pc:       pc,
		dc:       dc,
		high:     cfg.HighWatermark,
		openCh:   make(chan struct{}),
		lowCh:    make(chan struct{}, 1),
		closedCh: make(chan struct{}),
	}
	s.readCond = sync.NewCond(&s.mu)

	dc.SetBufferedAmountLowThreshold(cfg.LowWatermark)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.lowCh <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		s.openOnce.Do(func() { close(s.openCh) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		s.readBuf = append(s.readBuf, msg.Data...)
		s.mu.Unlock()
		s.readCond.Signal()
	})
	dc.OnError(func(err error) {
		s.fail(err)
	})
	dc.OnClose(func() {
		s.fail(io.EOF)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed {
			s.fail(errors.New("peer connection failed"))
		}
	})
	return s
}

func (s *dataChannelStream) fail(err error) {
	s.mu.Lock()
	if s.readErr == nil {
		s.readErr = err
	}
	s.mu.Unlock()
	s.readCond.Broadcast()
	s.closeOnce.Do(func() { close(s.closedCh) })
}

func (s *dataChannelStream) waitOpen(ctx context.Context) error {
	if s.dc.ReadyState() == webrtc.DataChannelStateOpen {
		return nil
	}
	select {
	case <-s.openCh:
		return nil
	case <-s.closedCh:
		return errors.New("data channel closed before opening")
	case <-ctx.Done():
		return fmt.Errorf("waiting for data channel to open: %w", ctx.Err())
	}
}

func (s *dataChannelStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.readBuf) == 0 && s.readErr == nil {
		s.readCond.Wait()
	}
	if len(s.readBuf) > 0 {
		n := copy(p, s.readBuf)
		s.readBuf = s.readBuf[n:]
		return n, nil
	}
	return 0, s.readErr
}

// Write splits p into data channel messages, waiting for the send buffer to
// drain whenever it exceeds the high watermark.
func (s *dataChannelStream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return written, io.ErrClosedPipe
		}

		for s.dc.BufferedAmount() > s.high {
			select {
			case <-s.lowCh:
			case <-s.closedCh:
				return written, io.ErrClosedPipe
			case <-time.After(time.Second):
			}
		}

		end := written + maxDataChannelMessage
		if end > len(p) {
			end = len(p)
		}
		if err := s.dc.Send(p[written:end]); err != nil {
			return written, fmt.Errorf("data channel send: %w", err)
		}
		written = end
	}
	return written, nil
}

func (s *dataChannelStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.readErr == nil {
		s.readErr = io.ErrClosedPipe
	}
	s.mu.Unlock()
	s.readCond.Broadcast()
	s.closeOnce.Do(func() { close(s.closedCh) })

	_ = s.dc.Close()
	return s.pc.Close()
}
