package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/stun"
	"github.com/quic-go/quic-go"
)

const stunReadTimeout = 500 * time.Millisecond

// ErrAllPunchesFailed is returned by PunchAndDial when no candidate answered.
var ErrAllPunchesFailed = errors.New("all punches failed")

// PuncherConfig holds configuration for the UDP puncher.
type PuncherConfig struct {
	// StunServers are "host:port" or "stun:host:port". Public address
	// discovery is skipped when empty.
	StunServers []string

	UDPReadBuffer  int
	UDPWriteBuffer int
}

// Puncher owns the UDP socket a QUIC link runs on. It discovers the
// socket's public mapping via STUN and races dials across candidates.
type Puncher struct {
	config      PuncherConfig
	logger      *slog.Logger
	udpConn     *net.UDPConn
	publicAddrs []net.Addr

	mu        sync.Mutex
	transport *quic.Transport
}

// NewPuncher opens a UDP socket and resolves its public address.
func NewPuncher(cfg PuncherConfig, logger *slog.Logger) (*Puncher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		// Fall back to IPv4-only if dual-stack isn't available.
		conn, err = net.ListenUDP("udp4", &net.UDPAddr{})
	}
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	p := &Puncher{
		config:  cfg,
		logger:  logger,
		udpConn: conn,
	}
	if cfg.UDPReadBuffer > 0 || cfg.UDPWriteBuffer > 0 {
		if err := applyUDPBuffers(conn, cfg.UDPReadBuffer, cfg.UDPWriteBuffer); err != nil {
			logger.Debug("udp buffer tuning denied", "error", err)
		}
	}
	if len(cfg.StunServers) > 0 {
		if err := p.resolvePublicAddr(); err != nil {
			logger.Warn("failed to resolve public address (STUN)", "error", err)
		}
	}
	return p, nil
}

// LocalAddr returns the local address of the UDP socket.
func (p *Puncher) LocalAddr() net.Addr {
	return p.udpConn.LocalAddr()
}

// PublicAddrs returns the addresses discovered via STUN.
func (p *Puncher) PublicAddrs() []net.Addr {
	return p.publicAddrs
}

// Transport returns the quic.Transport bound to the socket, creating it on
// first use. STUN must not run after this point.
func (p *Puncher) Transport() *quic.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport == nil {
		p.transport = &quic.Transport{Conn: p.udpConn}
	}
	return p.transport
}

// Close closes the transport or, if none was created, the socket.
func (p *Puncher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.transport != nil {
		return p.transport.Close()
	}
	return p.udpConn.Close()
}

// Candidates returns the local interface and public addresses a peer can
// dial to reach this socket.
func (p *Puncher) Candidates() []string {
	_, port, _ := net.SplitHostPort(p.udpConn.LocalAddr().String())

	var candidates []string
	ifaces, err := net.Interfaces()
	if err != nil {
		p.logger.Error("failed to list interfaces", "error", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsMulticast() || ip.IsUnspecified() {
				continue
			}
			host := ip.String()
			if ip.IsLinkLocalUnicast() {
				// Link-local IPv6 is only dialable with a zone.
				host = (&net.IPAddr{IP: ip, Zone: iface.Name}).String()
			}
			candidates = append(candidates, net.JoinHostPort(host, port))
		}
	}
	for _, addr := range p.publicAddrs {
		candidates = append(candidates, addr.String())
	}

	p.logger.Debug("gathered candidates", "count", len(candidates))
	return candidates
}

// PunchAndDial dials every candidate concurrently and returns the first
// connection to complete a handshake. Losers are closed.
func (p *Puncher) PunchAndDial(ctx context.Context, candidates []string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	tr := p.Transport()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan *quic.Conn, 1)
	var wg sync.WaitGroup

	dial := func(addr string) {
		defer wg.Done()
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			p.logger.Warn("invalid remote candidate", "addr", addr, "error", err)
			return
		}
		conn, err := tr.Dial(ctx, udpAddr, tlsConf, quicConf)
		if err != nil {
			p.logger.Debug("punch failed", "addr", addr, "error", err)
			return
		}
		select {
		case resultCh <- conn:
			p.logger.Info("punch won", "addr", addr)
		default:
			_ = conn.CloseWithError(0, "race_lost")
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		wg.Add(1)
		go dial(c)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case conn := <-resultCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-allDone:
		select {
		case conn := <-resultCh:
			return conn, nil
		default:
		}
		return nil, ErrAllPunchesFailed
	}
}

func (p *Puncher) resolvePublicAddr() error {
	seen := make(map[string]struct{})
	for _, server := range p.config.StunServers {
		serverAddrs, err := resolveStunAddrs(strings.TrimPrefix(server, "stun:"))
		if err != nil {
			p.logger.Warn("invalid STUN server", "server", server, "error", err)
			continue
		}

		req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		for _, serverAddr := range serverAddrs {
			mapped, err := p.bindingRequest(req, serverAddr)
			if err != nil {
				p.logger.Debug("STUN request failed", "server", serverAddr, "error", err)
				continue
			}
			key := mapped.String()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			p.publicAddrs = append(p.publicAddrs, mapped)
			p.logger.Info("public address resolved", "addr", mapped)
		}
	}
	if len(p.publicAddrs) == 0 {
		return errors.New("all STUN servers failed")
	}
	return nil
}

func (p *Puncher) bindingRequest(req *stun.Message, server *net.UDPAddr) (*net.UDPAddr, error) {
	if _, err := p.udpConn.WriteToUDP(req.Raw, server); err != nil {
		return nil, err
	}

	buf := make([]byte, 1024)
	_ = p.udpConn.SetReadDeadline(time.Now().Add(stunReadTimeout))
	n, _, err := p.udpConn.ReadFromUDP(buf)
	_ = p.udpConn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, err
	}

	res := &stun.Message{Raw: buf[:n]}
	if err := res.Decode(); err != nil {
		return nil, err
	}
	if res.TransactionID != req.TransactionID {
		return nil, errors.New("transaction id mismatch")
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(res); err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
}

func resolveStunAddrs(addr string) ([]*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs for %s", host)
	}
	out := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &net.UDPAddr{IP: ip.IP, Port: port})
	}
	return out, nil
}

func applyUDPBuffers(conn *net.UDPConn, r, w int) error {
	var errs []error
	if r > 0 {
		if err := conn.SetReadBuffer(clamp(r, minUDPBuffer, maxUDPBuffer)); err != nil {
			errs = append(errs, fmt.Errorf("read: %w", err))
		}
	}
	if w > 0 {
		if err := conn.SetWriteBuffer(clamp(w, minUDPBuffer, maxUDPBuffer)); err != nil {
			errs = append(errs, fmt.Errorf("write: %w", err))
		}
	}
	return errors.Join(errs...)
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
