package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
)

// Pipe returns two connected in-memory FramedConns.
func Pipe(logger *slog.Logger) (*FramedConn, *FramedConn) {
	a, b := net.Pipe()
	return NewFramedConn(a, logger), NewFramedConn(b, logger)
}

var _ Negotiator = (*MemoryNegotiator)(nil)

// MemoryNegotiator links peers inside one process. Both sides must share the
// same instance.
type MemoryNegotiator struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*FramedConn // offer token -> initiator end
}

// NewMemoryNegotiator creates an in-process negotiator.
func NewMemoryNegotiator(logger *slog.Logger) *MemoryNegotiator {
	return &MemoryNegotiator{
		logger:  logger,
		pending: make(map[string]*FramedConn),
	}
}

// Offer returns a pending link whose description is a fresh token.
func (n *MemoryNegotiator) Offer(ctx context.Context) (Pending, error) {
	return &memoryPending{n: n, token: uuid.NewString(), initiator: true}, nil
}

// Answer creates the pipe for offer and parks the initiator's end.
func (n *MemoryNegotiator) Answer(ctx context.Context, offer string) (Pending, error) {
	if offer == "" {
		return nil, fmt.Errorf("empty offer")
	}
	local, remote := Pipe(n.logger)
	n.mu.Lock()
	n.pending[offer] = remote
	n.mu.Unlock()
	return &memoryPending{n: n, token: offer, conn: local}, nil
}

func (n *MemoryNegotiator) take(token string) *FramedConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := n.pending[token]
	delete(n.pending, token)
	return c
}

type memoryPending struct {
	n         *MemoryNegotiator
	token     string
	initiator bool
	conn      *FramedConn
}

func (p *memoryPending) Description() string {
	return p.token
}

func (p *memoryPending) Complete(ctx context.Context, remote string) (Conn, error) {
	if !p.initiator {
		return p.conn, nil
	}
	if remote != p.token {
		return nil, fmt.Errorf("answer %q does not match offer", remote)
	}
	c := p.n.take(p.token)
	if c == nil {
		return nil, fmt.Errorf("no link for offer %q", p.token)
	}
	return c, nil
}

func (p *memoryPending) Abort() {
	if p.initiator {
		if c := p.n.take(p.token); c != nil {
			_ = c.Close()
		}
		return
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
