package signal

import (
	"errors"
	"regexp"
	"sync"

	"github.com/sheerbytes/jalebi/pkg/protocol"
)

const sendQueueSize = 64

var (
	// ErrIdentityTaken is returned by Register when the identity is bound to
	// another live connection.
	ErrIdentityTaken = errors.New("identity already registered")
	// ErrInvalidIdentity is returned by Register for malformed identities.
	ErrInvalidIdentity = errors.New("invalid identity")
)

var identityPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidIdentity reports whether id can be registered.
func ValidIdentity(id string) bool {
	return identityPattern.MatchString(id)
}

// Member is a registered identity. Envelopes routed to it are queued until
// Pump writes them out.
type Member struct {
	hub  *Hub
	id   string
	send chan protocol.Envelope
	done chan struct{}

	leaveOnce sync.Once
}

// Hub binds identities to connections and routes envelopes between them.
// An identity has at most one live connection; a second registration is
// refused rather than replacing the first.
type Hub struct {
	mu       sync.RWMutex
	members  map[string]*Member
	contacts map[string]map[string]struct{} // id -> ids it exchanged envelopes with
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		members:  make(map[string]*Member),
		contacts: make(map[string]map[string]struct{}),
	}
}

// Register binds id to a new member.
func (h *Hub) Register(id string) (*Member, error) {
	if !ValidIdentity(id) {
		return nil, ErrInvalidIdentity
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.members[id]; exists {
		return nil, ErrIdentityTaken
	}
	m := &Member{
		hub:  h,
		id:   id,
		send: make(chan protocol.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
	h.members[id] = m
	return m, nil
}

// Has reports whether id is registered.
func (h *Hub) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.members[id]
	return ok
}

// Count returns the number of registered identities.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// SendTo queues env for env.To on behalf of from. It returns false when the
// target is not registered. A full queue drops the envelope.
func (h *Hub) SendTo(from string, env protocol.Envelope) bool {
	h.mu.Lock()
	target, ok := h.members[env.To]
	if ok {
		h.link(from, env.To)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	env.From = from
	target.enqueue(env)
	return true
}

func (h *Hub) link(a, b string) {
	if h.contacts[a] == nil {
		h.contacts[a] = make(map[string]struct{})
	}
	if h.contacts[b] == nil {
		h.contacts[b] = make(map[string]struct{})
	}
	h.contacts[a][b] = struct{}{}
	h.contacts[b][a] = struct{}{}
}

// ID returns the member's identity.
func (m *Member) ID() string {
	return m.id
}

// Send queues an envelope for this member.
func (m *Member) Send(env protocol.Envelope) {
	m.enqueue(env)
}

func (m *Member) enqueue(env protocol.Envelope) {
	select {
	case <-m.done:
		return
	default:
	}
	select {
	case m.send <- env:
	case <-m.done:
	default:
		// Queue full; the peer is not reading.
	}
}

// Pump writes queued envelopes with write until the member leaves or write
// fails.
func (m *Member) Pump(write func(env protocol.Envelope) error) {
	for {
		select {
		case env := <-m.send:
			if err := write(env); err != nil {
				return
			}
		case <-m.done:
			return
		}
	}
}

// Leave unregisters the member and tells every identity it exchanged
// envelopes with that it left. Safe to call more than once.
func (m *Member) Leave() {
	m.leaveOnce.Do(func() {
		h := m.hub
		h.mu.Lock()
		if h.members[m.id] == m {
			delete(h.members, m.id)
		}
		var notify []*Member
		for other := range h.contacts[m.id] {
			if peer, ok := h.members[other]; ok {
				notify = append(notify, peer)
			}
			delete(h.contacts[other], m.id)
			if len(h.contacts[other]) == 0 {
				delete(h.contacts, other)
			}
		}
		delete(h.contacts, m.id)
		h.mu.Unlock()

		close(m.done)

		for _, peer := range notify {
			env, err := protocol.NewEnvelope(protocol.TypePeerLeft, "", protocol.PeerLeft{PeerID: m.id})
			if err != nil {
				continue
			}
			env.From = serverID
			env.To = peer.id
			peer.enqueue(env)
		}
	})
}

// Done is closed once the member has left.
func (m *Member) Done() <-chan struct{} {
	return m.done
}
