package protocol

// Registered confirms that the server bound the connection to an identity.
type Registered struct {
	ID string `json:"id"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Offer opens link negotiation with a remote identity. Description is opaque
// to the server; Transport names the negotiator that produced it.
type Offer struct {
	Transport   string `json:"transport"`
	Description string `json:"description"`
}

// Answer completes link negotiation for an Offer.
type Answer struct {
	Description string `json:"description"`
}

// Reject declines an Offer.
type Reject struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// PeerLeft tells a client that a peer it exchanged messages with disconnected.
type PeerLeft struct {
	PeerID string `json:"peer_id"`
}
