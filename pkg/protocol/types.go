package protocol

// Message type constants for signaling envelopes.
const (
	TypeRegistered = "registered"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeReject     = "reject"
	TypeError      = "error"
	TypePeerLeft   = "peer_left"
)

// Error codes carried by Error payloads and HTTP error bodies.
const (
	CodeUnavailableID   = "unavailable-id"
	CodeInvalidID       = "invalid-id"
	CodePeerUnavailable = "peer-unavailable"
	CodeBusy            = "busy"
	CodeInvalidMessage  = "invalid-message"
	CodeRateLimited     = "rate-limited"
)
