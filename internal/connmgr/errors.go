package connmgr

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ConnectionError.
type ErrorKind string

const (
	KindIdentityTaken        ErrorKind = "identity-taken"
	KindSignalingUnreachable ErrorKind = "signaling-unreachable"
	KindPeerUnavailable      ErrorKind = "peer-unavailable"
	KindNegotiationFailed    ErrorKind = "negotiation-failed"
)

var (
	// ErrBusy is wrapped by a peer-unavailable error when the sender is
	// already linked to another receiver.
	ErrBusy = errors.New("peer is busy")
	// ErrPeerLeft is wrapped when the remote identity disconnects from the
	// signaling server during negotiation.
	ErrPeerLeft = errors.New("peer left")
)

// ConnectionError reports why a link could not be set up. There is no
// automatic retry.
type ConnectionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func connErr(kind ErrorKind, err error) *ConnectionError {
	return &ConnectionError{Kind: kind, Err: err}
}

// IsKind reports whether err is a ConnectionError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *ConnectionError
	return errors.As(err, &ce) && ce.Kind == kind
}
