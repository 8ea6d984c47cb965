// Package transfer drives the two ends of a chunk stream: a Sender that
// serves staged files over a peer link and a Receiver that lists, selects
// and reassembles them.
package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidIndex is returned by Select for an index outside the
	// received file list, or before any list has arrived.
	ErrInvalidIndex = errors.New("invalid file index")
	// ErrConnectionClosed reports that the peer link ended while a file was
	// being streamed.
	ErrConnectionClosed = errors.New("connection closed mid-stream")
	// ErrLengthMismatch reports a reassembled file whose length differs from
	// the size the sender declared.
	ErrLengthMismatch = errors.New("reassembled length does not match declared size")
	// ErrUnexpectedOffset reports a chunk that does not continue the bytes
	// received so far.
	ErrUnexpectedOffset = errors.New("chunk offset out of sequence")
)

// TransferError is an error reported by the sending peer.
type TransferError struct {
	Code      string
	Message   string
	FileIndex int
}

func (e *TransferError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sender error %s (file %d)", e.Code, e.FileIndex)
	}
	return fmt.Sprintf("sender error %s (file %d): %s", e.Code, e.FileIndex, e.Message)
}
