package chunkproto

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxHeaderSize bounds the JSON header of a frame.
	MaxHeaderSize = 64 * 1024
	// MaxPayloadSize bounds the raw section of a frame. It holds a chunk or
	// the encoded file list, which grows with the number of staged files.
	MaxPayloadSize = 16 * 1024 * 1024
	// MaxFrameSize bounds a whole frame (kind, header and payload).
	MaxFrameSize = 1 + 2 + MaxHeaderSize + MaxPayloadSize

	frameLenSize  = 4
	headerLenSize = 2
)

var (
	// ErrFrameTooLarge indicates a frame exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrHeaderTooLarge indicates a JSON header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header too large")
	// ErrMalformedFrame indicates a frame whose declared lengths do not add up.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownKind indicates a frame with an unrecognized message kind.
	ErrUnknownKind = errors.New("unknown message kind")
)

// WriteMessage frames m onto w.
//
// Frame layout: uint32 BE length of the rest | uint8 kind | uint16 BE header
// length | JSON header | raw payload. A file-list carries its descriptors as
// a JSON array in the payload.
func WriteMessage(w io.Writer, m Message) error {
	if m.Kind < KindFileList || m.Kind > KindError {
		return ErrUnknownKind
	}
	if m.Kind == KindFileList {
		list, err := json.Marshal(m.Files)
		if err != nil {
			return fmt.Errorf("marshal file list: %w", err)
		}
		m.Files = nil
		m.Payload = list
	}
	header, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	if len(header) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}
	bodyLen := 1 + headerLenSize + len(header) + len(m.Payload)
	if bodyLen > MaxFrameSize {
		return ErrFrameTooLarge
	}

	prefix := make([]byte, frameLenSize+1+headerLenSize, frameLenSize+1+headerLenSize+len(header))
	binary.BigEndian.PutUint32(prefix[0:4], uint32(bodyLen))
	prefix[4] = byte(m.Kind)
	binary.BigEndian.PutUint16(prefix[5:7], uint16(len(header)))
	prefix = append(prefix, header...)

	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads one frame from r. It returns io.EOF only when r ends
// cleanly on a frame boundary.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [frameLenSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}
	if bodyLen < 1+headerLenSize {
		return Message{}, ErrMalformedFrame
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, fmt.Errorf("read frame body: %w", err)
	}

	kind := Kind(body[0])
	if kind < KindFileList || kind > KindError {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownKind, body[0])
	}
	headerLen := int(binary.BigEndian.Uint16(body[1:3]))
	if 3+headerLen > len(body) {
		return Message{}, ErrMalformedFrame
	}

	var m Message
	if headerLen > 0 {
		if err := json.Unmarshal(body[3:3+headerLen], &m); err != nil {
			return Message{}, fmt.Errorf("unmarshal header: %w", err)
		}
	}
	m.Kind = kind
	payload := body[3+headerLen:]
	if kind == KindFileList {
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &m.Files); err != nil {
				return Message{}, fmt.Errorf("unmarshal file list: %w", err)
			}
		}
		return m, nil
	}
	if len(payload) > 0 {
		m.Payload = payload
	}
	return m, nil
}
