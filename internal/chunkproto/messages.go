// Package chunkproto defines the messages exchanged between a sender and a
// receiver once a peer link is up, and the framing used to put them on a
// byte stream.
package chunkproto

import "fmt"

// ChunkSize is the fixed size of a file-chunk payload. The final chunk of a
// file may be shorter.
const ChunkSize = 1024 * 1024

// Kind tags a message.
type Kind uint8

const (
	KindFileList Kind = iota + 1
	KindRequestFile
	KindRequestFileChunk
	KindFileChunk
	KindProgress
	KindTransferComplete
	KindChunkAck
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindFileList:
		return "file-list"
	case KindRequestFile:
		return "request-file"
	case KindRequestFileChunk:
		return "request-file-chunk"
	case KindFileChunk:
		return "file-chunk"
	case KindProgress:
		return "progress"
	case KindTransferComplete:
		return "transfer-complete"
	case KindChunkAck:
		return "chunk-ack"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error codes carried by KindError messages.
const (
	CodeEmptyStore    = "empty-store"
	CodeInvalidIndex  = "invalid-index"
	CodeReadFailed    = "read-failed"
	CodeStaleListing  = "stale-listing"
	CodeInvalidOffset = "invalid-offset"
)

// FileDescriptor is the listing metadata for one staged file.
type FileDescriptor struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	Type  string `json:"type"`
}

// Message is a single protocol message. Only the fields relevant to Kind are
// set; Payload travels outside the JSON header.
//
// Stream is chosen by the receiver on request-file-chunk and echoed on every
// message the sender emits for that request, so replies to a superseded
// request can be told apart from the current one.
type Message struct {
	Kind      Kind             `json:"-"`
	Stream    uint32           `json:"stream,omitempty"`
	Files     []FileDescriptor `json:"files,omitempty"`
	FileIndex int              `json:"fileIndex,omitempty"`
	Offset    int64            `json:"offset,omitempty"`
	FileSize  int64            `json:"fileSize,omitempty"`
	Filename  string           `json:"filename,omitempty"`
	MimeType  string           `json:"mimeType,omitempty"`
	Progress  float64          `json:"progress,omitempty"`
	Code      string           `json:"code,omitempty"`
	Reason    string           `json:"message,omitempty"`
	Payload   []byte           `json:"-"`
}

// WithStream returns m tagged with stream id.
func (m Message) WithStream(id uint32) Message {
	m.Stream = id
	return m
}

// FileList announces the staged files in stage order.
func FileList(files []FileDescriptor) Message {
	return Message{Kind: KindFileList, Files: files}
}

// RequestFile asks the sender for its file list.
func RequestFile() Message {
	return Message{Kind: KindRequestFile}
}

// RequestFileChunk asks the sender to stream file index starting at offset.
func RequestFileChunk(index int, offset int64) Message {
	return Message{Kind: KindRequestFileChunk, FileIndex: index, Offset: offset}
}

// FileChunk carries one slice of a file.
func FileChunk(fd FileDescriptor, offset int64, payload []byte) Message {
	return Message{
		Kind:      KindFileChunk,
		FileIndex: fd.Index,
		Offset:    offset,
		FileSize:  fd.Size,
		Filename:  fd.Name,
		MimeType:  fd.Type,
		Payload:   payload,
	}
}

// ProgressUpdate is the sender's advisory progress for the active file.
func ProgressUpdate(percent float64) Message {
	return Message{Kind: KindProgress, Progress: percent}
}

// TransferComplete marks the end of a file's chunk stream.
func TransferComplete(index int) Message {
	return Message{Kind: KindTransferComplete, FileIndex: index}
}

// ChunkAck acknowledges the chunk at offset for the given file.
func ChunkAck(index int, offset int64) Message {
	return Message{Kind: KindChunkAck, FileIndex: index, Offset: offset}
}

// ErrorMessage reports a request the sender could not serve.
func ErrorMessage(code, reason string, index int) Message {
	return Message{Kind: KindError, Code: code, Reason: reason, FileIndex: index}
}

// Range is one chunk of a file: [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int
}

// End is the offset just past r.
func (r Range) End() int64 {
	return r.Offset + int64(r.Length)
}

// ChunkAt returns the chunk of a file of the given size that starts at
// offset. It is empty when offset is at or past the end of the file.
func ChunkAt(offset, size int64) Range {
	if offset < 0 {
		offset = 0
	}
	if offset >= size {
		return Range{Offset: offset}
	}
	return Range{Offset: offset, Length: int(min(size-offset, ChunkSize))}
}
