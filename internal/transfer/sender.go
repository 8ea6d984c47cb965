package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sheerbytes/jalebi/internal/bufpool"
	"github.com/sheerbytes/jalebi/internal/chunkproto"
	"github.com/sheerbytes/jalebi/internal/progress"
	"github.com/sheerbytes/jalebi/internal/staging"
	"github.com/sheerbytes/jalebi/internal/transport"
)

// DefaultWindow is the number of unacknowledged chunks a sender keeps in
// flight unless configured otherwise.
const DefaultWindow = 8

// Store is the staging store a Sender reads from.
type Store interface {
	List(code string) (staging.Snapshot, error)
	ReadAt(ref staging.Ref, p []byte, off int64) (int, error)
	Hold(code string) (release func())
}

var _ Store = (*staging.Store)(nil)

// SenderState is the sender's position in its state machine.
type SenderState int

const (
	SenderIdle SenderState = iota
	SenderListing
	SenderStreaming
	SenderError
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderListing:
		return "listing"
	case SenderStreaming:
		return "streaming"
	case SenderError:
		return "error"
	default:
		return "unknown"
	}
}

// SenderConfig configures a Sender.
type SenderConfig struct {
	// Code selects the staged set to serve.
	Code  string
	Store Store
	// Window bounds unacknowledged chunks in flight. Zero disables the
	// bound and streams a file in one burst.
	Window int
	Logger *slog.Logger
}

// SenderStatus is a snapshot of a Sender.
type SenderStatus struct {
	State     SenderState
	FileIndex int
	Filename  string
	Offset    int64
	FileSize  int64
	// Completed counts streams that ended with transfer-complete.
	Completed int
	Err       string
}

type listedFile struct {
	fd  chunkproto.FileDescriptor
	ref staging.Ref
}

type outgoing struct {
	stream   uint32
	file     listedFile
	offset   int64
	inflight int
	release  func()
}

// Sender answers listing and chunk requests on one peer link. Run owns all
// transfer state; other goroutines only read Status.
type Sender struct {
	conn   transport.Conn
	cfg    SenderConfig
	logger *slog.Logger
	pool   *bufpool.Pool

	listing []listedFile
	listed  bool
	active  *outgoing
	aborted bool

	mu     sync.Mutex
	status SenderStatus
}

// NewSender creates a sender serving cfg.Code over conn.
func NewSender(conn transport.Conn, cfg SenderConfig) *Sender {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Window < 0 {
		cfg.Window = 0
	}
	return &Sender{
		conn:   conn,
		cfg:    cfg,
		logger: cfg.Logger.With("role", "sender", "code", cfg.Code),
		pool:   bufpool.New(chunkproto.ChunkSize),
	}
}

// Status returns the current state.
func (s *Sender) Status() SenderStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Sender) update(fn func(st *SenderStatus)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Sender) setState(state SenderState) {
	s.update(func(st *SenderStatus) { st.State = state })
}

// Run serves requests until the link closes or ctx is cancelled. It returns
// nil when the link closes while idle, ErrConnectionClosed when it closes
// during a stream, and the link error after a transport failure.
func (s *Sender) Run(ctx context.Context) error {
	defer s.stopStream()
	events := s.conn.Events()
	for {
		if s.active != nil && s.canSend() {
			// Yield to pending events between chunks.
			select {
			case ev, ok := <-events:
				if done, err := s.handleEvent(ev, ok); done {
					return err
				}
				continue
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := s.sendNext(); err != nil {
				return err
			}
			continue
		}

		select {
		case ev, ok := <-events:
			if done, err := s.handleEvent(ev, ok); done {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sender) handleEvent(ev transport.Event, ok bool) (bool, error) {
	if !ok {
		return true, s.linkClosed()
	}
	switch ev.Kind {
	case transport.EventOpen:
		s.logger.Debug("peer link open")
	case transport.EventData:
		if err := s.handleMessage(ev.Message); err != nil {
			s.fail(err)
			return true, err
		}
	case transport.EventClose:
		return true, s.linkClosed()
	case transport.EventError:
		err := fmt.Errorf("peer link: %w", ev.Err)
		s.fail(err)
		return true, err
	}
	return false, nil
}

func (s *Sender) linkClosed() error {
	if s.active == nil && !s.aborted {
		s.logger.Info("peer link closed")
		return nil
	}
	s.logger.Warn("peer link closed mid-stream")
	s.fail(ErrConnectionClosed)
	return ErrConnectionClosed
}

func (s *Sender) fail(err error) {
	s.stopStream()
	s.update(func(st *SenderStatus) {
		st.State = SenderError
		st.Err = err.Error()
	})
}

func (s *Sender) handleMessage(m chunkproto.Message) error {
	switch m.Kind {
	case chunkproto.KindRequestFile:
		return s.handleRequestFile()
	case chunkproto.KindRequestFileChunk:
		return s.handleRequestFileChunk(m)
	case chunkproto.KindChunkAck:
		o := s.active
		if o != nil && m.Stream == o.stream && m.FileIndex == o.file.fd.Index && o.inflight > 0 {
			o.inflight--
		}
	default:
		s.logger.Debug("ignoring message", "kind", m.Kind)
	}
	return nil
}

func (s *Sender) handleRequestFile() error {
	s.setState(SenderListing)
	defer s.update(func(st *SenderStatus) {
		if st.State != SenderListing {
			return
		}
		if s.active != nil {
			st.State = SenderStreaming
		} else {
			st.State = SenderIdle
		}
	})

	snap, err := s.cfg.Store.List(s.cfg.Code)
	if err != nil {
		s.logger.Error("list staged files", "error", err)
		return s.send(chunkproto.ErrorMessage(chunkproto.CodeReadFailed, "cannot read staged files", 0))
	}

	s.listing = s.listing[:0]
	descriptors := make([]chunkproto.FileDescriptor, 0, len(snap.Files))
	for _, e := range snap.Files {
		if e.Name == "" || e.Size <= 0 || e.Type == "" {
			continue
		}
		fd := chunkproto.FileDescriptor{Index: len(descriptors), Name: e.Name, Size: e.Size, Type: e.Type}
		descriptors = append(descriptors, fd)
		s.listing = append(s.listing, listedFile{fd: fd, ref: snap.Ref(e.Index)})
	}
	s.listed = true

	if len(descriptors) == 0 {
		s.logger.Info("no files staged")
		return s.send(chunkproto.ErrorMessage(chunkproto.CodeEmptyStore, "no files are staged", 0))
	}
	s.logger.Info("sending file list", "files", len(descriptors), "generation", snap.Generation)
	return s.send(chunkproto.FileList(descriptors))
}

func (s *Sender) handleRequestFileChunk(m chunkproto.Message) error {
	if s.active != nil {
		s.logger.Info("request preempts active stream", "file", s.active.file.fd.Name)
		s.stopStream()
	}

	if !s.listed || m.FileIndex < 0 || m.FileIndex >= len(s.listing) {
		s.setState(SenderIdle)
		return s.send(chunkproto.ErrorMessage(chunkproto.CodeInvalidIndex,
			fmt.Sprintf("no file with index %d", m.FileIndex), m.FileIndex).WithStream(m.Stream))
	}
	file := s.listing[m.FileIndex]
	if m.Offset < 0 || m.Offset > file.fd.Size {
		s.setState(SenderIdle)
		return s.send(chunkproto.ErrorMessage(chunkproto.CodeInvalidOffset,
			fmt.Sprintf("offset %d outside file of %d bytes", m.Offset, file.fd.Size), m.FileIndex).WithStream(m.Stream))
	}

	s.aborted = false
	s.active = &outgoing{
		stream:  m.Stream,
		file:    file,
		offset:  m.Offset,
		release: s.cfg.Store.Hold(s.cfg.Code),
	}
	s.update(func(st *SenderStatus) {
		st.State = SenderStreaming
		st.FileIndex = file.fd.Index
		st.Filename = file.fd.Name
		st.Offset = m.Offset
		st.FileSize = file.fd.Size
		st.Err = ""
	})
	s.logger.Info("streaming file", "file", file.fd.Name, "index", file.fd.Index, "size", file.fd.Size, "offset", m.Offset)
	return nil
}

// canSend reports whether the active stream may emit its next message.
// transfer-complete is not subject to the window.
func (s *Sender) canSend() bool {
	o := s.active
	return s.cfg.Window == 0 || o.inflight < s.cfg.Window || o.offset >= o.file.fd.Size
}

// sendNext emits the next chunk of the active stream, or transfer-complete
// once the file is exhausted.
func (s *Sender) sendNext() error {
	o := s.active
	fd := o.file.fd
	if !s.conn.IsOpen() {
		s.logger.Warn("peer link no longer open, aborting stream", "file", fd.Name, "offset", o.offset)
		s.abortStream()
		return nil
	}

	if o.offset >= fd.Size {
		if err := s.send(chunkproto.TransferComplete(fd.Index).WithStream(o.stream)); err != nil {
			return err
		}
		if s.active != o {
			return nil
		}
		s.logger.Info("transfer complete", "file", fd.Name, "size", fd.Size)
		s.stopStream()
		s.update(func(st *SenderStatus) {
			st.State = SenderIdle
			st.Completed++
		})
		return nil
	}

	rg := chunkproto.ChunkAt(o.offset, fd.Size)
	buf := s.pool.Get()
	defer s.pool.Put(buf)

	n, err := s.cfg.Store.ReadAt(o.file.ref, buf[:rg.Length], rg.Offset)
	if errors.Is(err, io.EOF) && n == rg.Length {
		err = nil
	}
	if err == nil && n != rg.Length {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return s.readFailed(o, err)
	}

	if err := s.send(chunkproto.FileChunk(fd, o.offset, buf[:n]).WithStream(o.stream)); err != nil {
		return err
	}
	if s.active != o {
		return nil
	}
	sent := o.offset
	o.offset += int64(n)
	o.inflight++
	s.update(func(st *SenderStatus) { st.Offset = o.offset })

	return s.send(chunkproto.ProgressUpdate(progress.Percent(sent, fd.Size)).WithStream(o.stream))
}

func (s *Sender) readFailed(o *outgoing, err error) error {
	code := chunkproto.CodeReadFailed
	switch {
	case errors.Is(err, staging.ErrStale):
		code = chunkproto.CodeStaleListing
	case errors.Is(err, staging.ErrNotFound):
		code = chunkproto.CodeInvalidIndex
	}
	s.logger.Warn("read staged file", "file", o.file.fd.Name, "offset", o.offset, "code", code, "error", err)
	s.stopStream()
	s.setState(SenderIdle)
	return s.send(chunkproto.ErrorMessage(code, err.Error(), o.file.fd.Index).WithStream(o.stream))
}

// send writes m. A link that has gone away ends the active stream without
// error; the close event follows.
func (s *Sender) send(m chunkproto.Message) error {
	if !s.conn.IsOpen() {
		s.abortStream()
		return nil
	}
	err := s.conn.Send(m)
	if errors.Is(err, transport.ErrClosed) {
		s.abortStream()
		return nil
	}
	return err
}

func (s *Sender) abortStream() {
	if s.active != nil {
		s.aborted = true
	}
	s.stopStream()
}

func (s *Sender) stopStream() {
	if s.active == nil {
		return
	}
	if s.active.release != nil {
		s.active.release()
	}
	s.active = nil
}
