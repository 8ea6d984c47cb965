package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sheerbytes/jalebi/internal/chunkproto"
	"github.com/sheerbytes/jalebi/internal/progress"
	"github.com/sheerbytes/jalebi/internal/transport"
)

// ReceiverState is the receiver's position in its state machine.
type ReceiverState int

const (
	ReceiverConnecting ReceiverState = iota
	ReceiverConnected
	ReceiverAwaitingFileList
	ReceiverFileListReceived
	ReceiverDownloading
	ReceiverComplete
	ReceiverError
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverConnecting:
		return "connecting"
	case ReceiverConnected:
		return "connected"
	case ReceiverAwaitingFileList:
		return "awaiting-file-list"
	case ReceiverFileListReceived:
		return "file-list-received"
	case ReceiverDownloading:
		return "downloading"
	case ReceiverComplete:
		return "complete"
	case ReceiverError:
		return "error"
	default:
		return "unknown"
	}
}

// ReceiverConfig configures a Receiver.
type ReceiverConfig struct {
	// Saver stores each completed file. Required.
	Saver  Saver
	Logger *slog.Logger
}

// ReceiverStatus is a snapshot of a Receiver.
type ReceiverStatus struct {
	State     ReceiverState
	FileIndex int
	Filename  string
	FileSize  int64
	Received  int64
	// Progress is the offset of the last accepted chunk as a percentage of
	// FileSize. It reaches 100 once the file is complete.
	Progress float64
	// RemoteProgress is the sender's advisory percentage.
	RemoteProgress float64
	// SavedAs is where the last completed file was stored.
	SavedAs string
	Err     error
}

type selectCmd struct {
	index int
	reply chan error
}

// Receiver requests the file list, downloads selected files and hands them
// to a Saver. Run owns all transfer state; Select and the Wait methods talk
// to it through channels.
type Receiver struct {
	conn   transport.Conn
	saver  Saver
	logger *slog.Logger

	cmds chan selectCmd
	done chan struct{}

	// Owned by Run.
	stream uint32
	chunks [][]byte

	mu      sync.Mutex
	status  ReceiverStatus
	files   []chunkproto.FileDescriptor
	changed chan struct{}
	runErr  error
}

// NewReceiver creates a receiver on conn.
func NewReceiver(conn transport.Conn, cfg ReceiverConfig) *Receiver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Receiver{
		conn:    conn,
		saver:   cfg.Saver,
		logger:  cfg.Logger.With("role", "receiver"),
		cmds:    make(chan selectCmd),
		done:    make(chan struct{}),
		changed: make(chan struct{}),
	}
}

// Status returns the current state.
func (r *Receiver) Status() ReceiverStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Files returns the received file list, or nil before it arrives.
func (r *Receiver) Files() []chunkproto.FileDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.files == nil {
		return nil
	}
	return append([]chunkproto.FileDescriptor(nil), r.files...)
}

func (r *Receiver) update(fn func(st *ReceiverStatus)) {
	r.mu.Lock()
	fn(&r.status)
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Run drives the receiver until the link closes or ctx is cancelled. A link
// that closes while downloading leaves the state at Downloading and returns
// ErrConnectionClosed. An error reported by the sender is returned as a
// *TransferError.
func (r *Receiver) Run(ctx context.Context) error {
	err := r.run(ctx)
	r.mu.Lock()
	r.runErr = err
	r.mu.Unlock()
	close(r.done)
	return err
}

func (r *Receiver) run(ctx context.Context) error {
	if r.saver == nil {
		return errors.New("receiver has no saver")
	}
	events := r.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return r.linkClosed()
			}
			if done, err := r.handleEvent(ev); done {
				return err
			}
		case cmd := <-r.cmds:
			cmd.reply <- r.handleSelect(cmd.index)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Receiver) handleEvent(ev transport.Event) (bool, error) {
	switch ev.Kind {
	case transport.EventOpen:
		r.update(func(st *ReceiverStatus) { st.State = ReceiverConnected })
		if err := r.conn.Send(chunkproto.RequestFile()); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return false, nil
			}
			r.fail(err)
			return true, err
		}
		r.update(func(st *ReceiverStatus) { st.State = ReceiverAwaitingFileList })
	case transport.EventData:
		if err := r.handleMessage(ev.Message); err != nil {
			r.fail(err)
			return true, err
		}
	case transport.EventClose:
		return true, r.linkClosed()
	case transport.EventError:
		err := fmt.Errorf("peer link: %w", ev.Err)
		r.fail(err)
		return true, err
	}
	return false, nil
}

func (r *Receiver) linkClosed() error {
	st := r.Status()
	if st.State == ReceiverDownloading {
		r.logger.Warn("peer link closed mid-download", "file", st.Filename, "received", st.Received, "size", st.FileSize)
		r.chunks = nil
		return ErrConnectionClosed
	}
	r.logger.Info("peer link closed")
	return nil
}

func (r *Receiver) fail(err error) {
	r.chunks = nil
	r.logger.Error("transfer failed", "error", err)
	r.update(func(st *ReceiverStatus) {
		st.State = ReceiverError
		st.Err = err
	})
}

func (r *Receiver) handleMessage(m chunkproto.Message) error {
	switch m.Kind {
	case chunkproto.KindFileList:
		return r.onFileList(m.Files)
	case chunkproto.KindFileChunk:
		return r.onChunk(m)
	case chunkproto.KindProgress:
		st := r.Status()
		if st.State == ReceiverDownloading && m.Stream == r.stream {
			r.update(func(st *ReceiverStatus) { st.RemoteProgress = m.Progress })
		}
	case chunkproto.KindTransferComplete:
		return r.onTransferComplete(m)
	case chunkproto.KindError:
		if m.Stream != 0 && m.Stream != r.stream {
			return nil
		}
		return &TransferError{Code: m.Code, Message: m.Reason, FileIndex: m.FileIndex}
	default:
		r.logger.Debug("ignoring message", "kind", m.Kind)
	}
	return nil
}

func (r *Receiver) onFileList(files []chunkproto.FileDescriptor) error {
	for i, fd := range files {
		if fd.Index != i {
			return fmt.Errorf("file list entry %d carries index %d", i, fd.Index)
		}
	}
	r.mu.Lock()
	r.files = append([]chunkproto.FileDescriptor{}, files...)
	r.mu.Unlock()
	r.logger.Info("file list received", "files", len(files))

	r.update(func(st *ReceiverStatus) {
		if st.State == ReceiverConnected || st.State == ReceiverAwaitingFileList {
			st.State = ReceiverFileListReceived
		}
	})
	return nil
}

func (r *Receiver) handleSelect(index int) error {
	st := r.Status()
	if st.State == ReceiverError {
		return fmt.Errorf("receiver failed: %w", st.Err)
	}
	r.mu.Lock()
	files := r.files
	r.mu.Unlock()
	if index < 0 || index >= len(files) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	fd := files[index]

	r.stream++
	r.chunks = r.chunks[:0]
	r.update(func(st *ReceiverStatus) {
		st.State = ReceiverDownloading
		st.FileIndex = index
		st.Filename = fd.Name
		st.FileSize = fd.Size
		st.Received = 0
		st.Progress = 0
		st.RemoteProgress = 0
		st.SavedAs = ""
	})
	r.logger.Info("requesting file", "file", fd.Name, "index", index, "size", fd.Size)
	if err := r.conn.Send(chunkproto.RequestFileChunk(index, 0).WithStream(r.stream)); err != nil {
		return fmt.Errorf("request file %d: %w", index, err)
	}
	return nil
}

// current reports whether m belongs to the active download.
func (r *Receiver) current(m chunkproto.Message) (ReceiverStatus, bool) {
	st := r.Status()
	return st, st.State == ReceiverDownloading && m.FileIndex == st.FileIndex && m.Stream == r.stream
}

func (r *Receiver) onChunk(m chunkproto.Message) error {
	st, ok := r.current(m)
	if !ok {
		return nil
	}
	if m.Offset != st.Received {
		return fmt.Errorf("%w: got %d, want %d", ErrUnexpectedOffset, m.Offset, st.Received)
	}
	received := st.Received + int64(len(m.Payload))
	if received > st.FileSize {
		return fmt.Errorf("%w: %d bytes received for %d byte file", ErrLengthMismatch, received, st.FileSize)
	}
	r.chunks = append(r.chunks, m.Payload)
	r.update(func(st *ReceiverStatus) {
		st.Received = received
		st.Progress = progress.Percent(m.Offset, st.FileSize)
	})

	if err := r.conn.Send(chunkproto.ChunkAck(m.FileIndex, m.Offset).WithStream(m.Stream)); err != nil && !errors.Is(err, transport.ErrClosed) {
		return fmt.Errorf("ack chunk: %w", err)
	}
	return nil
}

func (r *Receiver) onTransferComplete(m chunkproto.Message) error {
	st, ok := r.current(m)
	if !ok {
		return nil
	}
	if st.Received != st.FileSize {
		return fmt.Errorf("%w: %d of %d bytes", ErrLengthMismatch, st.Received, st.FileSize)
	}

	data := make([]byte, 0, st.Received)
	for _, c := range r.chunks {
		data = append(data, c...)
	}
	r.chunks = nil

	r.mu.Lock()
	fd := r.files[st.FileIndex]
	r.mu.Unlock()
	savedAs, err := r.saver.Save(ReceivedFile{Name: fd.Name, Type: fd.Type, Data: data})
	if err != nil {
		return fmt.Errorf("save %s: %w", fd.Name, err)
	}
	r.logger.Info("file received", "file", fd.Name, "size", len(data), "saved_as", savedAs)
	r.update(func(st *ReceiverStatus) {
		st.State = ReceiverComplete
		st.Progress = 100
		st.SavedAs = savedAs
	})
	return nil
}

// Select starts downloading file index, discarding any partial download.
func (r *Receiver) Select(ctx context.Context, index int) error {
	cmd := selectCmd{index: index, reply: make(chan error, 1)}
	select {
	case r.cmds <- cmd:
	case <-r.done:
		return r.stoppedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receiver) stoppedErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runErr != nil {
		return r.runErr
	}
	return transport.ErrClosed
}

// wait blocks until cond holds for the status, Run stops or ctx ends.
func (r *Receiver) wait(ctx context.Context, cond func(ReceiverStatus) bool) (ReceiverStatus, error) {
	for {
		r.mu.Lock()
		st, changed := r.status, r.changed
		r.mu.Unlock()
		if cond(st) {
			return st, nil
		}
		if st.State == ReceiverError {
			return st, st.Err
		}
		select {
		case <-changed:
		case <-r.done:
			st = r.Status()
			if cond(st) {
				return st, nil
			}
			return st, r.stoppedErr()
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// WaitFileList blocks until the sender's file list has arrived.
func (r *Receiver) WaitFileList(ctx context.Context) ([]chunkproto.FileDescriptor, error) {
	_, err := r.wait(ctx, func(st ReceiverStatus) bool {
		return st.State >= ReceiverFileListReceived && st.State != ReceiverError
	})
	if err != nil {
		return nil, err
	}
	return r.Files(), nil
}

// Download selects file index and waits until it has been saved.
func (r *Receiver) Download(ctx context.Context, index int) (ReceiverStatus, error) {
	if err := r.Select(ctx, index); err != nil {
		return r.Status(), err
	}
	return r.wait(ctx, func(st ReceiverStatus) bool {
		return st.State == ReceiverComplete && st.FileIndex == index
	})
}
