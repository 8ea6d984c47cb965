package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/jalebi/internal/chunkproto"
	"github.com/sheerbytes/jalebi/internal/progress"
	"github.com/sheerbytes/jalebi/internal/transport"
)

var testFiles = []chunkproto.FileDescriptor{
	{Index: 0, Name: "a.txt", Size: 2_500_000, Type: "text/plain"},
	{Index: 1, Name: "b.bin", Size: 10, Type: "application/octet-stream"},
}

// startReceiver runs a receiver against a hand-driven sender end and
// delivers the file list.
func startReceiver(t *testing.T) (*Receiver, *memSaver, *transport.FramedConn, <-chan error) {
	t.Helper()
	local, peer := pipe(t)
	saver := &memSaver{}
	r := NewReceiver(local, ReceiverConfig{Saver: saver})
	errc := run(t, r.Run)

	require.Equal(t, chunkproto.KindRequestFile, recv(t, peer).Kind)
	require.NoError(t, peer.Send(chunkproto.FileList(testFiles)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	files, err := r.WaitFileList(ctx)
	require.NoError(t, err)
	require.Equal(t, testFiles, files)
	return r, saver, peer, errc
}

// selectFile selects index and returns the stream id of the request the
// sender end sees.
func selectFile(t *testing.T, r *Receiver, peer transport.Conn, index int) uint32 {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Select(ctx, index))
	req := recvKind(t, peer, chunkproto.KindChunkAck)
	require.Equal(t, chunkproto.KindRequestFileChunk, req.Kind)
	require.Equal(t, index, req.FileIndex)
	require.Equal(t, int64(0), req.Offset)
	return req.Stream
}

func sendChunk(t *testing.T, peer transport.Conn, index int, stream uint32, offset int64, payload []byte) {
	t.Helper()
	require.NoError(t, peer.Send(chunkproto.FileChunk(testFiles[index], offset, payload).WithStream(stream)))
}

func sendComplete(t *testing.T, peer transport.Conn, index int, stream uint32) {
	t.Helper()
	require.NoError(t, peer.Send(chunkproto.TransferComplete(index).WithStream(stream)))
}

func waitStatus(t *testing.T, r *Receiver, cond func(ReceiverStatus) bool) ReceiverStatus {
	t.Helper()
	var st ReceiverStatus
	require.Eventually(t, func() bool {
		st = r.Status()
		return cond(st)
	}, 5*time.Second, 5*time.Millisecond)
	return st
}

func TestReceiverRequestsListOnOpen(t *testing.T) {
	local, peer := pipe(t)
	r := NewReceiver(local, ReceiverConfig{Saver: &memSaver{}})
	assert.Equal(t, ReceiverConnecting, r.Status().State)
	run(t, r.Run)

	assert.Equal(t, chunkproto.KindRequestFile, recv(t, peer).Kind)
	waitStatus(t, r, func(st ReceiverStatus) bool { return st.State == ReceiverAwaitingFileList })
	assert.Nil(t, r.Files())
}

func TestReceiverSelectValidatesIndex(t *testing.T) {
	r, _, _, _ := startReceiver(t)
	ctx := context.Background()
	assert.ErrorIs(t, r.Select(ctx, 2), ErrInvalidIndex)
	assert.ErrorIs(t, r.Select(ctx, -1), ErrInvalidIndex)
	assert.Equal(t, ReceiverFileListReceived, r.Status().State)
}

func TestReceiverSelectBeforeListFails(t *testing.T) {
	local, peer := pipe(t)
	r := NewReceiver(local, ReceiverConfig{Saver: &memSaver{}})
	run(t, r.Run)
	recv(t, peer)

	assert.ErrorIs(t, r.Select(context.Background(), 0), ErrInvalidIndex)
}

func TestReceiverReassemblesFile(t *testing.T) {
	r, saver, peer, _ := startReceiver(t)
	data := pattern(2_500_000, 9)

	stream := selectFile(t, r, peer, 0)
	for off := int64(0); off < int64(len(data)); {
		rg := chunkproto.ChunkAt(off, int64(len(data)))
		sendChunk(t, peer, 0, stream, rg.Offset, data[rg.Offset:rg.End()])
		ack := recv(t, peer)
		require.Equal(t, chunkproto.KindChunkAck, ack.Kind)
		assert.Equal(t, rg.Offset, ack.Offset)
		assert.Equal(t, stream, ack.Stream)
		st := r.Status()
		assert.InDelta(t, progress.Percent(rg.Offset, 2_500_000), st.Progress, 1e-9)
		off = rg.End()
	}
	st := waitStatus(t, r, func(st ReceiverStatus) bool { return st.Received == 2_500_000 })
	assert.Equal(t, ReceiverDownloading, st.State)
	assert.InDelta(t, 83.88608, st.Progress, 1e-9)

	sendComplete(t, peer, 0, stream)
	st = waitStatus(t, r, func(st ReceiverStatus) bool { return st.State == ReceiverComplete })
	assert.Equal(t, "mem://a.txt", st.SavedAs)
	assert.Equal(t, 100.0, st.Progress)

	saved := saver.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, "a.txt", saved[0].Name)
	assert.Equal(t, "text/plain", saved[0].Type)
	assert.Equal(t, data, saved[0].Data)
}

func TestReceiverIgnoresOtherFileIndex(t *testing.T) {
	r, saver, peer, _ := startReceiver(t)

	stream := selectFile(t, r, peer, 1)
	sendChunk(t, peer, 0, stream, 0, pattern(100, 1))
	sendComplete(t, peer, 0, stream)
	sendChunk(t, peer, 1, stream, 0, pattern(4, 2))
	require.Equal(t, chunkproto.KindChunkAck, recv(t, peer).Kind)

	st := r.Status()
	assert.Equal(t, ReceiverDownloading, st.State)
	assert.Equal(t, int64(4), st.Received)
	assert.Empty(t, saver.saved())
}

func TestReceiverReselectResetsBuffer(t *testing.T) {
	r, saver, peer, _ := startReceiver(t)
	data := pattern(10, 3)

	first := selectFile(t, r, peer, 1)
	sendChunk(t, peer, 1, first, 0, []byte("stalebytes"[:4]))
	require.Equal(t, chunkproto.KindChunkAck, recv(t, peer).Kind)

	second := selectFile(t, r, peer, 1)
	require.NotEqual(t, first, second)
	st := r.Status()
	assert.Equal(t, int64(0), st.Received)
	assert.Equal(t, 0.0, st.Progress)

	// Replies to the superseded request are dropped.
	sendChunk(t, peer, 1, first, 4, []byte("xxxxxx"))
	sendComplete(t, peer, 1, first)

	sendChunk(t, peer, 1, second, 0, data)
	sendComplete(t, peer, 1, second)
	waitStatus(t, r, func(st ReceiverStatus) bool { return st.State == ReceiverComplete })

	saved := saver.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, data, saved[0].Data)
}

func TestReceiverStaysDownloadingWhenLinkCloses(t *testing.T) {
	r, saver, peer, errc := startReceiver(t)

	stream := selectFile(t, r, peer, 0)
	sendChunk(t, peer, 0, stream, 0, pattern(chunkproto.ChunkSize, 4))
	require.Equal(t, chunkproto.KindChunkAck, recv(t, peer).Kind)
	require.NoError(t, peer.Close())

	assert.ErrorIs(t, waitErr(t, errc), ErrConnectionClosed)
	st := r.Status()
	assert.Equal(t, ReceiverDownloading, st.State)
	assert.Equal(t, int64(chunkproto.ChunkSize), st.Received)
	// One chunk at offset 0 arrived, so progress is still 0%.
	assert.Equal(t, 0.0, st.Progress)
	assert.Empty(t, saver.saved())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.Download(ctx, 0)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestReceiverFailsOnSenderError(t *testing.T) {
	r, _, peer, errc := startReceiver(t)

	stream := selectFile(t, r, peer, 0)
	require.NoError(t, peer.Send(chunkproto.ErrorMessage(chunkproto.CodeStaleListing, "staged files changed", 0).WithStream(stream)))

	err := waitErr(t, errc)
	var terr *TransferError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, chunkproto.CodeStaleListing, terr.Code)

	st := r.Status()
	assert.Equal(t, ReceiverError, st.State)
	assert.ErrorAs(t, st.Err, &terr)
}

func TestReceiverIgnoresErrorForSupersededStream(t *testing.T) {
	r, _, peer, _ := startReceiver(t)

	first := selectFile(t, r, peer, 0)
	selectFile(t, r, peer, 1)
	require.NoError(t, peer.Send(chunkproto.ErrorMessage(chunkproto.CodeReadFailed, "boom", 0).WithStream(first)))
	expectQuiet(t, peer, 100*time.Millisecond)
	assert.Equal(t, ReceiverDownloading, r.Status().State)
}

func TestReceiverRejectsShortTransfer(t *testing.T) {
	r, saver, peer, errc := startReceiver(t)

	stream := selectFile(t, r, peer, 1)
	sendChunk(t, peer, 1, stream, 0, pattern(6, 0))
	sendComplete(t, peer, 1, stream)

	assert.ErrorIs(t, waitErr(t, errc), ErrLengthMismatch)
	assert.Equal(t, ReceiverError, r.Status().State)
	assert.Empty(t, saver.saved())
}

func TestReceiverRejectsOutOfSequenceChunk(t *testing.T) {
	r, _, peer, errc := startReceiver(t)

	stream := selectFile(t, r, peer, 0)
	sendChunk(t, peer, 0, stream, chunkproto.ChunkSize, pattern(10, 0))

	assert.ErrorIs(t, waitErr(t, errc), ErrUnexpectedOffset)
	assert.Equal(t, ReceiverError, r.Status().State)
}

func TestReceiverRecordsRemoteProgress(t *testing.T) {
	r, _, peer, _ := startReceiver(t)

	stream := selectFile(t, r, peer, 0)
	require.NoError(t, peer.Send(chunkproto.ProgressUpdate(42).WithStream(stream)))
	st := waitStatus(t, r, func(st ReceiverStatus) bool { return st.RemoteProgress == 42 })
	assert.Equal(t, 0.0, st.Progress)
}

func TestReceiverEmptyStoreError(t *testing.T) {
	local, peer := pipe(t)
	r := NewReceiver(local, ReceiverConfig{Saver: &memSaver{}})
	errc := run(t, r.Run)
	recv(t, peer)

	require.NoError(t, peer.Send(chunkproto.ErrorMessage(chunkproto.CodeEmptyStore, "no files are staged", 0)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.WaitFileList(ctx)
	var terr *TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, chunkproto.CodeEmptyStore, terr.Code)
	assert.Error(t, waitErr(t, errc))
}
