package transfer

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/jalebi/internal/chunkproto"
	"github.com/sheerbytes/jalebi/internal/staging"
)

func TestSenderListsFilesInStageOrder(t *testing.T) {
	store := newStore(t,
		staging.FileFromBytes("b.bin", "application/octet-stream", pattern(10, 1)),
		staging.FileFromBytes("a.txt", "text/plain", pattern(20, 2)),
	)
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store, Window: DefaultWindow})
	run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	m := recv(t, peer)
	require.Equal(t, chunkproto.KindFileList, m.Kind)
	assert.Equal(t, []chunkproto.FileDescriptor{
		{Index: 0, Name: "b.bin", Size: 10, Type: "application/octet-stream"},
		{Index: 1, Name: "a.txt", Size: 20, Type: "text/plain"},
	}, m.Files)
}

func TestSenderStreamsChunksInOrder(t *testing.T) {
	data := pattern(2_500_000, 7)
	store := newStore(t, staging.FileFromBytes("a.txt", "text/plain", data))
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store})
	run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	require.Equal(t, chunkproto.KindFileList, recv(t, peer).Kind)
	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(0, 0).WithStream(3)))

	wantOffsets := []int64{0, 1_048_576, 2_097_152}
	wantLengths := []int{1_048_576, 1_048_576, 402_848}
	wantProgress := []float64{0, 41.94304, 83.88608}
	var got []byte
	for i := range wantOffsets {
		m := recv(t, peer)
		require.Equal(t, chunkproto.KindFileChunk, m.Kind)
		assert.Equal(t, uint32(3), m.Stream)
		assert.Equal(t, 0, m.FileIndex)
		assert.Equal(t, wantOffsets[i], m.Offset)
		assert.Len(t, m.Payload, wantLengths[i])
		assert.Equal(t, int64(2_500_000), m.FileSize)
		assert.Equal(t, "a.txt", m.Filename)
		assert.Equal(t, "text/plain", m.MimeType)
		got = append(got, m.Payload...)

		p := recv(t, peer)
		require.Equal(t, chunkproto.KindProgress, p.Kind)
		assert.InDelta(t, wantProgress[i], p.Progress, 1e-9, "progress after chunk %d", i)
	}

	done := recv(t, peer)
	require.Equal(t, chunkproto.KindTransferComplete, done.Kind)
	assert.Equal(t, 0, done.FileIndex)
	assert.Equal(t, uint32(3), done.Stream)
	assert.Equal(t, data, got)

	require.Eventually(t, func() bool {
		st := s.Status()
		return st.State == SenderIdle && st.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSenderListsLargeShare(t *testing.T) {
	const n = 1200
	files := make([]staging.File, n)
	for i := range files {
		files[i] = staging.FileFromBytes(fmt.Sprintf("IMG_20240101_%09d.jpg", i), "image/jpeg", pattern(1+i%7, byte(i)))
	}
	store := newStore(t, files...)
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store})
	run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	m := recv(t, peer)
	require.Equal(t, chunkproto.KindFileList, m.Kind)
	require.Len(t, m.Files, n)
	for i, fd := range m.Files {
		assert.Equal(t, i, fd.Index)
		assert.Equal(t, fmt.Sprintf("IMG_20240101_%09d.jpg", i), fd.Name)
		assert.Equal(t, int64(1+i%7), fd.Size)
	}

	// The sender keeps serving after a large listing.
	last := n - 1
	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(last, 0).WithStream(1)))
	chunk := recv(t, peer)
	require.Equal(t, chunkproto.KindFileChunk, chunk.Kind)
	assert.Equal(t, last, chunk.FileIndex)
	assert.Equal(t, pattern(1+last%7, byte(last)), chunk.Payload)
}

func TestSenderWindowWaitsForAcks(t *testing.T) {
	store := newStore(t, staging.FileFromBytes("big.bin", "application/octet-stream", pattern(3*chunkproto.ChunkSize, 3)))
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store, Window: 1})
	run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	recv(t, peer)
	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(0, 0).WithStream(1)))

	first := recv(t, peer)
	require.Equal(t, chunkproto.KindFileChunk, first.Kind)
	require.Equal(t, chunkproto.KindProgress, recv(t, peer).Kind)
	expectQuiet(t, peer, 200*time.Millisecond)

	// An ack for another stream does not open the window.
	require.NoError(t, peer.Send(chunkproto.ChunkAck(0, 0).WithStream(9)))
	expectQuiet(t, peer, 200*time.Millisecond)

	require.NoError(t, peer.Send(chunkproto.ChunkAck(0, 0).WithStream(1)))
	second := recv(t, peer)
	require.Equal(t, chunkproto.KindFileChunk, second.Kind)
	assert.Equal(t, int64(chunkproto.ChunkSize), second.Offset)
}

func TestSenderReportsEmptyStore(t *testing.T) {
	store := newStore(t)
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store})
	run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	m := recv(t, peer)
	require.Equal(t, chunkproto.KindError, m.Kind)
	assert.Equal(t, chunkproto.CodeEmptyStore, m.Code)
}

func TestSenderOnlyServesItsOwnCode(t *testing.T) {
	store := newStore(t, staging.FileFromBytes("a.txt", "text/plain", pattern(5, 0)))
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: "9999", Store: store})
	run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	assert.Equal(t, chunkproto.CodeEmptyStore, recv(t, peer).Code)
}

func TestSenderRejectsInvalidRequests(t *testing.T) {
	store := newStore(t, staging.FileFromBytes("a.txt", "text/plain", pattern(100, 0)))
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store})
	run(t, s.Run)

	// No list has been sent yet.
	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(0, 0).WithStream(1)))
	m := recv(t, peer)
	require.Equal(t, chunkproto.KindError, m.Kind)
	assert.Equal(t, chunkproto.CodeInvalidIndex, m.Code)
	assert.Equal(t, uint32(1), m.Stream)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	recv(t, peer)

	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(5, 0).WithStream(2)))
	m = recv(t, peer)
	assert.Equal(t, chunkproto.CodeInvalidIndex, m.Code)
	assert.Equal(t, 5, m.FileIndex)

	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(0, 101).WithStream(3)))
	assert.Equal(t, chunkproto.CodeInvalidOffset, recv(t, peer).Code)

	assert.Equal(t, SenderIdle, s.Status().State)
}

func TestSenderReportsStaleListing(t *testing.T) {
	store := newStore(t, staging.FileFromBytes("a.txt", "text/plain", pattern(100, 0)))
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store})
	run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	recv(t, peer)

	_, err := store.Put(testCode, []staging.File{staging.FileFromBytes("b.txt", "text/plain", pattern(50, 1))})
	require.NoError(t, err)

	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(0, 0).WithStream(1)))
	m := recv(t, peer)
	require.Equal(t, chunkproto.KindError, m.Kind)
	assert.Equal(t, chunkproto.CodeStaleListing, m.Code)
}

func TestSenderHoldsStoreWhileStreaming(t *testing.T) {
	store := newStore(t, staging.FileFromBytes("big.bin", "application/octet-stream", pattern(2*chunkproto.ChunkSize, 4)))
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store, Window: 1})
	run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	recv(t, peer)
	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(0, 0).WithStream(1)))
	recvKind(t, peer, chunkproto.KindProgress)

	replacement := []staging.File{staging.FileFromBytes("c.txt", "text/plain", pattern(3, 0))}
	_, err := store.Put(testCode, replacement)
	assert.ErrorIs(t, err, staging.ErrTransferActive)

	require.NoError(t, peer.Send(chunkproto.ChunkAck(0, 0).WithStream(1)))
	require.Equal(t, chunkproto.KindFileChunk, recvKind(t, peer, chunkproto.KindProgress).Kind)
	require.Equal(t, chunkproto.KindTransferComplete, recvKind(t, peer, chunkproto.KindProgress).Kind)

	require.Eventually(t, func() bool {
		_, err := store.Put(testCode, replacement)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSenderNewRequestPreemptsStream(t *testing.T) {
	store := newStore(t,
		staging.FileFromBytes("big.bin", "application/octet-stream", pattern(3*chunkproto.ChunkSize, 5)),
		staging.FileFromBytes("small.txt", "text/plain", pattern(10, 6)),
	)
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store, Window: 1})
	run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	recv(t, peer)
	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(0, 0).WithStream(1)))
	require.Equal(t, uint32(1), recvKind(t, peer, chunkproto.KindProgress).Stream)

	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(1, 0).WithStream(2)))
	chunk := recvKind(t, peer, chunkproto.KindProgress)
	require.Equal(t, chunkproto.KindFileChunk, chunk.Kind)
	assert.Equal(t, uint32(2), chunk.Stream)
	assert.Equal(t, 1, chunk.FileIndex)

	require.NoError(t, peer.Send(chunkproto.ChunkAck(1, 0).WithStream(2)))
	done := recvKind(t, peer, chunkproto.KindProgress)
	require.Equal(t, chunkproto.KindTransferComplete, done.Kind)
	assert.Equal(t, 1, done.FileIndex)
	expectQuiet(t, peer, 200*time.Millisecond)
}

func TestSenderRunReturnsWhenLinkCloses(t *testing.T) {
	store := newStore(t, staging.FileFromBytes("a.txt", "text/plain", pattern(10, 0)))
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store})
	errc := run(t, s.Run)

	require.NoError(t, peer.Close())
	assert.NoError(t, waitErr(t, errc))
}

func TestSenderClosedMidStream(t *testing.T) {
	store := newStore(t, staging.FileFromBytes("big.bin", "application/octet-stream", pattern(3*chunkproto.ChunkSize, 8)))
	local, peer := pipe(t)
	s := NewSender(local, SenderConfig{Code: testCode, Store: store, Window: 1})
	errc := run(t, s.Run)

	require.NoError(t, peer.Send(chunkproto.RequestFile()))
	recv(t, peer)
	require.NoError(t, peer.Send(chunkproto.RequestFileChunk(0, 0).WithStream(1)))
	recvKind(t, peer, chunkproto.KindProgress)

	require.NoError(t, peer.Close())
	assert.ErrorIs(t, waitErr(t, errc), ErrConnectionClosed)
	assert.Equal(t, SenderError, s.Status().State)

	// The hold is released with the stream.
	_, err := store.Put(testCode, []staging.File{staging.FileFromBytes("c.txt", "text/plain", pattern(3, 0))})
	assert.NoError(t, err)
}
