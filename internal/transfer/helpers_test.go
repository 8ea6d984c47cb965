package transfer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/jalebi/internal/chunkproto"
	"github.com/sheerbytes/jalebi/internal/staging"
	"github.com/sheerbytes/jalebi/internal/transport"
)

const testCode = "4821"

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31) ^ seed
	}
	return b
}

func newStore(t *testing.T, files ...staging.File) *staging.Store {
	t.Helper()
	store, err := staging.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	if len(files) > 0 {
		_, err := store.Put(testCode, files)
		require.NoError(t, err)
	}
	return store
}

func pipe(t *testing.T) (*transport.FramedConn, *transport.FramedConn) {
	t.Helper()
	a, b := transport.Pipe(nil)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func run(t *testing.T, fn func(ctx context.Context) error) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	t.Cleanup(cancel)
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

// recv returns the next data message on c, skipping the open event.
func recv(t *testing.T, c transport.Conn) chunkproto.Message {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event channel closed")
			}
			switch ev.Kind {
			case transport.EventOpen:
				continue
			case transport.EventData:
				return ev.Message
			default:
				t.Fatalf("unexpected %s event: %v", ev.Kind, ev.Err)
			}
		case <-timeout:
			t.Fatal("timed out waiting for message")
		}
	}
}

// recvKind returns the next message on c, skipping kinds in skip.
func recvKind(t *testing.T, c transport.Conn, skip ...chunkproto.Kind) chunkproto.Message {
	t.Helper()
	for {
		m := recv(t, c)
		skipped := false
		for _, k := range skip {
			if m.Kind == k {
				skipped = true
			}
		}
		if !skipped {
			return m
		}
	}
}

func expectQuiet(t *testing.T, c transport.Conn, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == transport.EventOpen {
				continue
			}
			t.Fatalf("expected no traffic, got %s event (%s)", ev.Kind, ev.Message.Kind)
		case <-timeout:
			return
		}
	}
}

type memSaver struct {
	mu    sync.Mutex
	files []ReceivedFile
}

func (m *memSaver) Save(f ReceivedFile) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append(m.files, f)
	return "mem://" + f.Name, nil
}

func (m *memSaver) saved() []ReceivedFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReceivedFile(nil), m.files...)
}
