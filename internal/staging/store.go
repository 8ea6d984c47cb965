// Package staging keeps the files a sender offers, scoped by session code,
// in a badger database. File bytes are stored in fixed-size segments so a
// chunk can be read back without loading the whole file.
package staging

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// SegmentSize is the size of one stored file segment.
const SegmentSize = 256 * 1024

// valueThreshold moves segments into the value log for on-disk stores.
const valueThreshold = 64 * 1024

var (
	// ErrInvalidFile marks a file that cannot be offered: empty name, zero
	// size, missing type or content shorter or longer than declared.
	ErrInvalidFile = errors.New("invalid file")
	// ErrTransferActive is returned by Put while a transfer holds the code.
	ErrTransferActive = errors.New("transfer in progress")
	// ErrStale is returned by ReadAt when the staged set changed after the
	// reference was taken.
	ErrStale = errors.New("staged files changed")
	// ErrNotFound is returned by ReadAt for an index outside the staged set.
	ErrNotFound = errors.New("staged file not found")
)

// Entry describes one staged file. Index is its position in stage order.
type Entry struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	Size  int64  `json:"size"`
}

// Snapshot is the staged set of a code at one generation.
type Snapshot struct {
	Code       string  `json:"code"`
	Generation uint64  `json:"generation"`
	Files      []Entry `json:"files"`
}

// Ref returns a reference to file i of the snapshot.
func (s Snapshot) Ref(i int) Ref {
	return Ref{Code: s.Code, Generation: s.Generation, Index: i}
}

// Ref addresses a file's bytes at a specific generation.
type Ref struct {
	Code       string
	Generation uint64
	Index      int
}

// Store is a badger-backed staging store.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	mu    sync.Mutex
	holds map[string]int
}

// Open opens (or creates) a store in dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions(dir).WithValueThreshold(valueThreshold), logger)
}

// OpenInMemory opens a store that lives only as long as the process.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true), logger)
}

func open(opts badger.Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open staging db: %w", err)
	}
	return &Store{db: db, logger: logger, holds: make(map[string]int)}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func metaKey(code string) []byte {
	return []byte("meta/" + code)
}

func genKey(code string) []byte {
	return []byte("gen/" + code)
}

func blobPrefix(code string, gen uint64) []byte {
	return []byte(fmt.Sprintf("blob/%s/%d/", code, gen))
}

func segmentKey(code string, gen uint64, index int, seg int64) []byte {
	return []byte(fmt.Sprintf("blob/%s/%d/%d/%08d", code, gen, index, seg))
}

// Put replaces the staged set of code with files, in order. Invalid files
// and repeats of an earlier name and size are dropped. It returns the new
// snapshot.
func (s *Store) Put(code string, files []File) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holds[code] > 0 {
		return Snapshot{}, ErrTransferActive
	}

	prevGen, err := s.generation(code)
	if err != nil {
		return Snapshot{}, err
	}
	gen := prevGen + 1
	snap := Snapshot{Code: code, Generation: gen, Files: []Entry{}}

	type key struct {
		name string
		size int64
	}
	seen := make(map[key]struct{})

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, f := range files {
		if err := f.validate(); err != nil {
			s.logger.Debug("skipping staged file", "name", f.Name, "error", err)
			continue
		}
		k := key{f.Name, f.Size}
		if _, dup := seen[k]; dup {
			continue
		}
		idx := len(snap.Files)
		if err := writeSegments(wb, code, gen, idx, f); err != nil {
			if errors.Is(err, ErrInvalidFile) {
				s.logger.Warn("skipping staged file", "name", f.Name, "error", err)
				continue
			}
			return Snapshot{}, err
		}
		seen[k] = struct{}{}
		snap.Files = append(snap.Files, Entry{Index: idx, Name: f.Name, Type: f.Type, Size: f.Size})
	}
	if err := wb.Flush(); err != nil {
		return Snapshot{}, fmt.Errorf("write segments: %w", err)
	}

	manifest, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, err
	}
	var genBuf [8]byte
	binary.BigEndian.PutUint64(genBuf[:], gen)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(genKey(code), genBuf[:]); err != nil {
			return err
		}
		return txn.Set(metaKey(code), manifest)
	})
	if err != nil {
		_ = s.deletePrefix(blobPrefix(code, gen))
		return Snapshot{}, fmt.Errorf("write manifest: %w", err)
	}

	if prevGen > 0 {
		if err := s.deletePrefix(blobPrefix(code, prevGen)); err != nil {
			s.logger.Warn("failed to drop previous staging generation", "code", code, "error", err)
		}
	}
	s.logger.Info("files staged", "code", code, "count", len(snap.Files), "generation", gen)
	return snap, nil
}

// writeSegments streams f into SegmentSize values. Segments already queued
// for a file that turns out to be invalid are deleted again.
func writeSegments(wb *badger.WriteBatch, code string, gen uint64, idx int, f File) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrInvalidFile, f.Name, err)
	}
	defer rc.Close()

	var (
		written int64
		seg     int64
		buf     = make([]byte, SegmentSize)
	)
	fail := func(err error) error {
		for i := int64(0); i < seg; i++ {
			_ = wb.Delete(segmentKey(code, gen, idx, i))
		}
		return err
	}
	for written < f.Size {
		want := f.Size - written
		if want > SegmentSize {
			want = SegmentSize
		}
		n, err := io.ReadFull(rc, buf[:want])
		if err != nil {
			return fail(fmt.Errorf("%w: %s shorter than declared %d bytes", ErrInvalidFile, f.Name, f.Size))
		}
		val := make([]byte, n)
		copy(val, buf[:n])
		if err := wb.Set(segmentKey(code, gen, idx, seg), val); err != nil {
			return fail(fmt.Errorf("stage %s: %w", f.Name, err))
		}
		written += int64(n)
		seg++
	}
	var extra [1]byte
	if n, _ := rc.Read(extra[:]); n > 0 {
		return fail(fmt.Errorf("%w: %s longer than declared %d bytes", ErrInvalidFile, f.Name, f.Size))
	}
	return nil
}

// List returns the current staged set of code. A code with nothing staged
// yields an empty snapshot.
func (s *Store) List(code string) (Snapshot, error) {
	snap := Snapshot{Code: code, Files: []Entry{}}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(code))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("read manifest: %w", err)
	}
	return snap, nil
}

// ReadAt reads len(p) bytes of the referenced file starting at off. Like
// io.ReaderAt it returns io.EOF when fewer bytes remain.
func (s *Store) ReadAt(ref Ref, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	snap, err := s.List(ref.Code)
	if err != nil {
		return 0, err
	}
	if snap.Generation != ref.Generation {
		return 0, ErrStale
	}
	if ref.Index < 0 || ref.Index >= len(snap.Files) {
		return 0, ErrNotFound
	}
	size := snap.Files[ref.Index].Size
	if off >= size {
		return 0, io.EOF
	}

	want := int64(len(p))
	if off+want > size {
		want = size - off
	}

	n := 0
	err = s.db.View(func(txn *badger.Txn) error {
		for int64(n) < want {
			pos := off + int64(n)
			seg := pos / SegmentSize
			item, err := txn.Get(segmentKey(ref.Code, ref.Generation, ref.Index, seg))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return ErrStale
				}
				return err
			}
			err = item.Value(func(val []byte) error {
				within := pos - seg*SegmentSize
				if within >= int64(len(val)) {
					return io.ErrUnexpectedEOF
				}
				n += copy(p[n:want], val[within:])
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Clear removes everything staged for code. It fails while a transfer holds
// the code.
func (s *Store) Clear(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holds[code] > 0 {
		return ErrTransferActive
	}
	gen, err := s.generation(code)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(code))
	}); err != nil {
		return fmt.Errorf("delete manifest: %w", err)
	}
	if gen > 0 {
		return s.deletePrefix(blobPrefix(code, gen))
	}
	return nil
}

// Hold marks code as being transferred until release is called. Put and
// Clear fail while any hold is outstanding.
func (s *Store) Hold(code string) (release func()) {
	s.mu.Lock()
	s.holds[code]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.holds[code]--
			if s.holds[code] <= 0 {
				delete(s.holds, code)
			}
			s.mu.Unlock()
		})
	}
}

// generation returns the last generation written for code. It survives
// Clear so references taken before a Clear stay stale.
func (s *Store) generation(code string) (uint64, error) {
	var gen uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(genKey(code))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt generation for %s", code)
			}
			gen = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return gen, err
}

func (s *Store) deletePrefix(prefix []byte) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}
