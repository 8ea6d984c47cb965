// Package termio serializes terminal output through background writers so
// progress redraws never block the transfer loop.
package termio

import (
	"io"
	"os"
	"sync"
)

// Writer queues writes for a file and performs them on its own goroutine.
type Writer struct {
	file *os.File
	ch   chan []byte
	wg   sync.WaitGroup
}

// Write copies p onto the queue.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.wg.Add(1)
	w.ch <- buf
	return len(p), nil
}

// File returns the file written to.
func (w *Writer) File() *os.File {
	return w.file
}

// Flush blocks until every queued write has reached the file.
func (w *Writer) Flush() {
	w.wg.Wait()
}

// NewWriter starts a queued writer for f.
func NewWriter(f *os.File) *Writer {
	w := &Writer{
		file: f,
		ch:   make(chan []byte, 1024),
	}
	go func() {
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
			w.wg.Done()
		}
	}()
	return w
}

type manager struct {
	once   sync.Once
	stdout *Writer
	stderr *Writer
}

var global manager

// Init starts the process-wide stdout and stderr writers.
func Init() {
	global.once.Do(func() {
		global.stdout = NewWriter(os.Stdout)
		global.stderr = NewWriter(os.Stderr)
	})
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

// Flush drains both writers. Call it before exiting.
func Flush() {
	Init()
	global.stdout.Flush()
	global.stderr.Flush()
}
