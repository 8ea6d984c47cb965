// Package bufpool pools fixed-size byte buffers for chunk reads.
package bufpool

import (
	"sync"
)

// Pool hands out buffers of exactly Size bytes.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a pool of bufSize-byte buffers.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	p := &Pool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly Size bytes. Its contents are undefined.
func (p *Pool) Get() []byte {
	bp := p.pool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns buf to the pool. Buffers smaller than Size are dropped. The
// caller must not touch buf afterwards.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	buf = buf[:cap(buf)]
	p.pool.Put(&buf)
}

// Size returns the length of buffers handed out by Get.
func (p *Pool) Size() int {
	return p.bufSize
}
