package engine

import (
	"sync"
	"sync/atomic"
)

const maxPooledPayload = 64 << 10

// Payload is a byte buffer owned by exactly one holder at a time. The queue
// takes ownership on enqueue; whoever dequeues it releases it.
type Payload struct {
	buf      []byte
	pool     *payloadPool
	released atomic.Bool
}

func (p *Payload) Bytes() []byte {
	if p == nil {
		return nil
	}
	return p.buf
}

func (p *Payload) Len() int {
	if p == nil {
		return 0
	}
	return len(p.buf)
}

// Release hands the buffer back to its pool. Only the first call releases;
// later calls report false.
func (p *Payload) Release() bool {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return false
	}

	buf := p.buf
	p.buf = nil
	p.pool.put(buf)
	return true
}

type payloadPool struct {
	pool      sync.Pool
	released  atomic.Int64
	onRelease func()
}

func newPayloadPool(onRelease func()) *payloadPool {
	return &payloadPool{
		pool: sync.Pool{New: func() any {
			buf := make([]byte, 0, 512)
			return &buf
		}},
		onRelease: onRelease,
	}
}

// copy returns an owned copy of data, or nil when there is nothing to own.
func (pp *payloadPool) copy(data []byte) *Payload {
	if data == nil {
		return nil
	}

	bufPtr := pp.pool.Get().(*[]byte)
	buf := append((*bufPtr)[:0], data...)
	return &Payload{buf: buf, pool: pp}
}

func (pp *payloadPool) put(buf []byte) {
	pp.released.Add(1)
	if pp.onRelease != nil {
		pp.onRelease()
	}

	if cap(buf) > maxPooledPayload {
		return
	}
	buf = buf[:0]
	pp.pool.Put(&buf)
}

func (pp *payloadPool) releasedCount() int64 {
	return pp.released.Load()
}
