package vmem

import (
	"sync"
	"unsafe"
)

// simMapper models protection states in software on a heap buffer. It is
// the only backend on targets without mmap and backs ReserveSimulated
// everywhere. An access-through-Bytes to an inaccessible range yields nil
// rather than a hardware fault, which is what makes the guard-containment
// tests runnable.
type simMapper struct {
	mu       sync.Mutex
	buf      []byte
	prot     []Protection // one entry per page
	pageSize uintptr
}

func newSimMapper(size, pageSize uintptr) *simMapper {
	return &simMapper{
		buf:      make([]byte, size),
		prot:     make([]Protection, size/pageSize),
		pageSize: pageSize,
	}
}

func (m *simMapper) base() uintptr {
	return uintptr(unsafe.Pointer(&m.buf[0]))
}

func (m *simMapper) bytes(start, length uintptr) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := start / m.pageSize; p < (start+length+m.pageSize-1)/m.pageSize; p++ {
		if m.prot[p] == ProtNone {
			return nil
		}
	}
	return m.buf[start : start+length : start+length]
}

func (m *simMapper) protect(start, length uintptr, prot Protection, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := start / m.pageSize; p < (start+length)/m.pageSize; p++ {
		if m.prot[p] == ProtNone && prot == ProtReadWrite {
			// Fresh accessibility is zero-filled.
			off := p * m.pageSize
			clear(m.buf[off : off+m.pageSize])
		}
		m.prot[p] = prot
	}
	return nil
}

func (m *simMapper) decommit(start, length uintptr) error {
	return m.remapZeros(start, length)
}

func (m *simMapper) remapZeros(start, length uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.buf[start : start+length])
	for p := start / m.pageSize; p < (start+length)/m.pageSize; p++ {
		m.prot[p] = ProtReadWrite
	}
	return nil
}

func (m *simMapper) mapImage(img *Image, start uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.buf[start:], img.data)
	for p := start / m.pageSize; p < (start+img.mapLen())/m.pageSize; p++ {
		m.prot[p] = ProtReadWrite
	}
	return nil
}

func (m *simMapper) protectionAt(start uintptr) (Protection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prot[start/m.pageSize], true
}

func (m *simMapper) release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = nil
	m.prot = nil
	return nil
}
