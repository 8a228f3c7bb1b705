//go:build linux

package hostmem

import (
	"sync"

	"golang.org/x/sys/unix"
)

// mmapped backs a Memory with an anonymous private mapping instead of a
// Go-managed slice. Large synthetic host-memory regions get the same
// anonymous-mmap treatment a real data-path buffer would, without any
// kernel device behind it.
type mmapped struct {
	mu   sync.RWMutex
	data []byte
}

// NewMmap creates an anonymously-mapped Memory of the given size. Returns
// an error if the mapping cannot be established (e.g. size is zero or
// the kernel mmap syscall fails).
func NewMmap(size uint64) (Memory, error) {
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &mmapped{data: data}, nil
}

func (m *mmapped) ReadAt(p []byte, addr uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil || addr+uint64(len(p)) > uint64(len(m.data)) {
		return ErrOutOfRange
	}
	copy(p, m.data[addr:addr+uint64(len(p))])
	return nil
}

func (m *mmapped) WriteAt(p []byte, addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil || addr+uint64(len(p)) > uint64(len(m.data)) {
		return ErrOutOfRange
	}
	copy(m.data[addr:addr+uint64(len(p))], p)
	return nil
}

func (m *mmapped) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data))
}

func (m *mmapped) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

var _ Memory = (*mmapped)(nil)
