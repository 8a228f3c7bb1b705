package nvme

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/qdepth/nvme-emu/internal/hostmem"
)

// ErrInvalidPRP is returned when a PRP descriptor cannot be resolved
// against the given memory page size and transfer size.
var ErrInvalidPRP = fmt.Errorf("nvme: invalid prp")

// region is one contiguous span of emulated host memory covered by a
// resolved PRP.
type region struct {
	addr uint64
	len  uint32
}

// Handle is the resolved form of a command's DPTR1/DPTR2 fields: an
// ordered list of host-memory regions that together cover
// transfer_size bytes, per §4.2/§6.
type Handle struct {
	mem     hostmem.Memory
	regions []region
	size    uint32
}

// Payload reads the resolved regions into a freshly pooled buffer.
// Callers should return the buffer to the pool via PutPayloadBuffer
// when done; the buffer is not retained by the Handle.
func (h *Handle) Payload() ([]byte, error) {
	buf := GetPayloadBuffer(int(h.size))
	off := 0
	for _, r := range h.regions {
		if err := h.mem.ReadAt(buf[off:off+int(r.len)], r.addr); err != nil {
			PutPayloadBuffer(buf)
			return nil, err
		}
		off += int(r.len)
	}
	return buf[:h.size], nil
}

// PlacePayload writes a prepared buffer back into host memory at the
// PRP-described locations. len(payload) must equal the handle's
// transfer size.
func (h *Handle) PlacePayload(payload []byte) error {
	if uint32(len(payload)) != h.size {
		return ErrInvalidPRP
	}
	off := 0
	for _, r := range h.regions {
		if err := h.mem.WriteAt(payload[off:off+int(r.len)], r.addr); err != nil {
			return err
		}
		off += int(r.len)
	}
	return nil
}

// Resolver is the PRP collaborator contract from §4.2/§6: given a
// command's data-pointer fields, a transfer size, and the controller's
// current memory page size, it yields a Handle the engine can read a
// payload from or place a prepared payload into.
type Resolver interface {
	NewPRP(dptr1, dptr2 uint64, transferSize, memoryPageSize uint32) (*Handle, error)
}

// prpResolver is the default Resolver, implementing PRP entry and PRP
// list traversal over an hostmem.Memory the same way a real NVMe
// controller would: DPTR1 may start mid-page, the remainder of that
// page is consumed first, then either DPTR2 addresses the second page
// directly (two-page transfers) or DPTR2 is itself a PRP list whose
// entries each address one full page.
type prpResolver struct {
	mem hostmem.Memory
}

// NewResolver creates the default PRP resolver backed by mem.
func NewResolver(mem hostmem.Memory) Resolver {
	return &prpResolver{mem: mem}
}

func (p *prpResolver) NewPRP(dptr1, dptr2 uint64, transferSize, memoryPageSize uint32) (*Handle, error) {
	if memoryPageSize == 0 || transferSize == 0 {
		return nil, ErrInvalidPRP
	}
	if dptr1 == 0 {
		return nil, ErrInvalidPRP
	}

	h := &Handle{mem: p.mem, size: transferSize}

	offset := uint32(dptr1 % uint64(memoryPageSize))
	firstLen := memoryPageSize - offset
	if firstLen > transferSize {
		firstLen = transferSize
	}
	h.regions = append(h.regions, region{addr: dptr1, len: firstLen})

	remaining := transferSize - firstLen
	if remaining == 0 {
		return h, nil
	}

	if dptr2 == 0 {
		return nil, ErrInvalidPRP
	}

	if remaining <= memoryPageSize {
		h.regions = append(h.regions, region{addr: dptr2, len: remaining})
		return h, nil
	}

	// DPTR2 is a PRP list: each 8-byte little-endian entry addresses one
	// full memoryPageSize page, except possibly the last.
	entrySize := uint32(8)
	entriesPerPage := memoryPageSize / entrySize
	listAddr := dptr2
	entry := make([]byte, entrySize)

	for remaining > 0 {
		for i := uint32(0); i < entriesPerPage && remaining > 0; i++ {
			if err := p.mem.ReadAt(entry, listAddr+uint64(i)*uint64(entrySize)); err != nil {
				return nil, ErrInvalidPRP
			}
			pageAddr := binary.LittleEndian.Uint64(entry)
			if pageAddr == 0 {
				return nil, ErrInvalidPRP
			}

			chunk := memoryPageSize
			if chunk > remaining {
				chunk = remaining
			}

			// The final entry on a full list page may itself be a
			// pointer to the next list page rather than a data page;
			// that traversal is not needed for transfer sizes this
			// core deals with (Identify-sized payloads), so it is
			// treated as a data page here.
			h.regions = append(h.regions, region{addr: pageAddr, len: chunk})
			remaining -= chunk
		}
		if remaining > 0 {
			return nil, ErrInvalidPRP
		}
	}

	return h, nil
}

var _ Resolver = (*prpResolver)(nil)

// payloadPool buckets PRP payload buffers by size the same way the
// ublk I/O buffer pool does, so repeated Identify/Keep-Alive-sized
// transfers don't allocate a fresh slice every tick.
var payloadPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

// GetPayloadBuffer returns a buffer of at least size bytes from the
// pool, sized exactly to size.
func GetPayloadBuffer(size int) []byte {
	bp := payloadPool.Get().(*[]byte)
	b := *bp
	if cap(b) < size {
		b = make([]byte, size)
	} else {
		b = b[:size]
	}
	return b
}

// PutPayloadBuffer returns a buffer obtained from GetPayloadBuffer to
// the pool.
func PutPayloadBuffer(b []byte) {
	b = b[:0]
	payloadPool.Put(&b)
}
