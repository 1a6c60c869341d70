package assetcache

import (
	"fmt"
	"sync"
)

// Chunk is one slice of a bundle payload in transit.
type Chunk struct {
	BundleID uint16
	Offset   uint32
	Total    uint32
	Data     []byte
}

// Split cuts payload into chunks of at most size bytes. An empty payload yields one
// empty chunk so the receiver still completes.
func Split(id uint16, payload []byte, size int) []Chunk {
	total := uint32(len(payload))
	if len(payload) == 0 || size <= 0 {
		return []Chunk{{BundleID: id, Total: total, Data: payload}}
	}
	var out []Chunk
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))
		out = append(out, Chunk{BundleID: id, Offset: uint32(off), Total: total, Data: payload[off:end]})
	}
	return out
}

// Assembler rebuilds bundles from in-order chunks, one buffer per bundle id.
type Assembler struct {
	mu       sync.Mutex
	maxBytes int
	partial  map[uint16]*partialBundle
}

type partialBundle struct {
	total uint32
	buf   []byte
}

func NewAssembler(maxBytes int) *Assembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBundleBytes
	}
	return &Assembler{maxBytes: maxBytes, partial: make(map[uint16]*partialBundle)}
}

// Add appends c. It returns the full payload once the last chunk arrives. An
// out-of-order or oversized chunk, or one whose Total differs from the first chunk's,
// discards the partial bundle and returns an error.
func (a *Assembler) Add(c Chunk) ([]byte, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int64(c.Total) > int64(a.maxBytes) {
		delete(a.partial, c.BundleID)
		return nil, false, fmt.Errorf("bundle %d: %d bytes exceeds limit %d", c.BundleID, c.Total, a.maxBytes)
	}
	pb := a.partial[c.BundleID]
	if c.Offset == 0 {
		pb = &partialBundle{total: c.Total, buf: make([]byte, 0, c.Total)}
	}
	if pb == nil || int(c.Offset) != len(pb.buf) {
		have := 0
		if pb != nil {
			have = len(pb.buf)
		}
		delete(a.partial, c.BundleID)
		return nil, false, fmt.Errorf("bundle %d: unexpected chunk at offset %d (have %d)", c.BundleID, c.Offset, have)
	}
	if c.Total != pb.total {
		delete(a.partial, c.BundleID)
		return nil, false, fmt.Errorf("bundle %d: size changed from %d to %d", c.BundleID, pb.total, c.Total)
	}
	if uint64(c.Offset)+uint64(len(c.Data)) > uint64(pb.total) {
		delete(a.partial, c.BundleID)
		return nil, false, fmt.Errorf("bundle %d: chunk at offset %d overruns %d bytes", c.BundleID, c.Offset, pb.total)
	}
	pb.buf = append(pb.buf, c.Data...)
	if uint32(len(pb.buf)) < pb.total {
		a.partial[c.BundleID] = pb
		return nil, false, nil
	}
	delete(a.partial, c.BundleID)
	return pb.buf, true, nil
}

// Pending returns the number of bundles partially received.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.partial)
}
