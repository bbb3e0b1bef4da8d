package dataplane

import (
	"sync"

	"github.com/distflow/runtime/internal/partition"
)

// storedPartition is one producer partition's bytes together with the block
// index WriteTask recorded as it buffered them, letting Select restrict a
// shuffle destination's read to its assigned hash range without re-hashing
// unrelated bytes on every pull.
type storedPartition struct {
	body   []byte
	blocks []partition.BlockMetadata
}

// BlockStore is a worker's in-memory holding area for partitions it has
// committed and must serve to peers pulling them over C7. There is no
// teacher analogue for a standalone block store (dbspgraph keeps all graph
// state inside bspgraph.Graph itself, with nothing to serve to peers), so
// this is plain sync.RWMutex plus a map, justified in DESIGN.md.
type BlockStore struct {
	mu    sync.RWMutex
	parts map[string]storedPartition
}

// NewBlockStore creates an empty store.
func NewBlockStore() *BlockStore {
	return &BlockStore{parts: make(map[string]storedPartition)}
}

// Put records partitionID's committed bytes and block index. A retried
// producer attempt overwrites whatever was stored before, matching §4.3's
// single-committed-writer guarantee.
func (s *BlockStore) Put(partitionID string, body []byte, blocks []partition.BlockMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[partitionID] = storedPartition{body: body, blocks: blocks}
}

// Select returns partitionID's bytes restricted to r, in write order: every
// block whose content hash falls in r is included, every other block is
// dropped. A non-shuffle reader passes partition.FullHashRange(), which
// Contains accepts unconditionally, reconstructing the whole partition. The
// bool result reports whether the partition is known at all.
func (s *BlockStore) Select(partitionID string, r partition.HashRange) ([]byte, bool) {
	s.mu.RLock()
	p, ok := s.parts[partitionID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	var out []byte
	for _, b := range p.blocks {
		content := p.body[b.Offset : b.Offset+b.ByteLength]
		if r.Contains(fnvHash(content)) {
			out = append(out, content...)
		}
	}
	return out, true
}
