// Package memstore provides an in-memory blockshim.Store for tests, with
// fault injection modeled on the backend test doubles used elsewhere in this
// stack: induced errors keyed by block number and a staleness knob that
// returns a caller-supplied payload for a configured number of reads of a
// block, simulating the eventual-consistency window blockshim.ecp is built to
// protect against.
package memstore

import (
	"context"
	"crypto/md5"
	"sync"
	"sync/atomic"

	"github.com/blockshim/blockshim"
)

// Store is a blockshim.Store backed by an in-process map. It is safe for
// concurrent use.
type Store struct {
	blockSize uint32
	numBlocks uint64

	mu     sync.Mutex
	blocks map[blockshim.BlockNum][]byte

	// failWrites, if set for a block, makes the next N writes to that block
	// fail; each failing attempt decrements the count.
	failWrites map[blockshim.BlockNum]int

	// staleReads, if set for a block, makes the next N reads of that block
	// return stalePayload instead of the current content.
	staleReads   map[blockshim.BlockNum]int
	stalePayload map[blockshim.BlockNum][]byte

	destroyed atomic.Bool
}

// New returns an empty Store sized for numBlocks blocks of blockSize bytes.
func New(blockSize uint32, numBlocks uint64) *Store {
	return &Store{
		blockSize:    blockSize,
		numBlocks:    numBlocks,
		blocks:       make(map[blockshim.BlockNum][]byte),
		failWrites:   make(map[blockshim.BlockNum]int),
		staleReads:   make(map[blockshim.BlockNum]int),
		stalePayload: make(map[blockshim.BlockNum][]byte),
	}
}

// FailNextWrites arranges for the next n writes to block to return an error.
func (s *Store) FailNextWrites(block blockshim.BlockNum, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites[block] = n
}

// ReturnStaleOnNextReads arranges for the next n reads of block to return
// payload regardless of what was actually last written.
func (s *Store) ReturnStaleOnNextReads(block blockshim.BlockNum, payload []byte, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.stalePayload[block] = buf
	s.staleReads[block] = n
}

// ReadBlock implements blockshim.Store.
func (s *Store) ReadBlock(ctx context.Context, n blockshim.BlockNum, dst []byte, expectMD5 *blockshim.MD5) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	content := s.blocks[n]
	if remaining, ok := s.staleReads[n]; ok && remaining > 0 {
		s.staleReads[n] = remaining - 1
		content = s.stalePayload[n]
	}

	if content == nil {
		clear(dst)
	} else {
		copy(dst, content)
	}

	actual := blockshim.MD5(md5sum(content, int(s.blockSize)))
	if expectMD5 != nil && actual != *expectMD5 {
		return blockshim.Error{Code: blockshim.Stale, UserData: n}
	}
	return nil
}

// WriteBlock implements blockshim.Store. src == nil deletes the block.
func (s *Store) WriteBlock(ctx context.Context, n blockshim.BlockNum, src []byte, md5 *blockshim.MD5) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if remaining, ok := s.failWrites[n]; ok && remaining > 0 {
		s.failWrites[n] = remaining - 1
		return blockshim.Error{Code: blockshim.IOError, UserData: n}
	}

	if src == nil {
		delete(s.blocks, n)
		return nil
	}
	buf := make([]byte, len(src))
	copy(buf, src)
	s.blocks[n] = buf
	return nil
}

// DetectSizes implements blockshim.Store.
func (s *Store) DetectSizes(ctx context.Context) (int64, uint32, error) {
	return int64(s.numBlocks) * int64(s.blockSize), s.blockSize, nil
}

// Destroy implements blockshim.Store.
func (s *Store) Destroy(ctx context.Context) error {
	s.destroyed.Store(true)
	return nil
}

func md5sum(content []byte, blockSize int) [16]byte {
	if content == nil {
		return md5.Sum(make([]byte, blockSize))
	}
	return md5.Sum(content)
}
