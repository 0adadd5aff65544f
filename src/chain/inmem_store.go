package chain

import (
	"bytes"
	"fmt"
	"sync"

	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
)

// InmemStore keeps the chain in a bounded in-memory cache. Blocks older than
// the cache window are evicted; Get answers for them with TooLate. The store
// is seeded with genesis at construction, so it is never empty.
type InmemStore struct {
	sync.RWMutex
	cacheSize  int
	blockCache *cm.RollingIndex
	head       *Block
	stateRoot  []byte
}

// NewInmemStore creates a store holding only the given genesis block.
func NewInmemStore(genesis *Block, cacheSize int) (*InmemStore, error) {
	if err := checkGenesis(genesis); err != nil {
		return nil, err
	}

	store := &InmemStore{
		cacheSize:  cacheSize,
		blockCache: cm.NewRollingIndex("BlockCache", cacheSize),
		head:       genesis,
		stateRoot:  genesis.StateRoot(),
	}

	if err := store.blockCache.Set(genesis, 0); err != nil {
		return nil, err
	}

	return store, nil
}

func checkGenesis(genesis *Block) error {
	if genesis == nil {
		return cm.NewCoreErr("InmemStore", cm.Malformed, "nil genesis")
	}
	if genesis.Index() != 0 {
		return cm.NewCoreErr("InmemStore", cm.Malformed,
			fmt.Sprintf("genesis index %d", genesis.Index()))
	}
	if len(genesis.PayloadDigest()) != crypto.HashSize {
		return cm.NewCoreErr("InmemStore", cm.Malformed, "genesis payload digest size")
	}
	if !bytes.Equal(genesis.PreviousHash(), crypto.ZeroHash()) {
		return cm.NewCoreErr("InmemStore", cm.Malformed, "genesis previous hash")
	}
	want := crypto.SimpleHashFromTwoHashes(crypto.ZeroHash(), genesis.PayloadDigest())
	if !bytes.Equal(genesis.StateRoot(), want) {
		return cm.NewCoreErr("InmemStore", cm.StateApplicationFailed, "genesis state root")
	}
	return nil
}

// CacheSize ...
func (s *InmemStore) CacheSize() int {
	return s.cacheSize
}

// Head returns the latest committed block.
func (s *InmemStore) Head() *Block {
	s.RLock()
	defer s.RUnlock()
	return s.head
}

// Height returns the index of the head block.
func (s *InmemStore) Height() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.head.Index()
}

// StateRoot returns the running commitment over all payload digests up to
// and including the head.
func (s *InmemStore) StateRoot() []byte {
	s.RLock()
	defer s.RUnlock()
	res := make([]byte, len(s.stateRoot))
	copy(res, s.stateRoot)
	return res
}

// Get returns the block at the given height. Heights evicted from the cache
// window come back as TooLate, heights above the head as KeyNotFound.
func (s *InmemStore) Get(height uint64) (*Block, error) {
	s.RLock()
	defer s.RUnlock()
	res, err := s.blockCache.GetItem(int(height))
	if err != nil {
		return nil, err
	}
	return res.(*Block), nil
}

// GetFrom returns up to limit consecutive blocks starting at start. A start
// below the cache window comes back as TooLate.
func (s *InmemStore) GetFrom(start uint64, limit int) ([]*Block, error) {
	s.RLock()
	defer s.RUnlock()
	items, err := s.blockCache.Get(int(start) - 1)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	res := make([]*Block, len(items))
	for i, item := range items {
		res[i] = item.(*Block)
	}
	return res, nil
}

// Append commits the next block. The block must extend the current head; a
// height at or below the head is a HeightConflict, a height beyond head+1 a
// SkippedIndex.
func (s *InmemStore) Append(block *Block) error {
	return s.AppendThrough(block, nil)
}

// AppendThrough validates the block against the head, runs persist while
// still holding the write lock, and only then advances the head. A failing
// persist leaves the store untouched, so the head never points at a block
// that is not durable.
func (s *InmemStore) AppendThrough(block *Block, persist func(*Block) error) error {
	s.Lock()
	defer s.Unlock()

	if err := s.checkNext(block); err != nil {
		return err
	}

	if persist != nil {
		if err := persist(block); err != nil {
			return err
		}
	}

	s.apply(block)

	return nil
}

// checkNext verifies linkage against the head. Caller must hold the write
// lock.
func (s *InmemStore) checkNext(block *Block) error {
	if block == nil {
		return cm.NewCoreErr("InmemStore", cm.Malformed, "nil block")
	}
	if len(block.PayloadDigest()) != crypto.HashSize {
		return cm.NewCoreErr("InmemStore", cm.Malformed,
			fmt.Sprintf("payload digest size %d", len(block.PayloadDigest())))
	}
	if block.Index() <= s.head.Index() {
		return cm.NewCoreErr("InmemStore", cm.HeightConflict,
			fmt.Sprintf("height %d, head %d", block.Index(), s.head.Index()))
	}
	if block.Index() > s.head.Index()+1 {
		return cm.NewStoreErr("InmemStore", cm.SkippedIndex,
			fmt.Sprintf("height %d, head %d", block.Index(), s.head.Index()))
	}

	headHash, err := s.head.Hash()
	if err != nil {
		return err
	}
	if !bytes.Equal(block.PreviousHash(), headHash) {
		return cm.NewCoreErr("InmemStore", cm.Malformed,
			fmt.Sprintf("previous hash mismatch at height %d", block.Index()))
	}

	want := crypto.SimpleHashFromTwoHashes(s.stateRoot, block.PayloadDigest())
	if !bytes.Equal(block.StateRoot(), want) {
		return cm.NewCoreErr("InmemStore", cm.StateApplicationFailed,
			fmt.Sprintf("state root mismatch at height %d", block.Index()))
	}

	return nil
}

// apply advances the head. Caller must hold the write lock and have run
// checkNext.
func (s *InmemStore) apply(block *Block) {
	s.blockCache.Set(block, int(block.Index()))
	s.head = block
	s.stateRoot = block.StateRoot()
}

// StorePath ...
func (s *InmemStore) StorePath() string {
	return "inmem"
}

// Close ...
func (s *InmemStore) Close() error {
	return nil
}
