package chain

import (
	"fmt"
	"os"
	"strconv"

	"github.com/dgraph-io/badger"

	cm "github.com/anusornc/provchain-org2-sub001/src/common"
)

const (
	blockPrefix = "block"
	headKey     = "head"
)

// BadgerStore is a write-through Store backed by a badger database. Reads hit
// the in-memory cache first and fall back to disk, writes go to disk before
// the cache head moves. SyncWrites is on, so Append returns only after the
// block is fsynced.
type BadgerStore struct {
	inmemStore *InmemStore
	db         *badger.DB
	path       string
}

// NewBadgerStore creates a fresh database at path holding only the genesis
// block.
func NewBadgerStore(genesis *Block, cacheSize int, path string) (*BadgerStore, error) {
	inmem, err := NewInmemStore(genesis, cacheSize)
	if err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		inmemStore: inmem,
		db:         handle,
		path:       path,
	}

	if err := store.dbSetBlockAndHead(genesis); err != nil {
		store.Close()
		return nil, err
	}

	return store, nil
}

// LoadBadgerStore opens an existing database and replays it into the cache.
// The replay refolds every state root, so a corrupted or truncated database
// fails here rather than at commit time.
func LoadBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		db:   handle,
		path: path,
	}

	if err := store.bootstrap(cacheSize); err != nil {
		handle.Close()
		return nil, err
	}

	return store, nil
}

// LoadOrCreateBadgerStore loads the database at path if one exists there,
// otherwise creates one from the genesis block. A loaded database must hold
// the same genesis.
func LoadOrCreateBadgerStore(genesis *Block, cacheSize int, path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(cacheSize, path)
	if err != nil {
		return NewBadgerStore(genesis, cacheSize, path)
	}

	wantHash, err := genesis.Hash()
	if err != nil {
		store.Close()
		return nil, err
	}
	stored, err := store.Get(0)
	if err != nil {
		store.Close()
		return nil, err
	}
	storedHash, err := stored.Hash()
	if err != nil {
		store.Close()
		return nil, err
	}
	if string(wantHash) != string(storedHash) {
		store.Close()
		return nil, fmt.Errorf("database at %s holds a different genesis block", path)
	}

	return store, nil
}

// bootstrap rebuilds the in-memory cache from disk, block by block. Append
// revalidates linkage and state roots along the way.
func (s *BadgerStore) bootstrap(cacheSize int) error {
	headIndex, err := s.dbGetHead()
	if err != nil {
		return err
	}

	genesis, err := s.dbGetBlock(0)
	if err != nil {
		return err
	}

	inmem, err := NewInmemStore(genesis, cacheSize)
	if err != nil {
		return err
	}

	for h := uint64(1); h <= headIndex; h++ {
		block, err := s.dbGetBlock(h)
		if err != nil {
			return err
		}
		if err := inmem.Append(block); err != nil {
			return err
		}
	}

	s.inmemStore = inmem

	return nil
}

// CacheSize ...
func (s *BadgerStore) CacheSize() int {
	return s.inmemStore.CacheSize()
}

// Head ...
func (s *BadgerStore) Head() *Block {
	return s.inmemStore.Head()
}

// Height ...
func (s *BadgerStore) Height() uint64 {
	return s.inmemStore.Height()
}

// StateRoot ...
func (s *BadgerStore) StateRoot() []byte {
	return s.inmemStore.StateRoot()
}

// Get returns the block at the given height, reading from disk when the
// height has been evicted from the cache window.
func (s *BadgerStore) Get(height uint64) (*Block, error) {
	res, err := s.inmemStore.Get(height)
	if err != nil {
		return s.dbGetBlock(height)
	}
	return res, nil
}

// GetFrom returns up to limit consecutive blocks starting at start, reading
// from disk when the range has been evicted from the cache window.
func (s *BadgerStore) GetFrom(start uint64, limit int) ([]*Block, error) {
	res, err := s.inmemStore.GetFrom(start, limit)
	if err == nil {
		return res, nil
	}
	if !cm.IsStore(err, cm.TooLate) {
		return nil, err
	}

	head := s.Height()
	res = []*Block{}
	for h := start; h <= head; h++ {
		if limit > 0 && len(res) >= limit {
			break
		}
		block, err := s.dbGetBlock(h)
		if err != nil {
			return nil, err
		}
		res = append(res, block)
	}
	return res, nil
}

// Append persists the block and its new head pointer in one transaction,
// then advances the cache.
func (s *BadgerStore) Append(block *Block) error {
	return s.inmemStore.AppendThrough(block, s.dbSetBlockAndHead)
}

// StorePath ...
func (s *BadgerStore) StorePath() string {
	return s.path
}

// Close ...
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

/*
db access
*/

func blockKey(index uint64) []byte {
	return []byte(fmt.Sprintf("%s_%09d", blockPrefix, index))
}

func (s *BadgerStore) dbGetHead() (uint64, error) {
	var res uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(headKey))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		parsed, err := strconv.ParseUint(string(val), 10, 64)
		if err != nil {
			return err
		}
		res = parsed
		return nil
	})
	if err != nil {
		return 0, mapError(err, "Head", headKey)
	}
	return res, nil
}

func (s *BadgerStore) dbGetBlock(index uint64) (*Block, error) {
	var blockBytes []byte
	key := blockKey(index)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		blockBytes, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, mapError(err, "Block", string(key))
	}

	block := new(Block)
	if err := block.Unmarshal(blockBytes); err != nil {
		return nil, err
	}

	return block, nil
}

func (s *BadgerStore) dbSetBlockAndHead(block *Block) error {
	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	val, err := block.Marshal()
	if err != nil {
		return err
	}

	if err := tx.Set(blockKey(block.Index()), val); err != nil {
		return err
	}
	if err := tx.Set([]byte(headKey), []byte(strconv.FormatUint(block.Index(), 10))); err != nil {
		return err
	}

	return tx.Commit()
}

func mapError(err error, name, key string) error {
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return cm.NewStoreErr(name, cm.KeyNotFound, key)
		}
	}
	return err
}
