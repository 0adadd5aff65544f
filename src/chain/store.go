package chain

import (
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
)

// Store is the append-only ledger. A store always holds at least the genesis
// block, so Head and Height never refer to an empty chain. Append returns
// only after the block is durable at the store's durability level.
type Store interface {
	CacheSize() int
	Head() *Block
	Height() uint64
	Get(height uint64) (*Block, error)
	GetFrom(start uint64, limit int) ([]*Block, error)
	Append(block *Block) error
	StateRoot() []byte
	StorePath() string
	Close() error
}

// ReplayStateRoot refolds every payload digest from genesis to head and
// returns the resulting root. Replaying the same chain always yields the
// same root, which must match Head().StateRoot().
func ReplayStateRoot(s Store) ([]byte, error) {
	root := crypto.ZeroHash()
	for h := uint64(0); h <= s.Height(); h++ {
		block, err := s.Get(h)
		if err != nil {
			return nil, err
		}
		root = crypto.SimpleHashFromTwoHashes(root, block.PayloadDigest())
	}
	return root, nil
}
