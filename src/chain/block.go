package chain

import (
	"bytes"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/ugorji/go/codec"

	"github.com/anusornc/provchain-org2-sub001/src/crypto"
	"github.com/anusornc/provchain-org2-sub001/src/crypto/keys"
)

// BlockBody carries everything a block commits to. The block hash is the
// SHA256 of the canonical JSON encoding of the body, so every field here is
// covered by the proposer signature.
type BlockBody struct {
	Index         uint64 `json:"index"`
	Timestamp     int64  `json:"timestamp"`
	PayloadDigest []byte `json:"payload_digest"`
	PreviousHash  []byte `json:"previous_hash"`
	StateRoot     []byte `json:"state_root"`
	Proposer      string `json:"proposer"`
}

// Marshal returns the canonical JSON encoding of the body. Canonical mode
// sorts object keys, so all nodes derive the same bytes for the same body.
func (bb *BlockBody) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(bb); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal parses a body from its canonical JSON encoding.
func (bb *BlockBody) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)
	return dec.Decode(bb)
}

// Hash returns the SHA256 of the canonical body encoding.
func (bb *BlockBody) Hash() ([]byte, error) {
	hashBytes, err := bb.Marshal()
	if err != nil {
		return nil, err
	}
	return crypto.SHA256(hashBytes), nil
}

/*
Block
*/

// Block is a BlockBody plus the proposer signature over the body hash. The
// signature is not part of the hash.
type Block struct {
	Body      BlockBody
	Signature []byte

	hash []byte
	hex  string
}

// NewBlock builds the successor of head for the given payload digest. The
// state root is the running fold extended by one step, so deriving it costs
// one hash regardless of chain length.
func NewBlock(head *Block, payloadDigest []byte, timestamp int64, proposer string) (*Block, error) {
	headHash, err := head.Hash()
	if err != nil {
		return nil, err
	}
	body := BlockBody{
		Index:         head.Index() + 1,
		Timestamp:     timestamp,
		PayloadDigest: payloadDigest,
		PreviousHash:  headHash,
		StateRoot:     crypto.SimpleHashFromTwoHashes(head.StateRoot(), payloadDigest),
		Proposer:      proposer,
	}
	return &Block{Body: body}, nil
}

// NewGenesisBlock builds block 0. Genesis is not proposed or signed; its
// fields are fixed so every node derives an identical genesis for the same
// payload digest.
func NewGenesisBlock(payloadDigest []byte) *Block {
	return &Block{
		Body: BlockBody{
			Index:         0,
			Timestamp:     0,
			PayloadDigest: payloadDigest,
			PreviousHash:  crypto.ZeroHash(),
			StateRoot:     crypto.SimpleHashFromTwoHashes(crypto.ZeroHash(), payloadDigest),
			Proposer:      "",
		},
	}
}

func (b *Block) Index() uint64          { return b.Body.Index }
func (b *Block) Timestamp() int64       { return b.Body.Timestamp }
func (b *Block) PayloadDigest() []byte  { return b.Body.PayloadDigest }
func (b *Block) PreviousHash() []byte   { return b.Body.PreviousHash }
func (b *Block) StateRoot() []byte      { return b.Body.StateRoot }
func (b *Block) Proposer() string       { return b.Body.Proposer }

// Hash returns the block hash, computing and caching it on first use.
func (b *Block) Hash() ([]byte, error) {
	if len(b.hash) == 0 {
		hash, err := b.Body.Hash()
		if err != nil {
			return nil, err
		}
		b.hash = hash
	}
	return b.hash, nil
}

// Hex returns the block hash as an uppercase hex string.
func (b *Block) Hex() string {
	if b.hex == "" {
		hash, _ := b.Hash()
		b.hex = fmt.Sprintf("%X", hash)
	}
	return b.hex
}

// Sign sets the proposer signature over the block hash.
func (b *Block) Sign(key ed25519.PrivateKey) error {
	hash, err := b.Hash()
	if err != nil {
		return err
	}
	sig, err := keys.Sign(key, hash)
	if err != nil {
		return err
	}
	b.Signature = sig
	return nil
}

// Verify checks the signature against the proposer public key embedded in
// the body. Genesis has no signature and always verifies.
func (b *Block) Verify() (bool, error) {
	if b.Index() == 0 {
		return len(b.Signature) == 0 && b.Proposer() == "", nil
	}
	hash, err := b.Hash()
	if err != nil {
		return false, err
	}
	return keys.VerifyHex(b.Proposer(), hash, b.Signature), nil
}

// Marshal returns the canonical JSON encoding of the full block, signature
// included. This is the storage and wire format.
func (b *Block) Marshal() ([]byte, error) {
	bf := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(bf, jh)
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return bf.Bytes(), nil
}

// Unmarshal parses a block from its canonical JSON encoding.
func (b *Block) Unmarshal(data []byte) error {
	bf := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(bf, jh)
	return dec.Decode(b)
}
