package consensus

import (
	"bytes"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/ugorji/go/codec"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
	"github.com/anusornc/provchain-org2-sub001/src/crypto/keys"
)

// Round identifies one consensus instance. Height is the block being
// decided, View counts leader rotations within that height.
type Round struct {
	Height uint64 `json:"height"`
	View   uint64 `json:"view"`
}

func (r Round) String() string {
	return fmt.Sprintf("(%d,%d)", r.Height, r.View)
}

// Kind discriminates wire messages.
type Kind uint8

const (
	// Proposal carries a candidate block from the round's leader. Under PBFT
	// this is the pre-prepare.
	Proposal Kind = iota
	// Prepare is a PBFT prepare vote.
	Prepare
	// Commit is a PBFT commit vote.
	Commit
)

func (k Kind) String() string {
	switch k {
	case Proposal:
		return "proposal"
	case Prepare:
		return "prepare"
	case Commit:
		return "commit"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is the wire unit exchanged between validators. The signature
// covers round, kind, block hash and sender; a proposal's block content is
// covered transitively through its hash.
type Message struct {
	Round     Round        `json:"round"`
	Kind      Kind         `json:"kind"`
	BlockHash []byte       `json:"block_hash"`
	Block     *chain.Block `json:"block,omitempty"`
	Sender    string       `json:"sender"`
	Signature []byte       `json:"signature,omitempty"`
}

type messageBody struct {
	Round     Round  `json:"round"`
	Kind      Kind   `json:"kind"`
	BlockHash []byte `json:"block_hash"`
	Sender    string `json:"sender"`
}

// SigningHash returns the SHA256 of the canonical encoding of the signed
// message fields.
func (m *Message) SigningHash() ([]byte, error) {
	body := messageBody{
		Round:     m.Round,
		Kind:      m.Kind,
		BlockHash: m.BlockHash,
		Sender:    m.Sender,
	}
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return crypto.SHA256(b.Bytes()), nil
}

// Sign sets the sender signature.
func (m *Message) Sign(key ed25519.PrivateKey) error {
	hash, err := m.SigningHash()
	if err != nil {
		return err
	}
	sig, err := keys.Sign(key, hash)
	if err != nil {
		return err
	}
	m.Signature = sig
	return nil
}

// Verify checks the sender signature. Malformed input yields false, never a
// panic.
func (m *Message) Verify() bool {
	hash, err := m.SigningHash()
	if err != nil {
		return false
	}
	return keys.VerifyHex(m.Sender, hash, m.Signature)
}

// Vote projects a prepare or commit message into its vote form.
func (m *Message) Vote() *Vote {
	return &Vote{
		Round:     m.Round,
		Kind:      m.Kind,
		BlockHash: m.BlockHash,
		Voter:     m.Sender,
		Signature: m.Signature,
	}
}

// Vote is one validator's statement in one phase of one round. Votes are
// keyed by (round, kind, voter); a second differing vote under the same key
// is equivocation.
type Vote struct {
	Round     Round  `json:"round"`
	Kind      Kind   `json:"kind"`
	BlockHash []byte `json:"block_hash"`
	Voter     string `json:"voter"`
	Signature []byte `json:"signature"`
}

// Message rebuilds the wire envelope the vote was carried in, so the vote
// signature can be reverified on its own.
func (v *Vote) Message() *Message {
	return &Message{
		Round:     v.Round,
		Kind:      v.Kind,
		BlockHash: v.BlockHash,
		Sender:    v.Voter,
		Signature: v.Signature,
	}
}

// Verify checks the vote signature.
func (v *Vote) Verify() bool {
	return v.Message().Verify()
}
