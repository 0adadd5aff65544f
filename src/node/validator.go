package node

import (
	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/anusornc/provchain-org2-sub001/src/crypto/keys"
)

// Validator holds the local node's signing identity.
type Validator struct {
	Key     ed25519.PrivateKey
	Moniker string

	id       uint32
	pubBytes []byte
	pubHex   string
}

// NewValidator is a factory method for a Validator.
func NewValidator(key ed25519.PrivateKey, moniker string) *Validator {
	return &Validator{
		Key:     key,
		Moniker: moniker,
	}
}

// ID returns a condensed numeric identifier derived from the public key.
func (v *Validator) ID() uint32 {
	if v.id == 0 {
		v.id = keys.PublicKeyID(v.PublicKeyBytes())
	}
	return v.id
}

// PublicKeyBytes returns the validator's public key as a byte array.
func (v *Validator) PublicKeyBytes() []byte {
	if len(v.pubBytes) == 0 {
		v.pubBytes = keys.FromPrivateKey(v.Key)
	}
	return v.pubBytes
}

// PublicKeyHex returns the validator's public key as a hex string.
func (v *Validator) PublicKeyHex() string {
	if len(v.pubHex) == 0 {
		v.pubHex = keys.PublicKeyHex(v.PublicKeyBytes())
	}
	return v.pubHex
}
