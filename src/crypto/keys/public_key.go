package keys

import (
	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/anusornc/provchain-org2-sub001/src/common"
)

// FromPrivateKey extracts the raw 32-byte public key from a private key.
func FromPrivateKey(priv ed25519.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return []byte(priv.Public().(ed25519.PublicKey))
}

// ToPublicKey wraps raw public key bytes. It returns nil if the length is
// wrong, so signature checks against it fail rather than panic.
func ToPublicKey(pub []byte) ed25519.PublicKey {
	if len(pub) != ed25519.PublicKeySize {
		return nil
	}
	return ed25519.PublicKey(pub)
}

// PublicKeyID gives a compact uint32 representation of a public key. There is
// obviously a risk of collision, but the uint32 is only used as a short
// display ID and map key inside a small permissioned validator set, never for
// authorization.
func PublicKeyID(pubBytes []byte) uint32 {
	return common.Hash32(pubBytes)
}

// PublicKeyHex returns the hexadecimal representation of the public key, with
// the 0X prefix. This string is the canonical validator identity.
func PublicKeyHex(pub []byte) string {
	return common.EncodeToString(pub)
}
