package keys

import (
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/anusornc/provchain-org2-sub001/src/common"
)

// SignatureSize is the fixed length of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// Sign signs the data with the private key. Ed25519 is deterministic; no
// randomness source is involved.
func Sign(priv ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key length %d", len(priv))
	}
	return ed25519.Sign(priv, data), nil
}

// Verify verifies a signature over data against raw public key bytes. Any
// malformed input yields false, never a panic.
func Verify(pubBytes []byte, data []byte, sig []byte) bool {
	pub := ToPublicKey(pubBytes)
	if pub == nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// VerifyHex is Verify for a 0X-prefixed hex public key, the form validator
// identities travel in.
func VerifyHex(pubHex string, data []byte, sig []byte) bool {
	pubBytes, err := common.DecodeFromString(pubHex)
	if err != nil {
		return false
	}
	return Verify(pubBytes, data, sig)
}

// EncodeSignature returns a string representation of a signature.
func EncodeSignature(sig []byte) string {
	return common.EncodeToString(sig)
}

// DecodeSignature parses a string representation of a signature as produced
// by EncodeSignature.
func DecodeSignature(sig string) ([]byte, error) {
	raw, err := common.DecodeFromString(sig)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("wrong signature length: got %d, want %d", len(raw), ed25519.SignatureSize)
	}
	return raw, nil
}
