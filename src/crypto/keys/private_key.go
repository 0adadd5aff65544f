package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
)

/*
All the functions here are wrappers around the ed25519 types of the circl
library, which mirrors the standard library API.
*/

// GenerateKey creates a new random Ed25519 private key.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

// DumpPrivateKey exports a private key into a binary dump. Only the 32-byte
// seed is dumped; the full key is deterministically rebuilt from it.
func DumpPrivateKey(priv ed25519.PrivateKey) []byte {
	if priv == nil {
		return nil
	}
	return priv.Seed()
}

// ParsePrivateKey rebuilds a private key from a seed as produced by
// DumpPrivateKey.
func ParsePrivateKey(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length, need %d bytes", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// PrivateKeyHex returns the hexadecimal representation of a raw private key
// seed as returned by DumpPrivateKey.
func PrivateKeyHex(key ed25519.PrivateKey) string {
	return hex.EncodeToString(DumpPrivateKey(key))
}
