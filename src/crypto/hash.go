package crypto

import (
	"crypto/sha256"
)

// HashSize is the size in bytes of a SHA256 digest. Block hashes, payload
// digests, and state roots are all this size.
const HashSize = sha256.Size

// SHA256 returns the SHA256 hash of the data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	hash := hasher.Sum(nil)
	return hash
}

// SimpleHashFromTwoHashes returns the SHA256 hash of the concatenation of left
// and right. It is the fold step of the incremental state-root accumulator:
// appending a block moves the root to SimpleHashFromTwoHashes(root, digest).
func SimpleHashFromTwoHashes(left []byte, right []byte) []byte {
	var hasher = sha256.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}

// ZeroHash returns a fresh all-zero digest. It seeds the state-root
// accumulator and stands in for the parent hash of the genesis block.
func ZeroHash() []byte {
	return make([]byte, HashSize)
}
