package common

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

//EncodeToString returns the UPPERCASE string representation of hexBytes with
//the 0X prefix
func EncodeToString(hexBytes []byte) string {
	return fmt.Sprintf("0X%X", hexBytes)
}

//DecodeFromString converts a hex string with 0X prefix to a byte slice
func DecodeFromString(hexString string) ([]byte, error) {
	if len(hexString) < 2 {
		return nil, fmt.Errorf("hex string too short: %q", hexString)
	}
	return hex.DecodeString(hexString[2:])
}

// Hash32 returns a composite FNV-1a hash of data. It is used to derive short
// numeric validator IDs from public keys.
func Hash32(data []byte) uint32 {
	h := fnv.New32a()

	h.Write(data)

	return h.Sum32()
}
