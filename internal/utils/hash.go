package utils

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashBytes calculates the BLAKE3 hash of a byte slice
func HashBytes(data []byte) string {
	return hex.EncodeToString(Digest(data, 32))
}

// HashString calculates the BLAKE3 hash of a string
func HashString(data string) string {
	return HashBytes([]byte(data))
}

// Digest returns the first size bytes of the BLAKE3 XOF output for data.
func Digest(data []byte, size int) []byte {
	hasher := blake3.New()
	hasher.Write(data)
	out := make([]byte, size)
	hasher.Digest().Read(out)
	return out
}

// KeyedDigest returns a size byte BLAKE3 MAC of parts under key.
// Each part is length prefixed so that part boundaries are unambiguous.
func KeyedDigest(key []byte, size int, parts ...[]byte) ([]byte, error) {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create keyed hasher: %w", err)
	}
	var lenBuf [4]byte
	for _, p := range parts {
		n := len(p)
		lenBuf[0], lenBuf[1], lenBuf[2], lenBuf[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
		hasher.Write(lenBuf[:])
		hasher.Write(p)
	}
	out := make([]byte, size)
	hasher.Digest().Read(out)
	return out, nil
}
