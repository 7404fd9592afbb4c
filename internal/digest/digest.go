// Package digest computes the content hashes that identify modules.
package digest

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Domain keys are the ASCII domain name zero-padded to 32 bytes, so the
// same bytes hash differently in each domain.
var (
	moduleKey = [Size]byte{
		'r', 'e', 'g', 'l', 'e', 't', '.', 's', 'a', 'n', 'd', 'b', 'o', 'x', '.',
		'm', 'o', 'd', 'u', 'l', 'e',
	}
	blobKey = [Size]byte{
		'r', 'e', 'g', 'l', 'e', 't', '.', 's', 'a', 'n', 'd', 'b', 'o', 'x', '.',
		'b', 'l', 'o', 'b',
	}
)

// Module returns the hex module id for the given module bytes.
func Module(data []byte) string {
	return keyed(moduleKey, data)
}

// Blob returns the hex digest of stored data. The module store uses it to
// verify what it reads back.
func Blob(data []byte) string {
	return keyed(blobKey, data)
}

// Valid reports whether s has the shape of a hex digest.
func Valid(s string) bool {
	if len(s) != 2*Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func keyed(key [Size]byte, data []byte) string {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// Only reachable with a key of the wrong length.
		panic("digest: " + err.Error())
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
