// Package contenthash computes the BLAKE3 content hashes used by the
// state store's index_state entries.
package contenthash

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Hash returns the hex-encoded BLAKE3 digest of raw, unmodified bytes.
func Hash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// TruncatedHash returns the hex-encoded BLAKE3 digest of
// content || "|truncated|" || len_le(fileLen), used when a file was
// truncated at the indexing byte cap so its hash still reflects the
// original file's length.
func TruncatedHash(content []byte, fileLen int64) string {
	h := blake3.New()
	h.Write(content)
	h.Write([]byte("|truncated|"))
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(fileLen))
	h.Write(lenBuf[:])
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)
}
