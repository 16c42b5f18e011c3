package protocol

import "github.com/cespare/xxhash/v2"

// ChunkSize is the fixed migration chunk size (512 KiB).
const ChunkSize = 512 * 1024

// ChecksumChunk computes the 32-bit chunk checksum carried in every
// ReceiveChunkBinary header: the low 32 bits of xxHash64 with seed 0.
// Both sides of the transfer use this same function, so only internal
// consistency matters, not compatibility with any external xxHash32
// producer.
func ChecksumChunk(data []byte) uint32 {
	return uint32(xxhash.Sum64(data))
}

// VerifyChunk reports whether data matches the expected checksum.
func VerifyChunk(data []byte, expected uint32) bool {
	return ChecksumChunk(data) == expected
}
