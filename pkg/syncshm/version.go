package syncshm

import "github.com/cespare/xxhash/v2"

// An instanceVersion is the 64-bit publication token described by the data
// model: which buffer is active, how many bytes are valid in it, and a
// checksum over those bytes. It is the single word a writer release-stores
// and a reader acquire-loads; everything else in the protocol exists to
// make that one store/load pair safe.
//
// Bit layout, low to high:
//
//	bit 0      active buffer index, 0 or 1
//	bits 1-39  payload length, 0..2^39-1
//	bits 40-62 checksum, 23 low bits of a 64-bit hash over the payload
//	bit 63     initialized marker, always 1 for any published version
//
// Reserving bit 63 as an always-set marker (rather than using the full 24
// checksum bits the data model describes) is what makes decode total: the
// zero word is unambiguously "uninitialized" because no encode call can
// ever produce it, regardless of index/length/checksum. This is the
// allowance the data model makes explicitly ("implementations may reserve
// the initialized-marker bit inside the checksum field, provided decode is
// total").
type instanceVersion uint64

const (
	maxPayloadLen  = (uint64(1) << 39) - 1
	checksumBits   = 23
	checksumMask   = (uint64(1) << checksumBits) - 1
	initializedBit = uint64(1) << 63
	lenShift       = 1
	checksumShift  = 40
	indexMask      = uint64(1)

	uninitializedVersion = instanceVersion(0)
)

// encodeVersion packs idx, len and checksum into an instanceVersion. The
// caller must already have validated len <= maxPayloadLen (BufferTooSmall
// is the caller's concern, not encodeVersion's); checksum is masked to its
// low 23 bits.
func encodeVersion(idx uint8, length uint64, checksum uint64) instanceVersion {
	word := initializedBit
	word |= uint64(idx&1)
	word |= (length & maxPayloadLen) << lenShift
	word |= (checksum & checksumMask) << checksumShift

	return instanceVersion(word)
}

// decodeVersion unpacks an instanceVersion. ok is false only for the
// all-zero sentinel (uninitialized state cell).
func decodeVersion(v instanceVersion) (idx uint8, length uint64, checksum uint64, ok bool) {
	word := uint64(v)
	if word == 0 {
		return 0, 0, 0, false
	}

	idx = uint8(word & indexMask)
	length = (word >> lenShift) & maxPayloadLen
	checksum = (word >> checksumShift) & checksumMask

	return idx, length, checksum, true
}

// checksumOf computes the truncated 23-bit checksum over payload, using a
// fast non-cryptographic 64-bit hash. Collisions are tolerated: the data
// model accepts that a corrupted buffer may occasionally pass the gate.
func checksumOf(payload []byte) uint64 {
	return xxhash.Sum64(payload) & checksumMask
}
