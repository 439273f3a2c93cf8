package virtualdisk

import (
	"math/bits"
)

// The exFAT checksums all share one kernel: rotate the accumulator right by
// one bit, then add the next byte. Only the width and the skipped bytes
// differ between the VBR checksum, the up-case TableChecksum, the directory
// SetChecksum, and the NameHash.

func ror32(sum uint32) uint32 {
	return bits.RotateLeft32(sum, -1)
}

// Checksum32 folds data into a running 32-bit checksum with the kernel of
// the up-case TableChecksum (Section 7.2.2) and the VBR checksum
// (Section 3.4). It skips no bytes; the volume computes both of those
// checksums with its own loops.
func Checksum32(sum uint32, data []byte) uint32 {
	for _, b := range data {
		sum = ror32(sum) + uint32(b)
	}

	return sum
}

// EntrySetChecksum computes the 16-bit SetChecksum over a directory entry
// set, excluding bytes two and three of the primary entry where the checksum
// itself is stored (Section 6.3.3).
func EntrySetChecksum(entries []byte) uint16 {
	sum := uint16(0)
	for i, b := range entries {
		if i == 2 || i == 3 {
			continue
		}

		if sum&1 != 0 {
			sum = 0x8000 + (sum >> 1) + uint16(b)
		} else {
			sum = (sum >> 1) + uint16(b)
		}
	}

	return sum
}

// upcaseUnit maps one UTF-16 code unit through the volume's up-case table.
// The table maps only ASCII lower-case letters; everything else is identity.
func upcaseUnit(unit uint16) uint16 {
	if unit >= 'a' && unit <= 'z' {
		return unit - ('a' - 'A')
	}

	return unit
}

// NameHash computes the 16-bit hash of the up-cased file name stored in the
// stream-extension entry (Section 7.6.4): low byte then high byte of each
// up-cased code unit through the shift-add kernel.
func NameHash(name []uint16) uint16 {
	hash := uint16(0)
	for _, unit := range name {
		unit = upcaseUnit(unit)

		for _, b := range [2]uint16{unit & 0xff, unit >> 8} {
			if hash&1 != 0 {
				hash = 0x8000 + (hash >> 1) + b
			} else {
				hash = (hash >> 1) + b
			}
		}
	}

	return hash
}
