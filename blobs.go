package virtualdisk

import (
	"math/bits"
	"reflect"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
)

// staticBlobs carries everything that the original design bakes in at
// compile time: the boot-sector template, the first FAT sector's cluster
// chains, the up-case table, and the decomposed VBR checksum constants. It is
// built once per volume.
type staticBlobs struct {
	// bootSector is the full 512-byte sector-0 template with a zero
	// VolumeSerialNumber.
	bootSector []byte

	// fat0 is the populated head of the first FAT sector: the two reserved
	// entries plus the bitmap, up-case, and root-directory chains.
	fat0 []byte

	// upcase is the stored portion of the up-case table.
	upcase           []uint16
	upcaseCompressed bool
	upcaseDataLength uint64
	upcaseChecksum   uint32

	// The VBR checksum decomposes around the serial-number field:
	// final = ROR^rot(prefix folded with the four serial bytes) + suffix.
	vbrPrefix         uint32
	vbrSuffix         uint32
	vbrSuffixRotation int
}

// vbrSuffixLength is the byte count from just past the serial-number field
// (offset 104 of sector 0) through the end of sector 10. The VolumeFlags and
// PercentInUse bytes inside that range are excluded from the checksum
// entirely: they neither add nor rotate, so the net rotation counts three
// fewer steps than the range holds bytes.
const (
	vbrSuffixLength        = vbrChecksumSectorCount*SectorSize - 104
	vbrSuffixExcludedBytes = 3
)

func buildStaticBlobs(geo geometry, compressed bool) (blobs *staticBlobs, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	blobs = &staticBlobs{
		upcaseCompressed: compressed,
	}

	bsh := newBootSectorHeader(geo)

	blobs.bootSector, err = packBootSector(bsh)
	log.PanicIf(err)

	blobs.fat0 = buildFatPrefix(geo)

	blobs.upcase = buildUpcaseTable(compressed)

	if compressed {
		blobs.upcaseDataLength = uint64(len(blobs.upcase) * 2)
	} else {
		blobs.upcaseDataLength = uint64(geo.upcaseSectors()) * SectorSize
	}

	sum := uint32(0)
	for i := uint64(0); i < blobs.upcaseDataLength; i++ {
		sum = ror32(sum) + uint32(blobs.upcaseByte(uint32(i)))
	}

	blobs.upcaseChecksum = sum

	blobs.vbrPrefix = blobs.vbrChecksumRange(0, 0, 1, 100)
	blobs.vbrSuffix = blobs.vbrChecksumRange(0, 104, vbrChecksumSectorCount, SectorSize)
	blobs.vbrSuffixRotation = (vbrSuffixLength - vbrSuffixExcludedBytes) % 32

	return blobs, nil
}

// buildFatPrefix lays out the head of FAT sector 0: the media-type and
// reserved entries, then one contiguous chain each for the allocation
// bitmap, the up-case table, and the root directory. Nothing else on the
// volume consults the FAT; user files are NoFatChain runs.
func buildFatPrefix(geo geometry) []byte {
	chains := make([]uint32, 0, 2+geo.bitmapClusters+geo.upcaseClusters+geo.rootClusters)

	chains = append(chains, 0xfffffff8, 0xffffffff)

	appendChain := func(start, length uint32) {
		for i := uint32(1); i < length; i++ {
			chains = append(chains, start+i)
		}

		chains = append(chains, 0xffffffff)
	}

	appendChain(geo.bitmapStartCluster, geo.bitmapClusters)
	appendChain(geo.upcaseStartCluster, geo.upcaseClusters)
	appendChain(geo.rootStartCluster, geo.rootClusters)

	raw := make([]byte, len(chains)*4)
	for i, value := range chains {
		binary.LittleEndian.PutUint32(raw[i*4:], value)
	}

	return raw
}

// buildUpcaseTable produces the stored portion of the up-case table
// (Section 7.2, Table 24). The compressed form is two identity runs around
// the twenty-six explicit a..z mappings; the second run covers the rest of
// the 16-bit space.
func buildUpcaseTable(compressed bool) []uint16 {
	if compressed {
		table := make([]uint16, 0, 30)

		// Identity run for code points 0..0x60.
		table = append(table, 0xffff, 0x61)

		for c := uint16('A'); c <= 'Z'; c++ {
			table = append(table, c)
		}

		// Identity run for code points 0x7b..0xffff.
		table = append(table, 0xffff, 0xff85)

		return table
	}

	// Uncompressed: the stored prefix covers the ASCII range; the generator
	// emits identity mappings beyond it.
	table := make([]uint16, 128)
	for i := range table {
		table[i] = upcaseUnit(uint16(i))
	}

	return table
}

// upcaseWord returns the 16-bit word at the given index of the on-disk
// up-case region. Beyond the stored table the region reads as zero when
// compressed and as the identity mapping when not.
func (blobs *staticBlobs) upcaseWord(index uint32) uint16 {
	if index < uint32(len(blobs.upcase)) {
		return blobs.upcase[index]
	}

	if blobs.upcaseCompressed {
		return 0
	}

	return uint16(index)
}

func (blobs *staticBlobs) upcaseByte(offset uint32) byte {
	word := blobs.upcaseWord(offset / 2)
	if offset&1 != 0 {
		return byte(word >> 8)
	}

	return byte(word)
}

// vbrByte returns the byte at (lba, offset) of the Volume Boot Region as the
// generators will emit it, with a zero serial number.
func (blobs *staticBlobs) vbrByte(lba, offset uint32) byte {
	if lba == 0 {
		return blobs.bootSector[offset]
	}

	if lba <= mainExtendedBootSectorCount {
		// Extended boot sectors: signature only.
		switch offset {
		case SectorSize - 2:
			return 0x55
		case SectorSize - 1:
			return 0xaa
		}

		return 0
	}

	// OEM-parameter and reserved sectors.
	return 0
}

// vbrChecksumRange folds a contiguous byte range of the VBR into the 32-bit
// checksum, skipping the VolumeFlags and PercentInUse bytes of sector 0
// (Section 3.4).
func (blobs *staticBlobs) vbrChecksumRange(startLBA, startOffset, lbaCount, endOffset uint32) uint32 {
	sum := uint32(0)
	for i := uint32(0); i < lbaCount; i++ {
		lba := startLBA + i

		offsetBegin := uint32(0)
		if i == 0 {
			offsetBegin = startOffset
		}

		offsetEnd := uint32(SectorSize)
		if i == lbaCount-1 {
			offsetEnd = endOffset
		}

		for offset := offsetBegin; offset < offsetEnd; offset++ {
			if lba == 0 && (offset == 106 || offset == 107 || offset == 112) {
				continue
			}

			sum = ror32(sum) + uint32(blobs.vbrByte(lba, offset))
		}
	}

	return sum
}

// vbrChecksumWithSerial completes the decomposed checksum for a given serial
// number: fold the four serial bytes into the prefix, rotate by the number of
// suffix bytes the checksum folds (mod 32), and add the suffix constant.
func (blobs *staticBlobs) vbrChecksumWithSerial(serial uint32) uint32 {
	sum := blobs.vbrPrefix

	for i := uint(0); i < 4; i++ {
		sum = ror32(sum) + (serial>>(8*i))&0xff
	}

	sum = bits.RotateLeft32(sum, -blobs.vbrSuffixRotation)

	return sum + blobs.vbrSuffix
}
