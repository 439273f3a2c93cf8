package virtualdisk

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// entrySet is one contiguous run of 32-byte directory entries (one primary
// plus its secondaries), validated by the host as a unit through the
// SetChecksum in bytes two and three of the primary entry. The checksum is
// computed lazily on first read and then cached for as long as the on-wire
// bytes stay unchanged.
type entrySet struct {
	data []byte

	needsChecksum    bool
	checksumComputed bool
	checksum         uint16
}

func newEntrySet(data []byte) *entrySet {
	et := EntryType(data[0])

	return &entrySet{
		data:          data,
		needsChecksum: et == entryTypeFileDirectory || et == entryTypeVolumeGuid,
	}
}

func (es *entrySet) setChecksum() uint16 {
	if es.checksumComputed == false {
		es.checksum = EntrySetChecksum(es.data)
		es.checksumComputed = true
	}

	return es.checksum
}

// directoryAssembler composes the first root-directory sector from the
// ordered list of fixed entry sets. To keep RAM use down the sector is never
// stored; each read walks the list and copies just the requested slice,
// splicing cached SetChecksums in where they land inside the slice.
type directoryAssembler struct {
	sets []*entrySet
}

func newDirectoryAssembler() *directoryAssembler {
	return &directoryAssembler{
		sets: make([]*entrySet, 0),
	}
}

func (da *directoryAssembler) add(data []byte) {
	da.sets = append(da.sets, newEntrySet(data))
}

// totalLength is the byte length of all fixed entry sets together. It must
// fit within the first root-directory sector.
func (da *directoryAssembler) totalLength() int {
	length := 0
	for _, es := range da.sets {
		length += len(es.data)
	}

	return length
}

// generateSector produces the requested slice of the fixed root-directory
// sector. Bytes past the last entry set are filled with tailByte: the
// end-of-directory marker while the volume has no dynamic entries, or the
// unused marker once entry sets follow in the dynamic sectors.
func (da *directoryAssembler) generateSector(offset uint32, buf []byte, tailByte byte) {
	out := buf
	idx := uint32(0)

	for _, es := range da.sets {
		entriesLen := uint32(len(es.data))

		// Skip sets wholly before the requested slice.
		if offset >= idx+entriesLen {
			idx += entriesLen
			continue
		}

		entriesOffset := uint32(0)
		if offset > idx {
			entriesOffset = offset - idx
		}

		copyLen := entriesLen - entriesOffset
		if copyLen > uint32(len(out)) {
			copyLen = uint32(len(out))
		}

		copy(out[:copyLen], es.data[entriesOffset:entriesOffset+copyLen])

		// Splice the SetChecksum if bytes two or three of the primary entry
		// fall inside the copied range.
		if es.needsChecksum {
			checksum := es.setChecksum()

			if entriesOffset <= 2 && copyLen > 2-entriesOffset {
				out[2-entriesOffset] = byte(checksum)
			}

			if entriesOffset <= 3 && copyLen > 3-entriesOffset {
				out[3-entriesOffset] = byte(checksum >> 8)
			}
		}

		out = out[copyLen:]
		idx += entriesOffset + copyLen

		if len(out) == 0 {
			break
		}
	}

	for i := range out {
		out[i] = tailByte
	}
}

// buildFirstEntrySet assembles the three fixed entries that open every exFAT
// root directory: the volume label, the allocation-bitmap descriptor, and
// the up-case-table descriptor.
func buildFirstEntrySet(geo geometry, blobs *staticBlobs, label string) (data []byte, err error) {
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

	labelUnits, err := EncodeUnicode(label)
	log.PanicIf(err)

	if len(labelUnits) > maxVolumeLabelLength {
		log.Panicf("volume label too long: (%d)", len(labelUnits))
	}

	labelEntry := ExfatVolumeLabelDirectoryEntry{
		EntryType:      entryTypeVolumeLabel,
		CharacterCount: uint8(len(labelUnits)),
	}

	putUnicodeUnits(labelEntry.VolumeLabel[:2*maxVolumeLabelLength], labelUnits)

	bitmapEntry := ExfatAllocationBitmapDirectoryEntry{
		EntryType:    entryTypeAllocationBitmap,
		BitmapFlags:  0,
		FirstCluster: geo.bitmapStartCluster,
		DataLength:   uint64(geo.bitmapSectors()) * SectorSize,
	}

	upcaseEntry := ExfatUpcaseTableDirectoryEntry{
		EntryType:     entryTypeUpcaseTable,
		TableChecksum: blobs.upcaseChecksum,
		FirstCluster:  geo.upcaseStartCluster,
		DataLength:    blobs.upcaseDataLength,
	}

	data = make([]byte, 0, 3*directoryEntrySize)

	for _, entry := range []interface{}{&labelEntry, &bitmapEntry, &upcaseEntry} {
		raw, err := packDirectoryEntry(entry)
		log.PanicIf(err)

		data = append(data, raw...)
	}

	return data, nil
}

// buildStaticFileSet assembles the three-entry set (file, stream extension,
// one file-name entry) for a compile-time file backed by a memory-mapped
// region. Static file names fit in a single file-name entry.
func buildStaticFileSet(name string, sizeBytes uint64, startCluster uint32) (data []byte, err error) {
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

	nameUnits, err := EncodeUnicode(name)
	log.PanicIf(err)

	if len(nameUnits) == 0 || len(nameUnits) > fileNameUnitsPerEntry {
		log.Panicf("static file name must fit one file-name entry: (%d)", len(nameUnits))
	}

	fileEntry := ExfatFileDirectoryEntry{
		EntryType:             entryTypeFileDirectory,
		SecondaryCountRaw:     2,
		FileAttributes:        AttributeReadOnly,
		CreateUtcOffset:       utcOffsetUtc,
		LastModifiedUtcOffset: utcOffsetUtc,
		LastAccessedUtcOffset: utcOffsetUtc,
	}

	streamEntry := ExfatStreamExtensionDirectoryEntry{
		EntryType:             entryTypeStreamExtension,
		GeneralSecondaryFlags: secondaryFlagAllocationPossible | secondaryFlagNoFatChain,
		NameLength:            uint8(len(nameUnits)),
		NameHash:              NameHash(nameUnits),
		ValidDataLength:       sizeBytes,
		FirstCluster:          startCluster,
		DataLength:            sizeBytes,
	}

	nameEntry := ExfatFileNameDirectoryEntry{
		EntryType: entryTypeFileName,
	}

	putUnicodeUnits(nameEntry.FileName[:], nameUnits)

	data = make([]byte, 0, 3*directoryEntrySize)

	for _, entry := range []interface{}{&fileEntry, &streamEntry, &nameEntry} {
		raw, err := packDirectoryEntry(entry)
		log.PanicIf(err)

		data = append(data, raw...)
	}

	return data, nil
}
