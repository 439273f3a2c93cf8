package virtualdisk

import (
	"errors"
	"reflect"
	"time"

	"github.com/dsoprea/go-logging"
)

var (
	// ErrOutOfSpace means the dynamic cluster area can not back the
	// requested reservation.
	ErrOutOfSpace = errors.New("dynamic cluster area exhausted")

	// ErrRegistryFull means the dynamic file registry is at capacity.
	ErrRegistryFull = errors.New("dynamic file registry full")

	// ErrNameTooLong means the file name does not fit in 127 UTF-16 code
	// units (or is empty).
	ErrNameTooLong = errors.New("file name empty or too long")
)

// ContentFunc produces the bytes of a dynamic file. It fills buf starting at
// the given file offset and returns how many bytes it produced; the volume
// zeroes the rest.
type ContentFunc func(offset int64, buf []byte) int

// DynamicFile is one runtime-registered file. The caller retains ownership
// of the record; the registry keeps a reference and fills in the allocation
// fields at registration time.
type DynamicFile struct {
	// Name is the host-visible file name, at most 127 UTF-16 code units.
	Name string

	// Attributes is combined with the read-only bit in the directory entry.
	Attributes FileAttributes

	CreateTime time.Time
	ModifyTime time.Time

	// Content generates file bytes on demand.
	Content ContentFunc

	firstCluster     uint32
	reservedClusters uint32
	sizeBytes        uint64

	nameUnits []uint16
	nameHash  uint16
}

// FirstCluster is the cluster assigned at registration (zero when the file
// reserved no space).
func (df *DynamicFile) FirstCluster() uint32 {
	return df.firstCluster
}

// Size is the current advertised size in bytes.
func (df *DynamicFile) Size() uint64 {
	return df.sizeBytes
}

// fileRegistry is the append-only table of runtime-registered files plus the
// linear cluster allocator for the dynamic area. Once registered, a file's
// run never moves; only the tail file's run can grow.
type fileRegistry struct {
	geo geometry

	files       []*DynamicFile
	maxFiles    int
	nextCluster uint32

	// One shared scratch sector holds the most recently materialized dynamic
	// entry set; reads are serialized by the cooperative main loop.
	scratch     [dynamicEntrySetSize]byte
	scratchSlot int

	now func() time.Time
}

func newFileRegistry(geo geometry, maxFiles int, now func() time.Time) *fileRegistry {
	return &fileRegistry{
		geo:         geo,
		files:       make([]*DynamicFile, 0, maxFiles),
		maxFiles:    maxFiles,
		nextCluster: geo.dynamicStartCluster,
		scratchSlot: -1,
		now:         now,
	}
}

func clustersForSize(sizeBytes uint64) uint32 {
	return uint32((sizeBytes + ClusterSize - 1) / ClusterSize)
}

// add registers a file and reserves a contiguous cluster run sized for
// maxSizeBytes. It does not raise a media-change notification; callers batch
// registrations and signal once.
func (fr *fileRegistry) add(file *DynamicFile, maxSizeBytes uint64) (err error) {
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

	if len(fr.files) >= fr.maxFiles {
		return ErrRegistryFull
	}

	nameUnits, err := EncodeUnicode(file.Name)
	log.PanicIf(err)

	if len(nameUnits) == 0 || len(nameUnits) > maxFileNameLength {
		return ErrNameTooLong
	}

	clusters := clustersForSize(maxSizeBytes)

	if clusters > 0 {
		if fr.nextCluster+clusters > fr.geo.dynamicEndCluster {
			return ErrOutOfSpace
		}

		file.firstCluster = fr.nextCluster
		fr.nextCluster += clusters
	} else {
		file.firstCluster = 0
	}

	file.reservedClusters = clusters
	file.nameUnits = nameUnits
	file.nameHash = NameHash(nameUnits)

	fr.files = append(fr.files, file)
	fr.scratchSlot = -1

	return nil
}

// update changes a file's advertised size. A size within the reservation
// just takes effect; a larger one is honored only when the file owns the
// tail of the dynamic area and free clusters remain.
func (fr *fileRegistry) update(file *DynamicFile, newSizeBytes uint64) error {
	needed := clustersForSize(newSizeBytes)

	if needed > file.reservedClusters {
		ownsTail := file.reservedClusters > 0 &&
			file.firstCluster+file.reservedClusters == fr.nextCluster

		if ownsTail == false {
			return ErrOutOfSpace
		}

		if file.firstCluster+needed > fr.geo.dynamicEndCluster {
			return ErrOutOfSpace
		}

		fr.nextCluster = file.firstCluster + needed
		file.reservedClusters = needed
	}

	file.sizeBytes = newSizeBytes
	file.ModifyTime = fr.now()
	fr.scratchSlot = -1

	return nil
}

// resolve finds the file whose reserved run contains the given cluster.
func (fr *fileRegistry) resolve(cluster uint32) (*DynamicFile, bool) {
	for _, file := range fr.files {
		if file.reservedClusters == 0 {
			continue
		}

		if cluster >= file.firstCluster && cluster < file.firstCluster+file.reservedClusters {
			return file, true
		}
	}

	return nil, false
}

// fileEntrySet is the fixed-shape dynamic directory slot: one file entry,
// one stream extension, and ten file-name entries.
type fileEntrySet struct {
	FileDirectory   ExfatFileDirectoryEntry
	StreamExtension ExfatStreamExtensionDirectoryEntry
	FileNames       [maxFileNameEntries]ExfatFileNameDirectoryEntry
}

// materializeSlot rebuilds the scratch buffer for the given registry slot if
// it does not already hold it.
func (fr *fileRegistry) materializeSlot(slot int) (err error) {
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

	if slot == fr.scratchSlot {
		return nil
	}

	file := fr.files[slot]

	nameEntries := (len(file.nameUnits) + fileNameUnitsPerEntry - 1) / fileNameUnitsPerEntry

	des := fileEntrySet{
		FileDirectory: ExfatFileDirectoryEntry{
			EntryType:                entryTypeFileDirectory,
			SecondaryCountRaw:        uint8(1 + nameEntries),
			FileAttributes:           file.Attributes | AttributeReadOnly,
			CreateTimestampRaw:       newExfatTimestamp(file.CreateTime),
			LastModifiedTimestampRaw: newExfatTimestamp(file.ModifyTime),
			LastAccessedTimestampRaw: newExfatTimestamp(file.ModifyTime),
			CreateUtcOffset:          utcOffsetUtc,
			LastModifiedUtcOffset:    utcOffsetUtc,
			LastAccessedUtcOffset:    utcOffsetUtc,
		},
		StreamExtension: ExfatStreamExtensionDirectoryEntry{
			EntryType:             entryTypeStreamExtension,
			GeneralSecondaryFlags: secondaryFlagAllocationPossible | secondaryFlagNoFatChain,
			NameLength:            uint8(len(file.nameUnits)),
			NameHash:              file.nameHash,
			ValidDataLength:       file.sizeBytes,
			FirstCluster:          file.firstCluster,
			DataLength:            file.sizeBytes,
		},
	}

	for i := 0; i < maxFileNameEntries; i++ {
		if i < nameEntries {
			des.FileNames[i].EntryType = entryTypeFileName

			start := i * fileNameUnitsPerEntry
			end := start + fileNameUnitsPerEntry
			if end > len(file.nameUnits) {
				end = len(file.nameUnits)
			}

			putUnicodeUnits(des.FileNames[i].FileName[:], file.nameUnits[start:end])
		} else {
			des.FileNames[i].EntryType = entryTypeUnused
		}
	}

	raw := make([]byte, 0, dynamicEntrySetSize)

	for _, entry := range []interface{}{&des.FileDirectory, &des.StreamExtension} {
		packed, err := packDirectoryEntry(entry)
		log.PanicIf(err)

		raw = append(raw, packed...)
	}

	for i := range des.FileNames {
		packed, err := packDirectoryEntry(&des.FileNames[i])
		log.PanicIf(err)

		raw = append(raw, packed...)
	}

	copy(fr.scratch[:], raw)

	// The SetChecksum covers only the real entry set, not the trailing
	// unused entries.
	setLength := (2 + nameEntries) * directoryEntrySize
	checksum := EntrySetChecksum(fr.scratch[:setLength])

	fr.scratch[2] = byte(checksum)
	fr.scratch[3] = byte(checksum >> 8)

	fr.scratchSlot = slot

	return nil
}

// generateDynamicSector produces the requested slice of a dynamic
// root-directory sector. Slot i maps to root-directory sector i+1; the first
// slot past the registered files carries the end-of-directory marker.
func (fr *fileRegistry) generateDynamicSector(slot int, offset uint32, buf []byte) {
	if slot >= len(fr.files) {
		fill(buf, byte(entryTypeEndOfDirectory))
		return
	}

	err := fr.materializeSlot(slot)
	if err != nil {
		// Degrade: the slot reads as unused entries and the volume stays
		// mountable.
		fill(buf, byte(entryTypeUnused))
		return
	}

	out := buf
	pos := offset

	if pos < dynamicEntrySetSize {
		n := uint32(dynamicEntrySetSize) - pos
		if n > uint32(len(out)) {
			n = uint32(len(out))
		}

		copy(out[:n], fr.scratch[pos:pos+n])
		out = out[n:]
	}

	// Past the entry-set slot the sector reads as unused entries.
	fill(out, byte(entryTypeUnused))
}

func fill(buf []byte, value byte) {
	for i := range buf {
		buf[i] = value
	}
}
