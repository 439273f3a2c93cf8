package virtualdisk

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// Directory-entry type codes (Section 6.2.1).
const (
	entryTypeEndOfDirectory   EntryType = 0x00
	entryTypeUnused           EntryType = 0x01
	entryTypeAllocationBitmap EntryType = 0x81
	entryTypeUpcaseTable      EntryType = 0x82
	entryTypeVolumeLabel      EntryType = 0x83
	entryTypeFileDirectory    EntryType = 0x85
	entryTypeVolumeGuid       EntryType = 0xa0
	entryTypeStreamExtension  EntryType = 0xc0
	entryTypeFileName         EntryType = 0xc1
)

// EntryType allows us to decompose an EntryType value.
type EntryType uint8

// IsEndOfDirectory indicates that this is the last entry in the directory.
func (et EntryType) IsEndOfDirectory() bool {
	return et == 0
}

// IsUnusedEntryMarker indicates that the directory-entry is a placeholder.
func (et EntryType) IsUnusedEntryMarker() bool {
	return et >= 0x01 && et <= 0x7f
}

// TypeCode indicates the general type of the entry. This is not unique unless
// combined with the 'importance' flag and 'critical' flag.
func (et EntryType) TypeCode() int {
	return int(et & 31)
}

// TypeImportance indicates whether or not this is a mandatory or optional
// entry-type.
func (et EntryType) TypeImportance() bool {
	return et&32 > 0
}

// IsCritical indicates whether 'importance' is cleared (enabled).
func (et EntryType) IsCritical() bool {
	return et.TypeImportance() == false
}

// TypeCategory indicates whether this is a primary record or a secondary entry
// (which will *accompany* a primary entry).
func (et EntryType) TypeCategory() bool {
	return et&64 > 0
}

// IsPrimary indicates whether 'category' is cleared (enabled).
func (et EntryType) IsPrimary() bool {
	return et.TypeCategory() == false
}

// DirectoryEntryParserKey describes the combination of attributes that
// uniquely identify an entry-type.
type DirectoryEntryParserKey struct {
	typeCode   int
	isCritical bool
	isPrimary  bool
}

// String returns a descriptive string.
func (depk DirectoryEntryParserKey) String() string {
	return fmt.Sprintf("DirectoryEntryParserKey<TYPE-CODE=(%d) IS-CRITICAL=[%v] IS-PRIMARY=[%v]>", depk.typeCode, depk.isCritical, depk.isPrimary)
}

var (
	// directoryEntryParsers covers every entry-type the synthesizer emits.
	directoryEntryParsers = map[DirectoryEntryParserKey]reflect.Type{

		// Allocation Bitmap (Section 7.1)
		{typeCode: 1, isCritical: true, isPrimary: true}: reflect.TypeOf(ExfatAllocationBitmapDirectoryEntry{}),

		// Up-case Table (Section 7.2)
		{typeCode: 2, isCritical: true, isPrimary: true}: reflect.TypeOf(ExfatUpcaseTableDirectoryEntry{}),

		// Volume Label (Section 7.3)
		{typeCode: 3, isCritical: true, isPrimary: true}: reflect.TypeOf(ExfatVolumeLabelDirectoryEntry{}),

		// File (Section 7.4)
		{typeCode: 5, isCritical: true, isPrimary: true}: reflect.TypeOf(ExfatFileDirectoryEntry{}),

		// Volume GUID (Section 7.5)
		{typeCode: 0, isCritical: false, isPrimary: true}: reflect.TypeOf(ExfatVolumeGuidDirectoryEntry{}),

		// Stream Extension (Section 7.6)
		{typeCode: 0, isCritical: true, isPrimary: false}: reflect.TypeOf(ExfatStreamExtensionDirectoryEntry{}),

		// File Name (Section 7.7)
		{typeCode: 1, isCritical: true, isPrimary: false}: reflect.TypeOf(ExfatFileNameDirectoryEntry{}),
	}
)

// DirectoryEntry represents any of the directory-entry structs defined here.
type DirectoryEntry interface {
	TypeName() string
}

// PrimaryDirectoryEntry represents the common methods found on any primary-
// type DE, which is really just SecondaryCount().
type PrimaryDirectoryEntry interface {
	SecondaryCount() uint8
}

// ExfatTimestamp is the raw packaged integer with timestamp information. It
// embeds its parsing semantics.
type ExfatTimestamp uint32

// Second returns the second component.
func (et ExfatTimestamp) Second() int {
	return int(et&31) * 2
}

// Minute returns the minute component.
func (et ExfatTimestamp) Minute() int {
	return int(et&2016) >> 5
}

// Hour returns the hour component.
func (et ExfatTimestamp) Hour() int {
	return int(et&63488) >> 11
}

// Day returns the day component.
func (et ExfatTimestamp) Day() int {
	return int(et&2031616) >> 16
}

// Month returns the month component.
func (et ExfatTimestamp) Month() int {
	return int(et&31457280) >> 21
}

// Year returns the year component.
func (et ExfatTimestamp) Year() int {
	return 1980 + int(et&4261412864)>>25
}

// Timestamp returns the timestamp as UTC.
func (et ExfatTimestamp) Timestamp() time.Time {
	return time.Date(et.Year(), time.Month(et.Month()), et.Day(), et.Hour(), et.Minute(), et.Second(), 0, time.UTC)
}

// utcOffsetUtc marks a timestamp as valid and expressed in UTC
// (Section 7.4.10).
const utcOffsetUtc = 0x80

// newExfatTimestamp packs a time into the 32-bit exFAT timestamp form
// (Section 7.4.8). Years before 1980 clamp to 1980; seconds round down to
// even.
func newExfatTimestamp(t time.Time) ExfatTimestamp {
	t = t.UTC()

	year := t.Year()
	if year < 1980 {
		year = 1980
	}

	return ExfatTimestamp((uint32(year-1980)&0x7f)<<25 |
		(uint32(t.Month())&0x0f)<<21 |
		(uint32(t.Day())&0x1f)<<16 |
		(uint32(t.Hour())&0x1f)<<11 |
		(uint32(t.Minute())&0x3f)<<5 |
		(uint32(t.Second()/2)&0x1f))
}

// FileAttributes allows us to decompose the attributes integer into the
// various attributes that a file/directory can have.
type FileAttributes uint16

const (
	// AttributeReadOnly marks the file read-only.
	AttributeReadOnly FileAttributes = 1

	// AttributeHidden keeps the file out of default listings.
	AttributeHidden FileAttributes = 2

	// AttributeSystem marks an operating-system file.
	AttributeSystem FileAttributes = 4
)

// IsReadOnly returns whether the file should be read-only.
func (fa FileAttributes) IsReadOnly() bool {
	return fa&AttributeReadOnly > 0
}

// IsHidden returns whether the file should not be present in standard file
// listings by default.
func (fa FileAttributes) IsHidden() bool {
	return fa&AttributeHidden > 0
}

// IsSystem returns the system flag.
func (fa FileAttributes) IsSystem() bool {
	return fa&AttributeSystem > 0
}

// String returns a descriptive string.
func (fa FileAttributes) String() string {
	return fmt.Sprintf("FileAttributes<IS-READONLY=[%v] IS-HIDDEN=[%v] IS-SYSTEM=[%v]>",
		fa.IsReadOnly(), fa.IsHidden(), fa.IsSystem())
}

// ExfatFileDirectoryEntry describes file entries.
type ExfatFileDirectoryEntry struct {
	// EntryType: This field is mandatory and Section 7.4.1 defines its contents.
	EntryType EntryType

	// SecondaryCount: This field is mandatory and Section 7.4.2 defines its contents.
	SecondaryCountRaw uint8

	// SetChecksum: This field is mandatory and Section 7.4.3 defines its contents.
	SetChecksum uint16

	// FileAttributes: This field is mandatory and Section 7.4.4 defines its contents.
	FileAttributes FileAttributes

	// Reserved1: This field is mandatory and its contents are reserved.
	Reserved1 uint16

	// CreateTimestampRaw: This field is mandatory and Section 7.4.5 defines its contents.
	CreateTimestampRaw ExfatTimestamp

	// LastModifiedTimestampRaw: This field is mandatory and Section 7.4.6 defines its contents.
	LastModifiedTimestampRaw ExfatTimestamp

	// LastAccessedTimestampRaw: This field is mandatory and Section 7.4.7 defines its contents.
	LastAccessedTimestampRaw ExfatTimestamp

	// Create10msIncrement: This field is mandatory and Section 7.4.5 defines its contents.
	Create10msIncrement uint8

	// LastModified10msIncrement: This field is mandatory and Section 7.4.6 defines its contents.
	LastModified10msIncrement uint8

	// CreateUtcOffset: This field is mandatory and Section 7.4.5 defines its contents.
	CreateUtcOffset uint8

	// LastModifiedUtcOffset: This field is mandatory and Section 7.4.6 defines its contents.
	LastModifiedUtcOffset uint8

	// LastAccessedUtcOffset: This field is mandatory and Section 7.4.7 defines its contents.
	LastAccessedUtcOffset uint8

	// Reserved2: This field is mandatory and its contents are reserved.
	Reserved2 [7]byte
}

// String returns a descriptive string.
func (fdf ExfatFileDirectoryEntry) String() string {
	return fmt.Sprintf("FileDirectoryEntry<SECONDARY-COUNT=(%d) SET-CHECKSUM=(0x%04x) ATTRIBUTES=[%s]>",
		fdf.SecondaryCountRaw, fdf.SetChecksum, fdf.FileAttributes)
}

// SecondaryCount indicates how many of the subsequent secondary entries should
// be collected to support this entry.
func (fdf ExfatFileDirectoryEntry) SecondaryCount() uint8 {
	return fdf.SecondaryCountRaw
}

// TypeName returns a unique name for this entry-type.
func (fdf ExfatFileDirectoryEntry) TypeName() string {
	return "File"
}

// ExfatAllocationBitmapDirectoryEntry points to the cluster that has the
// allocation bitmap.
type ExfatAllocationBitmapDirectoryEntry struct {
	// EntryType: This field is mandatory and Section 7.1.1 defines its contents.
	EntryType EntryType

	// BitmapFlags: This field is mandatory and Section 7.1.2 defines its contents.
	BitmapFlags uint8

	// Reserved: This field is mandatory and its contents are reserved.
	Reserved [18]byte

	// FirstCluster: This field is mandatory and Section 7.1.3 defines its contents.
	FirstCluster uint32

	// DataLength: This field is mandatory and Section 7.1.4 defines its contents.
	DataLength uint64
}

// String returns a string description.
func (abde ExfatAllocationBitmapDirectoryEntry) String() string {
	return fmt.Sprintf("AllocationBitmapDirectoryEntry<BITMAP-FLAGS=[%08b] FIRST-CLUSTER=(%d) DATA-LENGTH=(%d)>", abde.BitmapFlags, abde.FirstCluster, abde.DataLength)
}

// TypeName returns a unique name for this entry-type.
func (ExfatAllocationBitmapDirectoryEntry) TypeName() string {
	return "AllocationBitmap"
}

// ExfatUpcaseTableDirectoryEntry points to the cluster that provides the
// mapping for various characters back to the original characters in order
// to support case-insensitivity.
type ExfatUpcaseTableDirectoryEntry struct {
	// EntryType: This field is mandatory and Section 7.2.1 defines its contents.
	EntryType EntryType

	// Reserved1: This field is mandatory and its contents are reserved.
	Reserved1 [3]byte

	// TableChecksum: This field is mandatory and Section 7.2.2 defines its contents.
	TableChecksum uint32

	// Reserved2: This field is mandatory and its contents are reserved.
	Reserved2 [12]byte

	// FirstCluster: This field is mandatory and Section 7.2.3 defines its contents.
	FirstCluster uint32

	// DataLength: This field is mandatory and Section 7.2.4 defines its contents.
	DataLength uint64
}

// String returns a string description.
func (utde ExfatUpcaseTableDirectoryEntry) String() string {
	return fmt.Sprintf("UpcaseTableDirectoryEntry<TABLE-CHECKSUM=[0x%08x] FIRST-CLUSTER=(%d) DATA-LENGTH=(%d)>", utde.TableChecksum, utde.FirstCluster, utde.DataLength)
}

// TypeName returns a unique name for this entry-type.
func (ExfatUpcaseTableDirectoryEntry) TypeName() string {
	return "UpcaseTable"
}

// ExfatVolumeLabelDirectoryEntry embeds the volume label.
type ExfatVolumeLabelDirectoryEntry struct {
	// EntryType: This field is mandatory and Section 7.3.1 defines its contents.
	EntryType EntryType

	// CharacterCount: This field is mandatory and Section 7.3.2 defines its contents.
	CharacterCount uint8

	// VolumeLabel: This field is mandatory and Section 7.3.3 defines its
	// contents. In practice tools combine the label and the trailing
	// reserved bytes, so we do the same here.
	VolumeLabel [30]byte
}

// Label constructs and returns the final Unicode string.
func (vlde ExfatVolumeLabelDirectoryEntry) Label() string {
	return DecodeUnicode(vlde.VolumeLabel[:], int(vlde.CharacterCount))
}

// String returns a string description.
func (vlde ExfatVolumeLabelDirectoryEntry) String() string {
	return fmt.Sprintf("VolumeLabelDirectoryEntry<CHARACTER-COUNT=(%d) LABEL=[%s]>", vlde.CharacterCount, vlde.Label())
}

// TypeName returns a unique name for this entry-type.
func (ExfatVolumeLabelDirectoryEntry) TypeName() string {
	return "VolumeLabel"
}

// ExfatVolumeGuidDirectoryEntry embeds the volume GUID.
type ExfatVolumeGuidDirectoryEntry struct {
	// EntryType: This field is mandatory and Section 7.5.1 defines its contents.
	EntryType EntryType

	// SecondaryCount: This field is mandatory and Section 7.5.2 defines its contents.
	SecondaryCountRaw uint8

	// SetChecksum: This field is mandatory and Section 7.5.3 defines its contents.
	SetChecksum uint16

	// GeneralPrimaryFlags: This field is mandatory and Section 7.5.4 defines its contents.
	GeneralPrimaryFlags uint16

	// VolumeGuid: This field is mandatory and Section 7.5.5 defines its contents.
	VolumeGuid [16]byte

	// Reserved: This field is mandatory and its contents are reserved.
	Reserved [10]byte
}

// String returns a descriptive string.
func (vgde ExfatVolumeGuidDirectoryEntry) String() string {
	return fmt.Sprintf("VolumeGuidDirectoryEntry<SECONDARY-COUNT=(%d) SET-CHECKSUM=(0x%04x) GUID=[0x%016x...]>", vgde.SecondaryCountRaw, vgde.SetChecksum, vgde.VolumeGuid[:4])
}

// SecondaryCount returns the count of associated secondary-records.
func (vgde ExfatVolumeGuidDirectoryEntry) SecondaryCount() uint8 {
	return vgde.SecondaryCountRaw
}

// TypeName returns a unique name for this entry-type.
func (ExfatVolumeGuidDirectoryEntry) TypeName() string {
	return "VolumeGuid"
}

// GeneralSecondaryFlags allows us to decompose the flags frequently embedded
// in secondary directory entries.
type GeneralSecondaryFlags uint8

const (
	// secondaryFlagAllocationPossible marks entries whose FirstCluster and
	// DataLength fields are meaningful.
	secondaryFlagAllocationPossible GeneralSecondaryFlags = 1

	// secondaryFlagNoFatChain marks allocations that are one contiguous run
	// of clusters whose FAT entries are not to be interpreted.
	secondaryFlagNoFatChain GeneralSecondaryFlags = 2
)

// IsAllocationPossible indicates that the entry describes an allocation.
func (gsf GeneralSecondaryFlags) IsAllocationPossible() bool {
	return gsf&secondaryFlagAllocationPossible > 0
}

// NoFatChain indicates whether the data is stored sequentially on disk or the
// FAT is required to find the subsequent clusters.
func (gsf GeneralSecondaryFlags) NoFatChain() bool {
	return gsf&secondaryFlagNoFatChain > 0
}

// String returns a descriptive string.
func (gsf GeneralSecondaryFlags) String() string {
	return fmt.Sprintf("GeneralSecondaryFlags<IsAllocationPossible=[%v] NoFatChain=[%v]>",
		gsf.IsAllocationPossible(), gsf.NoFatChain())
}

// ExfatStreamExtensionDirectoryEntry describes the actual contents of a file.
type ExfatStreamExtensionDirectoryEntry struct {
	// EntryType: This field is mandatory and Section 7.6.1 defines its contents.
	EntryType EntryType

	// GeneralSecondaryFlags: This field is mandatory and Section 7.6.2 defines its contents.
	GeneralSecondaryFlags GeneralSecondaryFlags

	// Reserved1: This field is mandatory and its contents are reserved.
	Reserved1 [1]byte

	// NameLength: This field is mandatory and Section 7.6.3 defines its contents.
	NameLength uint8

	// NameHash: This field is mandatory and Section 7.6.4 defines its contents.
	NameHash uint16

	// Reserved2: This field is mandatory and its contents are reserved.
	Reserved2 [2]byte

	// ValidDataLength: This field is mandatory and Section 7.6.5 defines its
	// contents: how far into the data stream user data has been written.
	// Reads beyond it return zeroes.
	ValidDataLength uint64

	// Reserved3: This field is mandatory and its contents are reserved.
	Reserved3 [4]byte

	// FirstCluster: This field is mandatory and Section 7.6.6 defines its contents.
	FirstCluster uint32

	// DataLength: This field is mandatory and Section 7.6.7 defines its contents.
	DataLength uint64
}

// String returns a descriptive string.
func (sede ExfatStreamExtensionDirectoryEntry) String() string {
	return fmt.Sprintf("StreamExtensionDirectoryEntry<GENERAL-SECONDARY-FLAGS=(%08b) NAME-LENGTH=(%d) NAME-HASH=(0x%04x) VALID-DATA-LENGTH=(%d) FIRST-CLUSTER=(%d) DATA-LENGTH=(%d)>",
		sede.GeneralSecondaryFlags, sede.NameLength, sede.NameHash, sede.ValidDataLength, sede.FirstCluster, sede.DataLength)
}

// TypeName returns a unique name for this entry-type.
func (ExfatStreamExtensionDirectoryEntry) TypeName() string {
	return "StreamExtension"
}

// ExfatFileNameDirectoryEntry describes one part of the file's complete
// filename.
type ExfatFileNameDirectoryEntry struct {
	// EntryType: This field is mandatory and Section 7.7.1 defines its contents.
	EntryType EntryType

	// GeneralSecondaryFlags: This field is mandatory and Section 7.7.2 defines its contents.
	GeneralSecondaryFlags GeneralSecondaryFlags

	// FileName: This field is mandatory and Section 7.7.3 defines its contents.
	FileName [30]byte
}

// String returns a descriptive string.
func (fnde ExfatFileNameDirectoryEntry) String() string {
	return fmt.Sprintf("FileNameDirectoryEntry<GENERAL-SECONDARY-FLAGS=(%08b) FILENAME=%v>", fnde.GeneralSecondaryFlags, fnde.FileName[:])
}

// TypeName returns a unique name for this entry-type.
func (ExfatFileNameDirectoryEntry) TypeName() string {
	return "FileName"
}

// MultipartFilename describes a set of filename components that need to be
// combined in order to reconstitute the original
type MultipartFilename []DirectoryEntry

// Filename returns the reconstituted filename.
func (mf MultipartFilename) Filename() string {
	parts := make([]string, 0)

	for _, deRaw := range mf {
		if fnde, ok := deRaw.(*ExfatFileNameDirectoryEntry); ok == true {
			part := DecodeUnicode(fnde.FileName[:], fileNameUnitsPerEntry)
			parts = append(parts, part)
		}
	}

	filename := strings.Join(parts, "")

	return filename
}

func parseDirectoryEntry(entryType EntryType, directoryEntryData []byte) (parsed DirectoryEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	depk := DirectoryEntryParserKey{
		typeCode:   entryType.TypeCode(),
		isCritical: entryType.IsCritical(),
		isPrimary:  entryType.IsPrimary(),
	}

	structType, found := directoryEntryParsers[depk]
	if found == false {
		log.Panicf("no struct-type recorded for entry-type: %s", depk)
	}

	s := reflect.New(structType)
	x := s.Interface()

	err = restruct.Unpack(directoryEntryData, defaultEncoding, x)
	log.PanicIf(err)

	return x.(DirectoryEntry), nil
}

// packDirectoryEntry serializes one directory-entry struct to its 32-byte
// on-disk form.
func packDirectoryEntry(entry interface{}) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	raw, err = restruct.Pack(defaultEncoding, entry)
	log.PanicIf(err)

	if len(raw) != directoryEntrySize {
		log.Panicf("packed directory entry is not 32 bytes: (%d)", len(raw))
	}

	return raw, nil
}
