package virtualdisk

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"reflect"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

const (
	bootSectorHeaderSize = 512
)

var (
	defaultEncoding = binary.LittleEndian

	requiredJumpBootSignature     = []byte{0xeb, 0x76, 0x90}
	requiredFileSystemName        = []byte("EXFAT   ")
	requiredBootSignature         = uint16(0xaa55)
	requiredExtendedBootSignature = uint32(0xaa550000)
)

// BootSectorHeader describes the main set of filesystem parameters. The
// synthesizer packs it to produce sector 0 (and sector 12, the backup); the
// cmd tools and tests unpack it back out of the generated bytes.
type BootSectorHeader struct {
	// JumpBoot: This field is mandatory and Section 3.1.1 defines its
	// contents. The valid value is EBh 76h 90h.
	JumpBoot [3]byte

	// FileSystemName: This field is mandatory and Section 3.1.2 defines its
	// contents: "EXFAT   ", with three trailing white spaces.
	FileSystemName [8]byte

	// MustBeZero: This field is mandatory and Section 3.1.3 defines its
	// contents. It blankets the range the packed BIOS parameter block
	// consumes on FAT12/16/32 volumes so those implementations will not
	// mount an exFAT volume.
	MustBeZero [53]byte

	// PartitionOffset: This field is mandatory and Section 3.1.4 defines its
	// contents. Zero means implementations shall ignore this field.
	PartitionOffset uint64

	// VolumeLength: This field is mandatory and Section 3.1.5 defines its
	// contents: the size of the volume in sectors.
	VolumeLength uint64

	// FatOffset: This field is mandatory and Section 3.1.6 defines its
	// contents: the volume-relative sector offset of the First FAT.
	FatOffset uint32

	// FatLength: This field is mandatory and Section 3.1.7 defines its
	// contents: the length, in sectors, of each FAT.
	FatLength uint32

	// ClusterHeapOffset: This field is mandatory and Section 3.1.8 defines
	// its contents: the volume-relative sector offset of the Cluster Heap.
	ClusterHeapOffset uint32

	// ClusterCount: This field is mandatory and Section 3.1.9 defines its
	// contents: the number of clusters the Cluster Heap contains.
	ClusterCount uint32

	// FirstClusterOfRootDirectory: This field is mandatory and Section
	// 3.1.10 defines its contents.
	FirstClusterOfRootDirectory uint32

	// VolumeSerialNumber: This field is mandatory and Section 3.1.11 defines
	// its contents. All possible values are valid. The synthesizer leaves it
	// zero in the packed template and splices the runtime value in.
	VolumeSerialNumber uint32

	// FileSystemRevision: This field is mandatory and Section 3.1.12 defines
	// its contents. The low-order byte is the minor revision number and the
	// high-order byte is the major revision number; 1.00 here.
	FileSystemRevision [2]uint8

	// VolumeFlags: This field is mandatory and Section 3.1.13 defines its
	// contents. Implementations shall not include this field when computing
	// the boot-region checksum.
	VolumeFlags VolumeFlags

	// BytesPerSectorShift: This field is mandatory and Section 3.1.14
	// defines its contents: bytes per sector as log2(N).
	BytesPerSectorShift uint8

	// SectorsPerClusterShift: This field is mandatory and Section 3.1.15
	// defines its contents: sectors per cluster as log2(N).
	SectorsPerClusterShift uint8

	// NumberOfFats: This field is mandatory and Section 3.1.16 defines its
	// contents. One, here: only TexFAT volumes carry two.
	NumberOfFats uint8

	// DriveSelect: This field is mandatory and Section 3.1.17 defines its
	// contents. All possible values are valid.
	DriveSelect uint8

	// PercentInUse: This field is mandatory and Section 3.1.18 defines its
	// contents. FFh indicates the percentage is not available.
	// Implementations shall not include this field when computing the
	// boot-region checksum.
	PercentInUse uint8

	// Reserved: This field is mandatory and its contents are reserved.
	Reserved [7]byte

	// BootCode: This field is mandatory and Section 3.1.19 defines its
	// contents. The volume provides no boot-strapping instructions.
	BootCode [390]byte

	// BootSignature: This field is mandatory and Section 3.1.20 defines its
	// contents. The valid value is AA55h.
	BootSignature uint16
}

// VolumeFlags represents some state flags for the filesystem.
type VolumeFlags uint16

const (
	// VolumeFlagActiveFat selects the second FAT and Allocation Bitmap
	// (TexFAT only).
	VolumeFlagActiveFat VolumeFlags = 1

	// VolumeFlagVolumeDirty describes whether the volume is probably in an
	// inconsistent state.
	VolumeFlagVolumeDirty = 2

	// VolumeFlagMediaFailure describes whether media failures were
	// discovered.
	VolumeFlagMediaFailure = 4
)

// UseFirstFat indicates whether the first FAT should be used.
func (vf VolumeFlags) UseFirstFat() bool {
	return vf&VolumeFlagActiveFat == 0
}

// IsDirty indicates whether changes currently need to be flushed.
func (vf VolumeFlags) IsDirty() bool {
	return vf&VolumeFlagVolumeDirty > 0
}

// HasHadMediaFailures indicates whether media-errors have been detected.
func (vf VolumeFlags) HasHadMediaFailures() bool {
	return vf&VolumeFlagMediaFailure > 0
}

// SectorSize returns the effective sector-size.
func (bsh BootSectorHeader) SectorSize() uint32 {
	return uint32(math.Pow(2, float64(bsh.BytesPerSectorShift)))
}

// SectorsPerCluster returns the effective sectors-per-cluster count.
func (bsh BootSectorHeader) SectorsPerCluster() uint32 {
	return uint32(math.Pow(float64(2), float64(bsh.SectorsPerClusterShift)))
}

// String returns a description of BSH.
func (bsh BootSectorHeader) String() string {
	return fmt.Sprintf("BootSector<SN=(0x%08x) REVISION=(0x%02x)-(0x%02x)>", bsh.VolumeSerialNumber, bsh.FileSystemRevision[1], bsh.FileSystemRevision[0])
}

// Dump prints all of the BSH parameters along with the common calculated ones.
func (bsh BootSectorHeader) Dump() {
	fmt.Printf("Boot Sector Header\n")
	fmt.Printf("==================\n")
	fmt.Printf("\n")

	fmt.Printf("PartitionOffset: (%d)\n", bsh.PartitionOffset)
	fmt.Printf("VolumeLength: (%d)\n", bsh.VolumeLength)
	fmt.Printf("FatOffset: (%d)\n", bsh.FatOffset)
	fmt.Printf("FatLength: (%d)\n", bsh.FatLength)
	fmt.Printf("ClusterHeapOffset: (%d)\n", bsh.ClusterHeapOffset)
	fmt.Printf("ClusterCount: (%d)\n", bsh.ClusterCount)
	fmt.Printf("FirstClusterOfRootDirectory: (%d)\n", bsh.FirstClusterOfRootDirectory)
	fmt.Printf("VolumeSerialNumber: (0x%08x)\n", bsh.VolumeSerialNumber)
	fmt.Printf("FileSystemRevision: (0x%02x) (0x%02x)\n", bsh.FileSystemRevision[0], bsh.FileSystemRevision[1])
	fmt.Printf("BytesPerSectorShift: (%d)\n", bsh.BytesPerSectorShift)
	fmt.Printf("-> Sector-size: 2^(%d) -> %d\n", bsh.BytesPerSectorShift, bsh.SectorSize())
	fmt.Printf("SectorsPerClusterShift: (%d)\n", bsh.SectorsPerClusterShift)
	fmt.Printf("-> Sectors-per-cluster: 2^(%d) -> %d\n", bsh.SectorsPerClusterShift, bsh.SectorsPerCluster())
	fmt.Printf("NumberOfFats: (%d)\n", bsh.NumberOfFats)
	fmt.Printf("DriveSelect: (%d)\n", bsh.DriveSelect)
	fmt.Printf("PercentInUse: (%d)\n", bsh.PercentInUse)
	fmt.Printf("VolumeFlags: (%d)\n", bsh.VolumeFlags)
	fmt.Printf("\n")
}

// newBootSectorHeader builds the header for the configured geometry, with
// the serial number left zero for the packed template.
func newBootSectorHeader(geo geometry) BootSectorHeader {
	bsh := BootSectorHeader{
		PartitionOffset:             0,
		VolumeLength:                uint64(geo.volumeLength),
		FatOffset:                   geo.fatOffset,
		FatLength:                   geo.fatLength,
		ClusterHeapOffset:           geo.clusterHeapOffset,
		ClusterCount:                geo.clusterCount,
		FirstClusterOfRootDirectory: geo.rootStartCluster,
		FileSystemRevision:          [2]uint8{fileSystemRevisionMinor, fileSystemRevisionMajor},
		BytesPerSectorShift:         BytesPerSectorShift,
		SectorsPerClusterShift:      SectorsPerClusterShift,
		NumberOfFats:                1,
		DriveSelect:                 0,
		PercentInUse:                0xff,
		BootSignature:               requiredBootSignature,
	}

	copy(bsh.JumpBoot[:], requiredJumpBootSignature)
	copy(bsh.FileSystemName[:], requiredFileSystemName)

	return bsh
}

// packBootSector serializes the header to its 512-byte on-disk form.
func packBootSector(bsh BootSectorHeader) (raw []byte, err error) {
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

	raw, err = restruct.Pack(defaultEncoding, &bsh)
	log.PanicIf(err)

	if len(raw) != bootSectorHeaderSize {
		log.Panicf("packed boot sector is not one sector: (%d)", len(raw))
	}

	return raw, nil
}

// ParseBootSectorHeader reads and validates one boot sector from the current
// position of the given stream.
func ParseBootSectorHeader(r io.Reader) (bsh BootSectorHeader, err error) {
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

	raw := make([]byte, bootSectorHeaderSize)

	_, err = io.ReadFull(r, raw)
	log.PanicIf(err)

	err = restruct.Unpack(raw, defaultEncoding, &bsh)
	log.PanicIf(err)

	if bytes.Equal(bsh.JumpBoot[:], requiredJumpBootSignature) != true {
		log.Panicf("jump-boot value not correct: %x", bsh.JumpBoot[:])
	} else if bytes.Equal(bsh.FileSystemName[:], requiredFileSystemName) != true {
		log.Panicf("filesystem name not correct: %x [%s]", bsh.FileSystemName, string(bsh.FileSystemName[:]))
	} else if bsh.BootSignature != requiredBootSignature {
		log.Panicf("boot-signature not correct: %x", bsh.BootSignature)
	}

	for _, c := range bsh.MustBeZero {
		if c != 0 {
			log.Panicf("must-be-zero field not all zeros")
		}
	}

	return bsh, nil
}
