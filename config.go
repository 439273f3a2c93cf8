package virtualdisk

import (
	"strings"

	"github.com/hashicorp/go-multierror"
)

// MemoryReader fetches bytes from a device memory region at a region-relative
// byte offset. Implementations are platform-specific (boot ROM, SRAM, XIP
// flash) and are supplied by the caller.
type MemoryReader interface {
	ReadMemory(offset uint32, buf []byte) error
}

// MemoryReaderFunc adapts a plain function to the MemoryReader interface.
type MemoryReaderFunc func(offset uint32, buf []byte) error

// ReadMemory satisfies MemoryReader.
func (f MemoryReaderFunc) ReadMemory(offset uint32, buf []byte) error {
	return f(offset, buf)
}

// Partition describes one entry of a device partition table. Offset and Size
// are byte quantities relative to the start of the flash region.
type Partition struct {
	Name   string
	Offset uint32
	Size   uint32
}

// PartitionTable enumerates device flash partitions. An error from
// Partition() means that index is absent or unreadable; the volume degrades
// by not surfacing a file for it.
type PartitionTable interface {
	Partition(index int) (Partition, error)
}

// Config is the build-time configuration surface of the volume. Use
// DefaultConfig() and override what the board needs.
type Config struct {
	// VolumeLabel is the host-visible label, at most eleven characters.
	VolumeLabel string

	VolumeLengthSectors uint32
	FATOffset           uint32
	FATLength           uint32
	ClusterHeapOffset   uint32

	// RootDirClusters is the root-directory length in clusters. The first
	// sector holds the fixed entry sets; every following sector is one
	// dynamic entry-set slot.
	RootDirClusters uint32

	// UpcaseCompressed selects the 30-word compressed up-case table. The
	// uncompressed form occupies 32 clusters.
	UpcaseCompressed bool

	// PreciseBitmap switches the allocation bitmap from the saturated all-ones
	// form to exact per-cluster bits.
	PreciseBitmap bool

	// SerialNumber is the volume serial when SerialSource is nil.
	SerialNumber uint32

	// SerialSource, if present, supplies the serial number (typically derived
	// from a board unique ID). It is consulted once and cached.
	SerialSource func() uint32

	SRAMEnabled      bool
	SRAMFileName     string
	SRAMSizeBytes    uint32
	SRAMStartCluster uint32
	SRAMReader       MemoryReader

	BootROMEnabled      bool
	BootROMFileName     string
	BootROMSizeBytes    uint32
	BootROMStartCluster uint32
	BootROMReader       MemoryReader

	FlashEnabled      bool
	FlashFileName     string
	FlashSizeBytes    uint32
	FlashStartCluster uint32
	FlashReader       MemoryReader

	// PartitionsEnabled surfaces each flash partition as its own dynamic
	// file. Names come from PartitionsFileNameBase with the '#' placeholder
	// replaced by the partition index; a partition that reports its own name
	// uses that instead.
	PartitionsEnabled      bool
	PartitionsMaxFiles     int
	PartitionsFileNameBase string
	PartitionTable         PartitionTable

	// MaxDynamicFiles caps the dynamic file registry.
	MaxDynamicFiles int

	// DynamicAreaStartCluster and DynamicAreaEndCluster bound the runtime
	// cluster allocator. Zero values derive them from the root-directory end
	// and the first static file cluster, respectively.
	DynamicAreaStartCluster uint32
	DynamicAreaEndCluster   uint32
}

// DefaultConfig returns the tested 1 GiB layout.
func DefaultConfig() Config {
	return Config{
		VolumeLabel: "VIRTDISK",

		VolumeLengthSectors: 0x200000,
		FATOffset:           0x18,
		FATLength:           0x800,
		ClusterHeapOffset:   0x8010,

		RootDirClusters:  3,
		UpcaseCompressed: true,

		SRAMEnabled:      true,
		SRAMFileName:     "SRAM.BIN",
		SRAMSizeBytes:    0x42000,
		SRAMStartCluster: 0x1f000,

		BootROMEnabled:      true,
		BootROMFileName:     "BOOTROM.BIN",
		BootROMSizeBytes:    0x8000,
		BootROMStartCluster: 0xe000,

		FlashEnabled:      true,
		FlashFileName:     "FLASH.BIN",
		FlashSizeBytes:    0x200000,
		FlashStartCluster: 0xf000,

		PartitionsEnabled:      false,
		PartitionsMaxFiles:     8,
		PartitionsFileNameBase: "PART#.BIN",

		MaxDynamicFiles: 12,
	}
}

// firstStaticCluster is the lowest cluster claimed by an enabled static file,
// which bounds the dynamic allocation area by default.
func (cfg Config) firstStaticCluster() uint32 {
	first := uint32(0)

	consider := func(enabled bool, cluster uint32) {
		if enabled == false {
			return
		}

		if first == 0 || cluster < first {
			first = cluster
		}
	}

	consider(cfg.BootROMEnabled, cfg.BootROMStartCluster)
	consider(cfg.FlashEnabled, cfg.FlashStartCluster)
	consider(cfg.SRAMEnabled, cfg.SRAMStartCluster)

	if first == 0 {
		// No static files; the dynamic area runs to the end of the heap.
		geo := geometry{volumeLength: cfg.VolumeLengthSectors, clusterHeapOffset: cfg.ClusterHeapOffset}
		first = heapStartCluster + (geo.volumeLength-geo.clusterHeapOffset)/SectorsPerCluster
	}

	return first
}

// Validate aggregates every configuration problem rather than stopping at the
// first one.
func (cfg Config) Validate() (err error) {
	var result *multierror.Error

	if len(cfg.VolumeLabel) > maxVolumeLabelLength {
		result = multierror.Append(result, newConfigError("volume label exceeds eleven characters"))
	}

	if cfg.VolumeLengthSectors == 0 {
		result = multierror.Append(result, newConfigError("volume length not set"))
	}

	if cfg.FATOffset < 24 {
		result = multierror.Append(result, newConfigError("FAT offset collides with the boot regions"))
	}

	if cfg.ClusterHeapOffset < cfg.FATOffset+cfg.FATLength {
		result = multierror.Append(result, newConfigError("cluster heap overlaps the FAT region"))
	}

	if cfg.RootDirClusters < 1 {
		result = multierror.Append(result, newConfigError("root directory requires at least one cluster"))
	}

	if cfg.MaxDynamicFiles < 1 {
		result = multierror.Append(result, newConfigError("dynamic file registry capacity not set"))
	}

	checkStaticName := func(enabled bool, name, which string) {
		if enabled == false {
			return
		}

		if name == "" || len(name) > fileNameUnitsPerEntry {
			result = multierror.Append(result, newConfigError(which+" file name must be 1..15 characters"))
		}
	}

	checkStaticName(cfg.SRAMEnabled, cfg.SRAMFileName, "SRAM")
	checkStaticName(cfg.BootROMEnabled, cfg.BootROMFileName, "boot-ROM")
	checkStaticName(cfg.FlashEnabled, cfg.FlashFileName, "flash")

	if cfg.PartitionsEnabled {
		if cfg.PartitionTable == nil {
			result = multierror.Append(result, newConfigError("partition files enabled without a partition table"))
		}

		if strings.Count(cfg.PartitionsFileNameBase, "#") != 1 {
			result = multierror.Append(result, newConfigError("partition file-name base needs exactly one '#' placeholder"))
		}
	}

	return result.ErrorOrNil()
}

type configError string

func newConfigError(message string) configError {
	return configError(message)
}

func (ce configError) Error() string {
	return string(ce)
}
