// This package synthesizes a read-only exFAT volume on demand, sector by
// sector, for presentation to a USB host over Mass Storage Class. No sector of
// the volume is ever held in memory; each read is generated from static
// templates, device memory regions, or caller-provided content callbacks.

package virtualdisk

const (
	// BytesPerSectorShift is log2 of the sector size (2^9 = 512).
	BytesPerSectorShift = 9

	// SectorSize is the size of one sector in bytes.
	SectorSize = 1 << BytesPerSectorShift

	// SectorsPerClusterShift is log2 of the sectors-per-cluster count (2^3 = 8).
	SectorsPerClusterShift = 3

	// SectorsPerCluster is the number of sectors in one cluster.
	SectorsPerCluster = 1 << SectorsPerClusterShift

	// ClusterSize is the size of one cluster in bytes (4 KiB).
	ClusterSize = SectorSize * SectorsPerCluster
)

const (
	// heapStartCluster is the index of the first cluster in the cluster heap.
	// Section 3.1.8 fixes this at two.
	heapStartCluster = 2

	directoryEntrySize = 32

	// fileNameUnitsPerEntry is how many UTF-16 code units one File Name
	// directory entry carries (Section 7.7.3).
	fileNameUnitsPerEntry = 15

	// maxFileNameLength is the maximum file-name length in UTF-16 code units.
	maxFileNameLength = 127

	// maxVolumeLabelLength is the maximum volume-label length in UTF-16 code
	// units (Section 7.3.2).
	maxVolumeLabelLength = 11

	// maxFileNameEntries is the number of File Name entries reserved in a
	// dynamic entry-set slot. Ten entries cover the 127-unit maximum.
	maxFileNameEntries = 10

	// dynamicEntrySetSize is the byte length of one dynamic entry-set slot:
	// one File entry, one Stream Extension, and ten File Name entries.
	dynamicEntrySetSize = (2 + maxFileNameEntries) * directoryEntrySize

	mainExtendedBootSectorCount = 8

	// vbrChecksumSectorCount is how many sectors the VBR checksum covers
	// (sectors 0..10; sector 11 stores the result).
	vbrChecksumSectorCount = 11
)

const (
	fileSystemRevisionMajor = 1
	fileSystemRevisionMinor = 0
)

// geometry is the fully-derived sector layout of the volume. It is computed
// once from the Config and never changes afterwards.
type geometry struct {
	volumeLength uint32 // total sectors

	fatOffset uint32 // LBA of the first FAT sector
	fatLength uint32 // FAT length in sectors

	clusterHeapOffset uint32 // LBA of cluster 2
	clusterCount      uint32

	bitmapStartCluster uint32
	bitmapClusters     uint32

	upcaseStartCluster uint32
	upcaseClusters     uint32

	rootStartCluster uint32
	rootClusters     uint32

	dynamicStartCluster uint32
	dynamicEndCluster   uint32
}

// clusterToLBA maps a cluster-heap index to its first sector.
func (geo geometry) clusterToLBA(cluster uint32) uint32 {
	return geo.clusterHeapOffset + (cluster-heapStartCluster)*SectorsPerCluster
}

// lbaToCluster maps a sector within the cluster heap back to its cluster.
func (geo geometry) lbaToCluster(lba uint32) uint32 {
	return heapStartCluster + (lba-geo.clusterHeapOffset)/SectorsPerCluster
}

func (geo geometry) bitmapStartLBA() uint32 {
	return geo.clusterToLBA(geo.bitmapStartCluster)
}

func (geo geometry) bitmapSectors() uint32 {
	return geo.bitmapClusters * SectorsPerCluster
}

func (geo geometry) upcaseStartLBA() uint32 {
	return geo.clusterToLBA(geo.upcaseStartCluster)
}

func (geo geometry) upcaseSectors() uint32 {
	return geo.upcaseClusters * SectorsPerCluster
}

func (geo geometry) rootStartLBA() uint32 {
	return geo.clusterToLBA(geo.rootStartCluster)
}

func (geo geometry) rootSectors() uint32 {
	return geo.rootClusters * SectorsPerCluster
}

// dynamicSlotCount is how many dynamic directory slots the root directory has
// room for. Slot i lives in root-directory sector i+1.
func (geo geometry) dynamicSlotCount() uint32 {
	return geo.rootSectors() - 1
}

func newGeometry(cfg Config) geometry {
	geo := geometry{
		volumeLength:      cfg.VolumeLengthSectors,
		fatOffset:         cfg.FATOffset,
		fatLength:         cfg.FATLength,
		clusterHeapOffset: cfg.ClusterHeapOffset,
	}

	geo.clusterCount = (geo.volumeLength - geo.clusterHeapOffset + SectorsPerCluster - 1) / SectorsPerCluster

	// The bitmap carries one bit per cluster, rounded up to whole sectors and
	// then whole clusters.
	bitmapBytes := (geo.clusterCount + 7) / 8
	bitmapSectors := (bitmapBytes + SectorSize - 1) / SectorSize
	geo.bitmapStartCluster = heapStartCluster
	geo.bitmapClusters = (bitmapSectors + SectorsPerCluster - 1) / SectorsPerCluster

	geo.upcaseStartCluster = geo.bitmapStartCluster + geo.bitmapClusters
	if cfg.UpcaseCompressed {
		geo.upcaseClusters = 1
	} else {
		geo.upcaseClusters = 32
	}

	geo.rootStartCluster = geo.upcaseStartCluster + geo.upcaseClusters
	geo.rootClusters = cfg.RootDirClusters

	geo.dynamicStartCluster = cfg.DynamicAreaStartCluster
	if geo.dynamicStartCluster == 0 {
		geo.dynamicStartCluster = geo.rootStartCluster + geo.rootClusters
	}

	geo.dynamicEndCluster = cfg.DynamicAreaEndCluster
	if geo.dynamicEndCluster == 0 {
		geo.dynamicEndCluster = cfg.firstStaticCluster()
	}

	return geo
}
