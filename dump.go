package virtualdisk

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Dump prints the derived volume layout.
func (v *Volume) Dump() {
	geo := v.geo

	fmt.Printf("Virtual Volume\n")
	fmt.Printf("==============\n")
	fmt.Printf("\n")

	fmt.Printf("VolumeLabel: [%s]\n", v.cfg.VolumeLabel)
	fmt.Printf("VolumeLength: (%d) sectors -> %s\n", geo.volumeLength, humanize.IBytes(uint64(geo.volumeLength)*SectorSize))
	fmt.Printf("FatOffset: (%d)\n", geo.fatOffset)
	fmt.Printf("FatLength: (%d)\n", geo.fatLength)
	fmt.Printf("ClusterHeapOffset: (%d)\n", geo.clusterHeapOffset)
	fmt.Printf("ClusterCount: (%d)\n", geo.clusterCount)
	fmt.Printf("\n")

	fmt.Printf("AllocationBitmap: cluster (%d), (%d) clusters\n", geo.bitmapStartCluster, geo.bitmapClusters)
	fmt.Printf("UpcaseTable: cluster (%d), (%d) clusters, checksum (0x%08x)\n", geo.upcaseStartCluster, geo.upcaseClusters, v.blobs.upcaseChecksum)
	fmt.Printf("RootDirectory: cluster (%d), (%d) clusters\n", geo.rootStartCluster, geo.rootClusters)
	fmt.Printf("DynamicArea: clusters (%d)-(%d)\n", geo.dynamicStartCluster, geo.dynamicEndCluster)
	fmt.Printf("\n")

	fmt.Printf("Dynamic files: (%d)/(%d)\n", len(v.registry.files), v.registry.maxFiles)

	for i, file := range v.registry.files {
		fmt.Printf("- slot (%d): [%s] cluster (%d), %s\n", i, file.Name, file.firstCluster, humanize.IBytes(file.sizeBytes))
	}

	fmt.Printf("\n")
}
