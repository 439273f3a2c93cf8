package virtualdisk

import (
	"strings"
	"testing"
	"time"

	"encoding/binary"
)

func TestVolume_DynamicFileRegistration(t *testing.T) {
	volume := newTestVolume(t)
	geo := volume.geo

	file := &DynamicFile{
		Name:       "LOG.TXT",
		CreateTime: time.Date(2024, 6, 1, 12, 30, 44, 0, time.UTC),
		ModifyTime: time.Date(2024, 6, 1, 12, 30, 44, 0, time.UTC),
	}

	err := volume.AddFile(file, 64*1024)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if file.FirstCluster() != geo.dynamicStartCluster {
		t.Fatalf("first-cluster not correct: (%d)", file.FirstCluster())
	}

	// 64 KiB reserves sixteen 4-KiB clusters.
	if file.reservedClusters != 16 {
		t.Fatalf("reservation not correct: (%d)", file.reservedClusters)
	}

	// The first dynamic root-directory sector carries the entry set.
	sector := make([]byte, SectorSize)
	volume.Read(geo.rootStartLBA()+1, 0, sector)

	if sector[0] != byte(entryTypeFileDirectory) {
		t.Fatalf("primary entry-type not correct: (0x%02x)", sector[0])
	}

	// "LOG.TXT" is seven units: one stream extension plus one file-name
	// entry.
	if sector[1] != 2 {
		t.Fatalf("secondary-count not correct: (%d)", sector[1])
	}

	stream := sector[32:64]

	if stream[0] != byte(entryTypeStreamExtension) {
		t.Fatalf("stream entry-type not correct: (0x%02x)", stream[0])
	}

	if stream[1] != 0x03 {
		t.Fatalf("secondary-flags not correct: (0x%02x)", stream[1])
	}

	if stream[3] != 7 {
		t.Fatalf("name-length not correct: (%d)", stream[3])
	}

	units, err := EncodeUnicode("LOG.TXT")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	if binary.LittleEndian.Uint16(stream[4:]) != NameHash(units) {
		t.Fatalf("name-hash not correct")
	}

	if binary.LittleEndian.Uint32(stream[20:]) != geo.dynamicStartCluster {
		t.Fatalf("stream first-cluster not correct")
	}

	// SetChecksum covers the three-entry set.
	stored := binary.LittleEndian.Uint16(sector[2:])
	if EntrySetChecksum(sector[:3*directoryEntrySize]) != stored {
		t.Fatalf("set-checksum law violated")
	}

	// The file-name entry follows, and the rest of the slot is unused.
	name := sector[64:96]
	if name[0] != byte(entryTypeFileName) {
		t.Fatalf("file-name entry-type not correct: (0x%02x)", name[0])
	}

	for i := 96; i < dynamicEntrySetSize; i += directoryEntrySize {
		if sector[i] != byte(entryTypeUnused) {
			t.Fatalf("trailing name entry not unused at (%d)", i)
		}
	}

	// The slot after the registered files ends the directory.
	next := make([]byte, SectorSize)
	volume.Read(geo.rootStartLBA()+2, 0, next)

	if next[0] != byte(entryTypeEndOfDirectory) {
		t.Fatalf("following slot not end-of-directory: (0x%02x)", next[0])
	}
}

func TestVolume_LongNameSpansEntries(t *testing.T) {
	volume := newTestVolume(t)
	geo := volume.geo

	// 40 units: three file-name entries.
	name := strings.Repeat("x", 36) + ".txt"

	file := &DynamicFile{
		Name: name,
	}

	err := volume.AddFile(file, 4096)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	sector := make([]byte, SectorSize)
	volume.Read(geo.rootStartLBA()+1, 0, sector)

	if sector[1] != 4 {
		t.Fatalf("secondary-count not correct: (%d)", sector[1])
	}

	for i := 0; i < 3; i++ {
		entry := sector[64+i*directoryEntrySize:]
		if entry[0] != byte(entryTypeFileName) {
			t.Fatalf("file-name entry (%d) not present", i)
		}
	}

	vn := NewVolumeNavigator(volume)

	files, err := vn.ListFiles()
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}

	found := false
	for _, listing := range files {
		if listing.Name == name {
			found = true
		}
	}

	if found == false {
		t.Fatalf("long-named file not listed")
	}
}

func TestVolume_DynamicClusterContent(t *testing.T) {
	volume := newTestVolume(t)
	geo := volume.geo

	content := []byte("0123456789abcdef")

	file := &DynamicFile{
		Name: "DATA.BIN",
		Content: func(offset int64, buf []byte) int {
			n := 0
			for i := range buf {
				buf[i] = content[(int(offset)+i)%len(content)]
				n++
			}

			return n
		},
	}

	err := volume.AddFile(file, 2*ClusterSize)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	err = volume.UpdateFile(file, ClusterSize+100)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	// Second cluster, second sector, with a sub-sector offset.
	lba := geo.clusterToLBA(file.FirstCluster()) + SectorsPerCluster + 1

	buf := make([]byte, 32)
	volume.Read(lba, 16, buf)

	// The file is only ClusterSize+100 bytes; everything here is past the
	// advertised size and reads as zero.
	for i := range buf {
		if buf[i] != 0 {
			t.Fatalf("content past size not zero at (%d)", i)
		}
	}

	// Within the advertised size the callback content comes through.
	lba = geo.clusterToLBA(file.FirstCluster()) + SectorsPerCluster
	volume.Read(lba, 16, buf)

	fileOffset := ClusterSize + 16
	for i := range buf {
		expected := content[(fileOffset+i)%len(content)]

		if fileOffset+i >= ClusterSize+100 {
			expected = 0
		}

		if buf[i] != expected {
			t.Fatalf("content not correct at (%d): (0x%02x)", i, buf[i])
		}
	}
}

func TestVolume_DynamicClusterClampsAtSize(t *testing.T) {
	volume := newTestVolume(t)
	geo := volume.geo

	file := &DynamicFile{
		Name: "SMALL.BIN",
		Content: func(offset int64, buf []byte) int {
			for i := range buf {
				buf[i] = 0xaa
			}

			return len(buf)
		},
	}

	err := volume.AddFile(file, ClusterSize)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	err = volume.UpdateFile(file, 10)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}

	buf := make([]byte, 32)
	volume.Read(geo.clusterToLBA(file.FirstCluster()), 0, buf)

	for i := 0; i < 10; i++ {
		if buf[i] != 0xaa {
			t.Fatalf("content not correct at (%d)", i)
		}
	}

	for i := 10; i < len(buf); i++ {
		if buf[i] != 0 {
			t.Fatalf("bytes past size not zeroed at (%d)", i)
		}
	}
}

func TestRegistry_ErrorSurface(t *testing.T) {
	volume := newTestVolume(t)

	// Name too long.
	err := volume.AddFile(&DynamicFile{Name: strings.Repeat("n", 128)}, 0)
	if err != ErrNameTooLong {
		t.Fatalf("long name not refused: %v", err)
	}

	err = volume.AddFile(&DynamicFile{Name: ""}, 0)
	if err != ErrNameTooLong {
		t.Fatalf("empty name not refused: %v", err)
	}

	// Out of space: the dynamic area can not fit the whole heap.
	huge := uint64(volume.geo.dynamicEndCluster) * ClusterSize
	err = volume.AddFile(&DynamicFile{Name: "HUGE.BIN"}, huge)
	if err != ErrOutOfSpace {
		t.Fatalf("oversize reservation not refused: %v", err)
	}

	// Registry full.
	for i := 0; i < volume.registry.maxFiles; i++ {
		name := "F" + string(rune('0'+i%10)) + string(rune('A'+i/10)) + ".BIN"

		err := volume.AddFile(&DynamicFile{Name: name}, 0)
		if err != nil {
			t.Fatalf("fill add (%d) failed: %v", i, err)
		}
	}

	err = volume.AddFile(&DynamicFile{Name: "LAST.BIN"}, 0)
	if err != ErrRegistryFull {
		t.Fatalf("full registry not refused: %v", err)
	}
}

func TestRegistry_UpdateGrowsOnlyTail(t *testing.T) {
	volume := newTestVolume(t)

	first := &DynamicFile{Name: "FIRST.BIN"}
	second := &DynamicFile{Name: "SECOND.BIN"}

	err := volume.AddFile(first, ClusterSize)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	err = volume.AddFile(second, ClusterSize)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	// Growth within the reservation always works.
	err = volume.UpdateFile(first, ClusterSize)
	if err != nil {
		t.Fatalf("in-place update failed: %v", err)
	}

	// The first file does not own the tail; growing past its run fails and
	// leaves it unchanged.
	err = volume.UpdateFile(first, ClusterSize+1)
	if err != ErrOutOfSpace {
		t.Fatalf("non-tail growth not refused: %v", err)
	}

	if first.Size() != ClusterSize || first.reservedClusters != 1 {
		t.Fatalf("failed update changed state")
	}

	// The second file owns the tail and extends in place.
	err = volume.UpdateFile(second, 3*ClusterSize)
	if err != nil {
		t.Fatalf("tail growth failed: %v", err)
	}

	if second.reservedClusters != 3 {
		t.Fatalf("tail reservation not extended: (%d)", second.reservedClusters)
	}

	// The allocator continues after the extended run.
	third := &DynamicFile{Name: "THIRD.BIN"}

	err = volume.AddFile(third, ClusterSize)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if third.FirstCluster() != second.FirstCluster()+3 {
		t.Fatalf("allocator cursor not correct: (%d)", third.FirstCluster())
	}
}

func TestVolume_PreciseBitmap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PreciseBitmap = true

	volume, err := NewVolume(cfg)
	if err != nil {
		t.Fatalf("volume construction failed: %v", err)
	}

	geo := volume.geo

	// Cluster 2 (the bitmap itself) is bit zero of the first byte.
	if volume.bitmapData.Get(0) != true {
		t.Fatalf("system cluster not marked")
	}

	// System clusters through the root directory are allocated.
	systemClusters := int(geo.bitmapClusters + geo.upcaseClusters + geo.rootClusters)
	for i := 0; i < systemClusters; i++ {
		if volume.bitmapData.Get(i) != true {
			t.Fatalf("system cluster (%d) not marked", i)
		}
	}

	// The dynamic area starts free and is marked by registrations.
	dynamicIndex := int(geo.dynamicStartCluster - heapStartCluster)
	if volume.bitmapData.Get(dynamicIndex) != false {
		t.Fatalf("dynamic area marked before registration")
	}

	// Static file runs are allocated.
	bootromIndex := int(cfg.BootROMStartCluster - heapStartCluster)
	if volume.bitmapData.Get(bootromIndex) != true {
		t.Fatalf("boot-ROM run not marked")
	}

	file := &DynamicFile{Name: "NEW.BIN"}

	err = volume.AddFile(file, ClusterSize)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if volume.bitmapData.Get(dynamicIndex) != true {
		t.Fatalf("registered run not marked")
	}

	// The bitmap sector reflects the data rather than saturating.
	sector := make([]byte, SectorSize)
	volume.Read(geo.bitmapStartLBA()+geo.bitmapSectors()-1, 0, sector)

	allOnes := true
	for _, b := range sector {
		if b != 0xff {
			allOnes = false
			break
		}
	}

	if allOnes == true {
		t.Fatalf("precise bitmap saturated")
	}
}
