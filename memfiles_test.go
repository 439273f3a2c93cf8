package virtualdisk

import (
	"testing"
	"time"
)

type testPartitionTable struct {
	partitions map[int]Partition
}

func (tpt *testPartitionTable) Partition(index int) (Partition, error) {
	p, found := tpt.partitions[index]
	if found == false {
		return Partition{}, newConfigError("no such partition")
	}

	return p, nil
}

func TestVolume_PartitionFiles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PartitionsEnabled = true
	cfg.PartitionsMaxFiles = 4
	cfg.PartitionTable = &testPartitionTable{
		partitions: map[int]Partition{
			0: {Name: "", Offset: 0x1000, Size: 0x2000},
			2: {Name: "firmware-a", Offset: 0x10000, Size: 0x8000},
		},
	}
	cfg.FlashReader = MemoryReaderFunc(func(offset uint32, buf []byte) error {
		for i := range buf {
			buf[i] = byte(offset >> 12)
		}

		return nil
	})

	volume, err := NewVolume(cfg)
	if err != nil {
		t.Fatalf("volume construction failed: %v", err)
	}

	vn := NewVolumeNavigator(volume)

	files, err := vn.ListFiles()
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}

	bySize := map[string]uint64{}
	for _, listing := range files {
		bySize[listing.Name] = listing.Stream.DataLength
	}

	// Unreadable slots are skipped; the unnamed partition takes the
	// templated name.
	if bySize["PART0.BIN"] != 0x2000 {
		t.Fatalf("templated partition file not correct: %v", bySize)
	}

	if bySize["firmware-a"] != 0x8000 {
		t.Fatalf("named partition file not correct: %v", bySize)
	}

	// Content reads come from the flash region at the partition offset.
	var partFile *DynamicFile
	for _, df := range volume.registry.files {
		if df.Name == "firmware-a" {
			partFile = df
		}
	}

	if partFile == nil {
		t.Fatalf("partition file not registered")
	}

	buf := make([]byte, 4)
	volume.Read(volume.geo.clusterToLBA(partFile.FirstCluster()), 0, buf)

	// Flash offset 0x10000 shifted down twelve bits.
	if buf[0] != 0x10 {
		t.Fatalf("partition content not correct: (0x%02x)", buf[0])
	}
}

func TestNewChangingFile(t *testing.T) {
	start := time.Unix(0, 0)
	now := start.Add(3*time.Hour + 25*time.Minute + 7*time.Second)

	df := NewChangingFile("CHANGING.TXT", start, func() time.Time {
		return now
	})

	if df.Size() != ChangingFileSize {
		t.Fatalf("advertised size not correct: (%d)", df.Size())
	}

	buf := make([]byte, 64)
	n := df.Content(0, buf)

	if string(buf[:n]) != "03:25:07: off=0, len=64\n" {
		t.Fatalf("content not correct: [%s]", buf[:n])
	}

	// Registered on a volume, it reads back through the cluster path.
	volume := newTestVolume(t)

	err := volume.AddFile(df, ChangingFileSize)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}

	sector := make([]byte, SectorSize)
	volume.Read(volume.geo.clusterToLBA(df.FirstCluster()), 0, sector)

	if string(sector[:24]) != "03:25:07: off=0, len=512" {
		t.Fatalf("cluster content not correct: [%s]", sector[:24])
	}
}
