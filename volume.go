package virtualdisk

import (
	"reflect"
	"strings"
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/dsoprea/go-logging"
)

// sectorGeneratorFunc produces one slice of one logical 512-byte sector:
// buf is filled with the bytes at [offset, offset+len(buf)) of the sector at
// lba. Generators never fail; undefined content reads as zero.
type sectorGeneratorFunc func(lba, offset uint32, buf []byte)

// sectorRegion maps every LBA below nextLBA (and at or above the previous
// region's bound) to one generator. The region table is sorted and immutable
// after construction.
type sectorRegion struct {
	handler sectorGeneratorFunc
	nextLBA uint32
}

// Volume synthesizes the exFAT image. All state mutated after construction
// is write-once caches (serial number, VBR checksum, SetChecksums) or the
// dynamic file registry, all serviced from the single USB task context.
type Volume struct {
	cfg   Config
	geo   geometry
	blobs *staticBlobs

	regions []sectorRegion

	assembler *directoryAssembler
	registry  *fileRegistry

	// bitmapData holds the precise allocation bitmap, nil in saturated mode.
	bitmapData bitmap.Bitmap

	serial       uint32
	serialCached bool

	vbrSum       uint32
	vbrSumCached bool

	onContentsChanged func(hardReset bool)

	now func() time.Time
}

// NewVolume derives the geometry, builds the static blobs and the region
// table, and registers partition files when enabled.
func NewVolume(cfg Config) (v *Volume, err error) {
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

	err = cfg.Validate()
	log.PanicIf(err)

	geo := newGeometry(cfg)

	if uint32(cfg.MaxDynamicFiles) > geo.dynamicSlotCount() {
		log.Panicf("registry capacity (%d) exceeds the (%d) dynamic root-directory slots", cfg.MaxDynamicFiles, geo.dynamicSlotCount())
	}

	blobs, err := buildStaticBlobs(geo, cfg.UpcaseCompressed)
	log.PanicIf(err)

	v = &Volume{
		cfg:   cfg,
		geo:   geo,
		blobs: blobs,
		now:   time.Now,
	}

	v.registry = newFileRegistry(geo, cfg.MaxDynamicFiles, func() time.Time {
		return v.now()
	})

	v.assembler = newDirectoryAssembler()

	firstSet, err := buildFirstEntrySet(geo, blobs, cfg.VolumeLabel)
	log.PanicIf(err)

	v.assembler.add(firstSet)

	err = v.addStaticFileSets()
	log.PanicIf(err)

	if v.assembler.totalLength() > SectorSize {
		log.Panicf("fixed root-directory entries exceed one sector: (%d)", v.assembler.totalLength())
	}

	if cfg.PreciseBitmap {
		v.buildPreciseBitmap()
	}

	v.buildRegions()

	if cfg.PartitionsEnabled {
		err = v.registerPartitionFiles()
		log.PanicIf(err)
	}

	return v, nil
}

func (v *Volume) addStaticFileSets() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	add := func(name string, sizeBytes, startCluster uint32) {
		data, err := buildStaticFileSet(name, uint64(sizeBytes), startCluster)
		log.PanicIf(err)

		v.assembler.add(data)
	}

	if v.cfg.SRAMEnabled {
		add(v.cfg.SRAMFileName, v.cfg.SRAMSizeBytes, v.cfg.SRAMStartCluster)
	}

	if v.cfg.BootROMEnabled {
		add(v.cfg.BootROMFileName, v.cfg.BootROMSizeBytes, v.cfg.BootROMStartCluster)
	}

	if v.cfg.FlashEnabled {
		add(v.cfg.FlashFileName, v.cfg.FlashSizeBytes, v.cfg.FlashStartCluster)
	}

	return nil
}

// buildRegions lays out the LBA dispatch table in ascending order. Any LBA
// past the last region reads as zero.
func (v *Volume) buildRegions() {
	geo := v.geo

	regions := make([]sectorRegion, 0, 32)

	appendRegion := func(handler sectorGeneratorFunc, nextLBA uint32) {
		if len(regions) > 0 && nextLBA <= regions[len(regions)-1].nextLBA {
			// Zero-length region; the geometry left no gap here.
			return
		}

		regions = append(regions, sectorRegion{handler, nextLBA})
	}

	// Main and backup boot regions (Section 2, Table 1).
	appendRegion(v.genBootSector, 1)
	appendRegion(genExtendedBootSector, 9)
	appendRegion(genZeroSector, 11)
	appendRegion(v.genChecksumSector, 12)
	appendRegion(v.genBootSector, 13)
	appendRegion(genExtendedBootSector, 21)
	appendRegion(genZeroSector, 23)
	appendRegion(v.genChecksumSector, 24)

	appendRegion(genZeroSector, geo.fatOffset)

	appendRegion(v.genFatSector, geo.fatOffset+1)
	appendRegion(genZeroSector, geo.bitmapStartLBA())

	appendRegion(v.genBitmapSector, geo.bitmapStartLBA()+geo.bitmapSectors())
	appendRegion(v.genUpcaseSector, geo.upcaseStartLBA()+geo.upcaseSectors())
	appendRegion(genZeroSector, geo.rootStartLBA())

	appendRegion(v.genRootFixedSector, geo.rootStartLBA()+1)
	appendRegion(v.genRootDynamicSector, geo.rootStartLBA()+geo.rootSectors())

	appendRegion(genZeroSector, geo.clusterToLBA(geo.dynamicStartCluster))
	appendRegion(v.genDynamicClusterSector, geo.clusterToLBA(geo.dynamicEndCluster))

	// Static memory-mapped file regions, in ascending cluster order.
	type memFile struct {
		startCluster uint32
		sizeBytes    uint32
		reader       MemoryReader
	}

	memFiles := make([]memFile, 0, 3)

	if v.cfg.BootROMEnabled {
		memFiles = append(memFiles, memFile{v.cfg.BootROMStartCluster, v.cfg.BootROMSizeBytes, v.cfg.BootROMReader})
	}

	if v.cfg.FlashEnabled {
		memFiles = append(memFiles, memFile{v.cfg.FlashStartCluster, v.cfg.FlashSizeBytes, v.cfg.FlashReader})
	}

	if v.cfg.SRAMEnabled {
		memFiles = append(memFiles, memFile{v.cfg.SRAMStartCluster, v.cfg.SRAMSizeBytes, v.cfg.SRAMReader})
	}

	for i := 0; i < len(memFiles); i++ {
		for j := i + 1; j < len(memFiles); j++ {
			if memFiles[j].startCluster < memFiles[i].startCluster {
				memFiles[i], memFiles[j] = memFiles[j], memFiles[i]
			}
		}
	}

	for _, mf := range memFiles {
		startLBA := geo.clusterToLBA(mf.startCluster)
		sectors := (mf.sizeBytes + SectorSize - 1) / SectorSize

		appendRegion(genZeroSector, startLBA)
		appendRegion(v.genMemRegionSector(startLBA, mf.reader), startLBA+sectors)
	}

	v.regions = regions
}

// Read services one READ10 slice: exactly len(buf) bytes at the given byte
// offset within the sector at lba. A precondition violation generates
// nothing; past-the-end LBAs read as zero.
func (v *Volume) Read(lba, offset uint32, buf []byte) int {
	if offset >= SectorSize || offset+uint32(len(buf)) > SectorSize {
		return 0
	}

	for _, region := range v.regions {
		if lba < region.nextLBA {
			region.handler(lba, offset, buf)
			return len(buf)
		}
	}

	fill(buf, 0)

	return len(buf)
}

// SectorCount returns the total number of sectors of the volume.
func (v *Volume) SectorCount() uint32 {
	return v.geo.volumeLength
}

// SerialNumber returns the volume serial, consulting the configured source
// once and caching the result.
func (v *Volume) SerialNumber() uint32 {
	if v.serialCached == false {
		if v.cfg.SerialSource != nil {
			v.serial = v.cfg.SerialSource()
		} else {
			v.serial = v.cfg.SerialNumber
		}

		v.serialCached = true
	}

	return v.serial
}

// vbrChecksum returns the cached VBR checksum, computing it on first use via
// the prefix/suffix decomposition.
func (v *Volume) vbrChecksum() uint32 {
	if v.vbrSumCached == false {
		v.vbrSum = v.blobs.vbrChecksumWithSerial(v.SerialNumber())
		v.vbrSumCached = true
	}

	return v.vbrSum
}

// vbrChecksumReference recomputes the VBR checksum by walking sectors 0..10
// through the dispatcher, skipping bytes 106, 107, and 112 of sector 0. The
// optimized path is verified against this.
func (v *Volume) vbrChecksumReference() uint32 {
	sum := uint32(0)
	sector := make([]byte, SectorSize)

	for lba := uint32(0); lba < vbrChecksumSectorCount; lba++ {
		v.Read(lba, 0, sector)

		for off := 0; off < SectorSize; off++ {
			if lba == 0 && (off == 106 || off == 107 || off == 112) {
				continue
			}

			sum = ror32(sum) + uint32(sector[off])
		}
	}

	return sum
}

// AddFile registers a dynamic file with space reserved for maxSizeBytes. No
// media-change notification is raised; callers batch registrations.
func (v *Volume) AddFile(file *DynamicFile, maxSizeBytes uint64) error {
	err := v.registry.add(file, maxSizeBytes)
	if err != nil {
		return err
	}

	if v.bitmapData != nil {
		v.markBitmapRun(file.firstCluster, file.reservedClusters)
	}

	return nil
}

// UpdateFile changes a file's advertised size, growing the reservation in
// place when the file owns the tail of the dynamic area, and raises a soft
// media-change notification.
func (v *Volume) UpdateFile(file *DynamicFile, newSizeBytes uint64) error {
	grew := clustersForSize(newSizeBytes) > file.reservedClusters

	err := v.registry.update(file, newSizeBytes)
	if err != nil {
		return err
	}

	if grew && v.bitmapData != nil {
		v.markBitmapRun(file.firstCluster, file.reservedClusters)
	}

	v.ContentsChanged(false)

	return nil
}

// ContentsChanged signals that the host must re-read the volume. The
// registered hook (normally the SCSI adapter) decides how to surface it.
func (v *Volume) ContentsChanged(hardReset bool) {
	if v.onContentsChanged != nil {
		v.onContentsChanged(hardReset)
	}
}

// registerPartitionFiles surfaces each readable partition-table entry as a
// dynamic file whose content is fetched from the flash region. Entries that
// fail to enumerate are skipped; the volume stays mountable.
func (v *Volume) registerPartitionFiles() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	for i := 0; i < v.cfg.PartitionsMaxFiles; i++ {
		p, err := v.cfg.PartitionTable.Partition(i)
		if err != nil {
			continue
		}

		name := p.Name
		if name == "" {
			name = strings.Replace(v.cfg.PartitionsFileNameBase, "#", string(rune('0'+i)), 1)
		}

		offset := p.Offset
		reader := v.cfg.FlashReader

		file := &DynamicFile{
			Name:       name,
			Attributes: AttributeReadOnly,
			Content: func(fileOffset int64, buf []byte) int {
				if reader == nil {
					return 0
				}

				err := reader.ReadMemory(offset+uint32(fileOffset), buf)
				if err != nil {
					return 0
				}

				return len(buf)
			},
		}

		err = v.registry.add(file, uint64(p.Size))
		if err != nil {
			return err
		}

		file.sizeBytes = uint64(p.Size)

		if v.bitmapData != nil {
			v.markBitmapRun(file.firstCluster, file.reservedClusters)
		}
	}

	return nil
}

// buildPreciseBitmap computes exact allocation bits: the system clusters
// (bitmap, up-case table, root directory) and every static file run. Dynamic
// reservations are marked as they are made.
func (v *Volume) buildPreciseBitmap() {
	geo := v.geo

	v.bitmapData = bitmap.New(int(geo.bitmapSectors()) * SectorSize * 8)

	systemClusters := geo.bitmapClusters + geo.upcaseClusters + geo.rootClusters
	v.markBitmapRun(heapStartCluster, systemClusters)

	mark := func(enabled bool, startCluster, sizeBytes uint32) {
		if enabled == false {
			return
		}

		v.markBitmapRun(startCluster, clustersForSize(uint64(sizeBytes)))
	}

	mark(v.cfg.BootROMEnabled, v.cfg.BootROMStartCluster, v.cfg.BootROMSizeBytes)
	mark(v.cfg.FlashEnabled, v.cfg.FlashStartCluster, v.cfg.FlashSizeBytes)
	mark(v.cfg.SRAMEnabled, v.cfg.SRAMStartCluster, v.cfg.SRAMSizeBytes)
}

func (v *Volume) markBitmapRun(startCluster, clusters uint32) {
	for i := uint32(0); i < clusters; i++ {
		index := int(startCluster - heapStartCluster + i)
		if index >= v.bitmapData.Len() {
			break
		}

		v.bitmapData.Set(index, true)
	}
}

// Sector generators. Each fills buf with the slice [offset, offset+len(buf))
// of its logical sector.

func genZeroSector(lba, offset uint32, buf []byte) {
	fill(buf, 0)
}

func genOnesSector(lba, offset uint32, buf []byte) {
	fill(buf, 0xff)
}

// spliceSignature places the 0x55/0xaa signature bytes wherever offsets 510
// and 511 fall within the requested slice.
func spliceSignature(offset uint32, buf []byte) {
	const pos55 = SectorSize - 2
	const posAA = SectorSize - 1

	end := offset + uint32(len(buf))

	if end > pos55 && offset <= pos55 {
		buf[pos55-offset] = 0x55
	}

	if end > posAA && offset <= posAA {
		buf[posAA-offset] = 0xaa
	}
}

func genExtendedBootSector(lba, offset uint32, buf []byte) {
	fill(buf, 0)
	spliceSignature(offset, buf)
}

// genBootSector serves both the main and backup boot sectors: the packed
// template with the runtime serial number spliced in at offset 100.
func (v *Volume) genBootSector(lba, offset uint32, buf []byte) {
	end := offset + uint32(len(buf))

	copy(buf, v.blobs.bootSector[offset:end])

	const serialPos = 100

	if offset < serialPos+4 && end > serialPos {
		serial := v.SerialNumber()

		for i := uint32(0); i < 4; i++ {
			absPos := serialPos + i
			if absPos >= offset && absPos < end {
				buf[absPos-offset] = byte(serial >> (8 * i))
			}
		}
	}
}

// genChecksumSector fills the slice with the 32-bit VBR checksum repeated,
// aligned to the absolute byte position within the sector.
func (v *Volume) genChecksumSector(lba, offset uint32, buf []byte) {
	checksum := v.vbrChecksum()

	for i := range buf {
		absPos := offset + uint32(i)
		buf[i] = byte(checksum >> (8 * (absPos & 3)))
	}
}

// genFatSector serves FAT sector 0: the populated chain prefix, zero after.
func (v *Volume) genFatSector(lba, offset uint32, buf []byte) {
	fill(buf, 0)

	prefix := v.blobs.fat0

	if offset < uint32(len(prefix)) {
		copy(buf, prefix[offset:])
	}
}

func (v *Volume) genBitmapSector(lba, offset uint32, buf []byte) {
	if v.bitmapData == nil {
		// Saturated mode: every cluster the mask can describe is marked
		// allocated.
		genOnesSector(lba, offset, buf)
		return
	}

	data := v.bitmapData.Data(false)
	base := (lba - v.geo.bitmapStartLBA()) * SectorSize

	copy(buf, data[base+offset:])
}

func (v *Volume) genUpcaseSector(lba, offset uint32, buf []byte) {
	sectorIndex := lba - v.geo.upcaseStartLBA()
	base := sectorIndex * SectorSize

	for i := range buf {
		buf[i] = v.blobs.upcaseByte(base + offset + uint32(i))
	}
}

func (v *Volume) genRootFixedSector(lba, offset uint32, buf []byte) {
	tail := byte(entryTypeEndOfDirectory)
	if len(v.registry.files) > 0 {
		// Entry sets follow in the dynamic sectors; an early end-of-directory
		// marker would hide them.
		tail = byte(entryTypeUnused)
	}

	v.assembler.generateSector(offset, buf, tail)
}

func (v *Volume) genRootDynamicSector(lba, offset uint32, buf []byte) {
	slot := int(lba - v.geo.rootStartLBA() - 1)

	v.registry.generateDynamicSector(slot, offset, buf)
}

// genDynamicClusterSector dispatches a dynamic-area sector to the owning
// file's content callback.
func (v *Volume) genDynamicClusterSector(lba, offset uint32, buf []byte) {
	cluster := v.geo.lbaToCluster(lba)

	file, found := v.registry.resolve(cluster)
	if found == false {
		fill(buf, 0)
		return
	}

	fileOffset := uint64(cluster-file.firstCluster)*ClusterSize +
		uint64(lba-v.geo.clusterToLBA(cluster))*SectorSize +
		uint64(offset)

	if fileOffset >= file.sizeBytes || file.Content == nil {
		fill(buf, 0)
		return
	}

	n := uint64(len(buf))
	if fileOffset+n > file.sizeBytes {
		n = file.sizeBytes - fileOffset
	}

	produced := file.Content(int64(fileOffset), buf[:n])
	if produced < 0 {
		produced = 0
	} else if produced > int(n) {
		produced = int(n)
	}

	fill(buf[produced:], 0)
}

// genMemRegionSector copies bytes straight out of a device memory region.
// A fetch failure degrades to zeros.
func (v *Volume) genMemRegionSector(startLBA uint32, reader MemoryReader) sectorGeneratorFunc {
	return func(lba, offset uint32, buf []byte) {
		if reader == nil {
			fill(buf, 0)
			return
		}

		address := (lba-startLBA)*SectorSize + offset

		err := reader.ReadMemory(address, buf)
		if err != nil {
			fill(buf, 0)
		}
	}
}
