package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-virtualdisk"
)

type rootParameters struct {
	Filepath    string `short:"f" long:"filepath" description:"File-path to write the image to" required:"true"`
	SectorCount uint32 `short:"n" long:"sectors" description:"Number of sectors to materialize (0 for the metadata regions only)"`
	Label       string `short:"l" long:"label" description:"Volume label" default:"VIRTDISK"`
	Serial      uint32 `short:"s" long:"serial" description:"Volume serial-number"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	cfg := virtualdisk.DefaultConfig()
	cfg.VolumeLabel = rootArguments.Label
	cfg.SerialNumber = rootArguments.Serial

	volume, err := virtualdisk.NewVolume(cfg)
	log.PanicIf(err)

	sectorCount := rootArguments.SectorCount
	if sectorCount == 0 {
		// Enough to cover every metadata region through the root directory.
		sectorCount = cfg.ClusterHeapOffset + 0x80
	}

	if sectorCount > volume.SectorCount() {
		sectorCount = volume.SectorCount()
	}

	f, err := os.Create(rootArguments.Filepath)
	log.PanicIf(err)

	defer f.Close()

	sector := make([]byte, virtualdisk.SectorSize)

	for lba := uint32(0); lba < sectorCount; lba++ {
		volume.Read(lba, 0, sector)

		_, err := f.Write(sector)
		log.PanicIf(err)
	}

	fmt.Printf("Wrote (%d) sectors -> %s.\n", sectorCount, humanize.IBytes(uint64(sectorCount)*virtualdisk.SectorSize))
}
