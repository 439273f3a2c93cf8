package main

import (
	"bytes"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/go-virtualdisk"
)

type rootParameters struct {
	Label  string `short:"l" long:"label" description:"Volume label" default:"VIRTDISK"`
	Serial uint32 `short:"s" long:"serial" description:"Volume serial-number"`
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

	sector := make([]byte, virtualdisk.SectorSize)
	volume.Read(0, 0, sector)

	bsh, err := virtualdisk.ParseBootSectorHeader(bytes.NewReader(sector))
	log.PanicIf(err)

	bsh.Dump()
	volume.Dump()
}
