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
	Label      string `short:"l" long:"label" description:"Volume label" default:"VIRTDISK"`
	ShowDetail bool   `short:"d" long:"detail" description:"Show additional entry detail"`
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

	volume, err := virtualdisk.NewVolume(cfg)
	log.PanicIf(err)

	vn := virtualdisk.NewVolumeNavigator(volume)

	label, err := vn.Label()
	log.PanicIf(err)

	fmt.Printf("Volume label: [%s]\n", label)
	fmt.Printf("\n")

	files, err := vn.ListFiles()
	log.PanicIf(err)

	for _, listing := range files {
		if rootArguments.ShowDetail == true {
			fmt.Printf("%s\n", listing.Name)
			fmt.Printf("  %s\n", listing.File)
			fmt.Printf("  %s\n", listing.Stream)
		} else {
			fmt.Printf("%10s  %s\n", humanize.IBytes(listing.Stream.DataLength), listing.Name)
		}
	}
}
