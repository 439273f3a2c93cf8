// Enumeration of the entry sets the synthesized root directory presents to
// the host. This is the verification half of the module: the cmd tools and
// tests read the volume back the way a host would.

package virtualdisk

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// DirectoryEntryVisitorFunc is a function type used as a callback over each
// primary directory entry and the secondary entries collected for it.
type DirectoryEntryVisitorFunc func(primaryEntry DirectoryEntry, secondaryEntries []DirectoryEntry) (err error)

// VolumeNavigator walks the root-directory sectors of a synthesized volume.
type VolumeNavigator struct {
	vol *Volume
}

// NewVolumeNavigator returns a new VolumeNavigator instance.
func NewVolumeNavigator(vol *Volume) *VolumeNavigator {
	return &VolumeNavigator{
		vol: vol,
	}
}

// EnumerateEntries visits every in-use entry set of the root directory, in
// directory order, until the end-of-directory marker.
func (vn *VolumeNavigator) EnumerateEntries(cb DirectoryEntryVisitorFunc) (err error) {
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

	geo := vn.vol.geo

	var primaryEntry DirectoryEntry
	var secondaryEntries []DirectoryEntry
	remainingSecondaries := 0

	flush := func() (err error) {
		defer func() {
			if errRaw := recover(); errRaw != nil {
				err = log.Wrap(errRaw.(error))
			}
		}()

		if primaryEntry == nil {
			return nil
		}

		err = cb(primaryEntry, secondaryEntries)
		log.PanicIf(err)

		primaryEntry = nil
		secondaryEntries = nil

		return nil
	}

	sector := make([]byte, SectorSize)

	for sectorIndex := uint32(0); sectorIndex < geo.rootSectors(); sectorIndex++ {
		vn.vol.Read(geo.rootStartLBA()+sectorIndex, 0, sector)

		for i := 0; i < SectorSize/directoryEntrySize; i++ {
			directoryEntryData := sector[i*directoryEntrySize : (i+1)*directoryEntrySize]

			entryType := EntryType(directoryEntryData[0])

			if entryType.IsEndOfDirectory() == true {
				err = flush()
				log.PanicIf(err)

				return nil
			}

			if entryType.IsUnusedEntryMarker() == true {
				continue
			}

			if entryType.IsCritical() == false {
				depk := DirectoryEntryParserKey{
					typeCode:   entryType.TypeCode(),
					isCritical: false,
					isPrimary:  entryType.IsPrimary(),
				}

				// Benign entry types without a parser are skipped.
				if _, found := directoryEntryParsers[depk]; found == false {
					continue
				}
			}

			de, err := parseDirectoryEntry(entryType, directoryEntryData)
			log.PanicIf(err)

			if entryType.IsPrimary() == true {
				err = flush()
				log.PanicIf(err)

				primaryEntry = de
				secondaryEntries = make([]DirectoryEntry, 0)

				if pde, ok := de.(PrimaryDirectoryEntry); ok == true {
					remainingSecondaries = int(pde.SecondaryCount())
				} else {
					remainingSecondaries = 0
				}
			} else if remainingSecondaries > 0 {
				secondaryEntries = append(secondaryEntries, de)
				remainingSecondaries--
			}
		}
	}

	err = flush()
	log.PanicIf(err)

	return nil
}

// FileListing describes one host-visible file.
type FileListing struct {
	Name string

	File   *ExfatFileDirectoryEntry
	Stream *ExfatStreamExtensionDirectoryEntry
}

// Label returns the volume label the directory advertises.
func (vn *VolumeNavigator) Label() (label string, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	cb := func(primaryEntry DirectoryEntry, secondaryEntries []DirectoryEntry) (err error) {
		if vlde, ok := primaryEntry.(*ExfatVolumeLabelDirectoryEntry); ok == true {
			label = vlde.Label()
		}

		return nil
	}

	err = vn.EnumerateEntries(cb)
	log.PanicIf(err)

	return label, nil
}

// ListFiles returns every file the root directory lists, with names
// reassembled from the file-name entries.
func (vn *VolumeNavigator) ListFiles() (files []FileListing, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	files = make([]FileListing, 0)

	cb := func(primaryEntry DirectoryEntry, secondaryEntries []DirectoryEntry) (err error) {
		fde, ok := primaryEntry.(*ExfatFileDirectoryEntry)
		if ok == false {
			return nil
		}

		listing := FileListing{
			File: fde,
		}

		nameParts := make(MultipartFilename, 0, len(secondaryEntries))

		for _, de := range secondaryEntries {
			if sede, ok := de.(*ExfatStreamExtensionDirectoryEntry); ok == true {
				listing.Stream = sede
			}

			nameParts = append(nameParts, de)
		}

		name := nameParts.Filename()

		if listing.Stream != nil && int(listing.Stream.NameLength) <= len(name) {
			name = name[:listing.Stream.NameLength]
		}

		listing.Name = name

		files = append(files, listing)

		return nil
	}

	err = vn.EnumerateEntries(cb)
	log.PanicIf(err)

	return files, nil
}
