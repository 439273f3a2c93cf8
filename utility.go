package virtualdisk

import (
	"unicode/utf16"

	"encoding/binary"

	"github.com/dsoprea/go-logging"
	"golang.org/x/text/encoding/unicode"
)

// DecodeUnicode returns the string held in a UTF-16LE on-disk field. The
// unit count may cover trailing NUL padding, which is dropped.
func DecodeUnicode(raw []byte, unitCount int) string {
	units := make([]uint16, 0, unitCount)

	for i := 0; i < unitCount; i++ {
		unit := binary.LittleEndian.Uint16(raw[i*2:])
		if unit == 0 {
			continue
		}

		units = append(units, unit)
	}

	return string(utf16.Decode(units))
}

var (
	utf16leEncoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
)

// EncodeUnicode encodes a string to the UTF-16 code units that file names and
// volume labels are stored as.
func EncodeUnicode(s string) (units []uint16, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	encoded, err := utf16leEncoder.Bytes([]byte(s))
	log.PanicIf(err)

	if len(encoded)%2 != 0 {
		log.Panicf("encoded UTF-16 data has odd length: (%d)", len(encoded))
	}

	units = make([]uint16, len(encoded)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(encoded[i*2:])
	}

	return units, nil
}

// putUnicodeUnits writes code units as UTF-16LE bytes, zero-padding the rest
// of the destination.
func putUnicodeUnits(dst []byte, units []uint16) {
	for i := 0; i < len(dst)/2; i++ {
		value := uint16(0)
		if i < len(units) {
			value = units[i]
		}

		binary.LittleEndian.PutUint16(dst[i*2:], value)
	}
}
