package virtualdisk

import (
	"errors"
	"fmt"
	"time"

	"encoding/binary"
)

// ErrUnsupportedCommand means the adapter has no handler for the operation
// code; the transport falls back to its default handling.
var ErrUnsupportedCommand = errors.New("unsupported scsi command")

// SCSI sense data the adapter reports (SPC-4 Section 6.7).
const (
	SenseKeyUnitAttention = 0x06
	SenseKeyDataProtect   = 0x07

	AscWriteProtected        = 0x27
	AscMediumMayHaveChanged  = 0x28
)

// SCSI command operation codes the adapter recognizes beyond the dedicated
// callbacks.
const (
	scsiCmdFormatUnit     = 0x04
	scsiCmdModeSelect6    = 0x15
	scsiCmdBlank          = 0x19
	scsiCmdUnmap          = 0x42
	scsiCmdModeSelect10   = 0x55
	scsiCmdModeSense10    = 0x5a
	scsiCmdWrite12        = 0xaa
	scsiCmdWrite16        = 0x8a
)

// Sense is a SCSI sense triple. It doubles as the error an adapter method
// returns when the command must fail with CHECK CONDITION.
type Sense struct {
	Key  byte
	Asc  byte
	Ascq byte
}

// Error describes the sense condition.
func (s Sense) Error() string {
	return fmt.Sprintf("scsi sense (0x%02x/0x%02x/0x%02x)", s.Key, s.Asc, s.Ascq)
}

var (
	senseWriteProtected = Sense{SenseKeyDataProtect, AscWriteProtected, 0x00}
	senseMediumChanged  = Sense{SenseKeyUnitAttention, AscMediumMayHaveChanged, 0x00}
)

// Transport is the electrical side of the USB connection, used only for the
// hard contents-changed path that forces a full re-enumeration.
type Transport interface {
	Disconnect()
	Connect()
}

// AdapterConfig parameterizes the SCSI-facing identity and the
// Unit-Attention pacing.
type AdapterConfig struct {
	// VendorID (8), ProductID (16), and ProductRevision (4) are the INQUIRY
	// strings, space-padded to their fixed widths.
	VendorID        string
	ProductID       string
	ProductRevision string

	// UAMinimumDelay is the least time between two Unit-Attention
	// CHECK CONDITIONs for contents changes.
	UAMinimumDelay time.Duration

	// Transport, when present, enables the hard-reset path.
	Transport Transport

	// DisconnectTime is how long to stay electrically disconnected during a
	// hard reset so the host notices.
	DisconnectTime time.Duration
}

// DefaultAdapterConfig returns the stock identity and pacing.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		VendorID:        "VirtDisk",
		ProductID:       "Virtual MSC Disk",
		ProductRevision: "1.0 ",
		UAMinimumDelay:  500 * time.Millisecond,
		DisconnectTime:  3 * time.Millisecond,
	}
}

// Adapter glues the synthesized volume to a USB MSC transport: READ10 goes
// to the dispatcher, every write path reports a write-protected medium, and
// contents changes surface as Unit Attention.
type Adapter struct {
	vol *Volume
	cfg AdapterConfig

	sense    Sense
	hasSense bool

	contentsChanged bool
	preventPending  bool

	lastUnitAttention time.Time

	now func() time.Time
}

// NewAdapter wires an adapter to the volume. The volume's contents-changed
// hook is pointed at the adapter.
func NewAdapter(vol *Volume, cfg AdapterConfig) *Adapter {
	a := &Adapter{
		vol: vol,
		cfg: cfg,
		now: time.Now,
	}

	vol.onContentsChanged = a.ContentsChanged

	return a
}

func (a *Adapter) setSense(sense Sense) {
	a.sense = sense
	a.hasSense = true
}

// RequestSense returns the pending sense triple and clears it, mirroring the
// autosense handoff.
func (a *Adapter) RequestSense() (Sense, bool) {
	sense := a.sense
	has := a.hasSense

	a.sense = Sense{}
	a.hasSense = false

	return sense, has
}

// Read10 services one READ10 slice through the LBA dispatcher. The offset
// may be sub-sector when the transport buffers less than a full sector.
func (a *Adapter) Read10(lba, offset uint32, buf []byte) int {
	return a.vol.Read(lba, offset, buf)
}

// InquiryStrings returns the vendor, product, and revision identity, padded
// to the fixed INQUIRY field widths.
func (a *Adapter) InquiryStrings() (vendor, product, revision string) {
	pad := func(s string, width int) string {
		for len(s) < width {
			s += " "
		}

		return s[:width]
	}

	return pad(a.cfg.VendorID, 8), pad(a.cfg.ProductID, 16), pad(a.cfg.ProductRevision, 4)
}

// WriteProtected reports the write-protect bit for INQUIRY and the
// is-writable query. Always true.
func (a *Adapter) WriteProtected() bool {
	return true
}

// Capacity returns the READ CAPACITY response values.
func (a *Adapter) Capacity() (blockCount uint32, blockSize uint16) {
	return a.vol.SectorCount(), SectorSize
}

// ModeSense10 returns the eight-byte Mode Parameter Header: data length six
// (big-endian), the write-protect bit in the device-specific parameter, and
// no block descriptors.
func (a *Adapter) ModeSense10() [8]byte {
	var resp [8]byte

	binary.BigEndian.PutUint16(resp[0:], uint16(len(resp)-2))
	resp[3] = 0x80

	return resp
}

// TestUnitReady reports ready, except that a pending contents change (paced
// by UAMinimumDelay) surfaces exactly once as CHECK CONDITION with
// UNIT ATTENTION / MEDIUM MAY HAVE CHANGED.
func (a *Adapter) TestUnitReady() error {
	if a.contentsChanged {
		now := a.now()

		if a.lastUnitAttention.IsZero() || now.Sub(a.lastUnitAttention) >= a.cfg.UAMinimumDelay {
			a.contentsChanged = false
			a.lastUnitAttention = now

			a.setSense(senseMediumChanged)

			return senseMediumChanged
		}
	}

	return nil
}

// PreventAllowMediumRemoval fails on the first prevent request after a
// contents change, forcing the host to treat the medium as newly inserted;
// it succeeds after that.
func (a *Adapter) PreventAllowMediumRemoval(prevent bool) error {
	if prevent && a.preventPending {
		a.preventPending = false

		a.setSense(senseMediumChanged)

		return senseMediumChanged
	}

	return nil
}

// Write10 rejects host writes: the volume is immutable and the command fails
// with DATA PROTECT / WRITE PROTECTED.
func (a *Adapter) Write10(lba, offset uint32, data []byte) (int, error) {
	a.setSense(senseWriteProtected)

	return 0, senseWriteProtected
}

// Command handles the transparent SCSI commands that do not have dedicated
// callbacks. Medium-altering commands fail write-protected; MODE SENSE (10)
// returns its header; anything else is unrecognized.
func (a *Adapter) Command(cmd []byte, buf []byte) (int, error) {
	if len(cmd) == 0 {
		return 0, ErrUnsupportedCommand
	}

	switch cmd[0] {
	case scsiCmdModeSelect6, scsiCmdModeSelect10, scsiCmdUnmap, scsiCmdFormatUnit,
		scsiCmdBlank, scsiCmdWrite12, scsiCmdWrite16:

		a.setSense(senseWriteProtected)

		return 0, senseWriteProtected

	case scsiCmdModeSense10:
		resp := a.ModeSense10()
		n := copy(buf, resp[:])

		return n, nil
	}

	return 0, ErrUnsupportedCommand
}

// ContentsChanged marks the volume as changed toward the host. A hard reset
// additionally drops the USB connection long enough for the host to see the
// device vanish and re-enumerate it.
func (a *Adapter) ContentsChanged(hardReset bool) {
	a.contentsChanged = true
	a.preventPending = true

	if hardReset && a.cfg.Transport != nil {
		a.cfg.Transport.Disconnect()
		time.Sleep(a.cfg.DisconnectTime)
		a.cfg.Transport.Connect()
	}
}
