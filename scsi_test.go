package virtualdisk

import (
	"bytes"
	"testing"
	"time"
)

func newTestAdapter(t *testing.T) (*Volume, *Adapter, *time.Time) {
	volume := newTestVolume(t)

	adapter := NewAdapter(volume, DefaultAdapterConfig())

	now := time.Unix(1000, 0)
	adapter.now = func() time.Time {
		return now
	}

	return volume, adapter, &now
}

func TestAdapter_WriteRejected(t *testing.T) {
	volume, adapter, _ := newTestAdapter(t)

	before := make([]byte, SectorSize)
	volume.Read(0, 0, before)

	n, err := adapter.Write10(0, 0, []byte{1, 2, 3, 4})

	sense, ok := err.(Sense)
	if n != 0 || ok == false {
		t.Fatalf("write not rejected: (%d) %v", n, err)
	}

	if sense.Key != SenseKeyDataProtect || sense.Asc != AscWriteProtected || sense.Ascq != 0 {
		t.Fatalf("write sense not correct: %v", sense)
	}

	// REQUEST SENSE reports the same triple, once.
	pending, has := adapter.RequestSense()
	if has == false || pending != sense {
		t.Fatalf("pending sense not correct: %v", pending)
	}

	if _, has := adapter.RequestSense(); has == true {
		t.Fatalf("sense not cleared")
	}

	// The volume is unchanged.
	after := make([]byte, SectorSize)
	adapter.Read10(0, 0, after)

	if bytes.Equal(before, after) != true {
		t.Fatalf("write changed the volume")
	}
}

func TestAdapter_MediumAlteringCommandsRejected(t *testing.T) {
	_, adapter, _ := newTestAdapter(t)

	for _, opcode := range []byte{
		scsiCmdModeSelect6, scsiCmdModeSelect10, scsiCmdUnmap,
		scsiCmdFormatUnit, scsiCmdBlank, scsiCmdWrite12, scsiCmdWrite16,
	} {
		cmd := make([]byte, 16)
		cmd[0] = opcode

		_, err := adapter.Command(cmd, nil)

		sense, ok := err.(Sense)
		if ok == false || sense != senseWriteProtected {
			t.Fatalf("opcode (0x%02x) not rejected write-protected: %v", opcode, err)
		}
	}
}

func TestAdapter_ModeSense10(t *testing.T) {
	_, adapter, _ := newTestAdapter(t)

	resp := adapter.ModeSense10()

	// Mode Data Length = 6, big-endian.
	if resp[0] != 0 || resp[1] != 6 {
		t.Fatalf("mode data-length not correct: %x", resp[:2])
	}

	// Device-specific parameter carries the write-protect bit.
	if resp[3] != 0x80 {
		t.Fatalf("device-specific parameter not correct: (0x%02x)", resp[3])
	}

	// Block-descriptor length is zero.
	if resp[6] != 0 || resp[7] != 0 {
		t.Fatalf("block-descriptor length not correct")
	}

	// The generic command path returns the same header.
	cmd := make([]byte, 16)
	cmd[0] = scsiCmdModeSense10

	buf := make([]byte, 8)
	n, err := adapter.Command(cmd, buf)

	if err != nil || n != 8 || bytes.Equal(buf, resp[:]) != true {
		t.Fatalf("mode-sense command path not correct: (%d) %v", n, err)
	}
}

func TestAdapter_Capacity(t *testing.T) {
	volume, adapter, _ := newTestAdapter(t)

	blockCount, blockSize := adapter.Capacity()

	if blockCount != volume.SectorCount() || blockSize != SectorSize {
		t.Fatalf("capacity not correct: (%d) (%d)", blockCount, blockSize)
	}
}

func TestAdapter_InquiryStrings(t *testing.T) {
	_, adapter, _ := newTestAdapter(t)

	vendor, product, revision := adapter.InquiryStrings()

	if len(vendor) != 8 || len(product) != 16 || len(revision) != 4 {
		t.Fatalf("inquiry string widths not correct: (%d) (%d) (%d)", len(vendor), len(product), len(revision))
	}

	if vendor != "VirtDisk" || revision != "1.0 " {
		t.Fatalf("inquiry identity not correct: [%s] [%s]", vendor, revision)
	}

	if adapter.WriteProtected() != true {
		t.Fatalf("medium not write-protected")
	}
}

func TestAdapter_UnitAttentionPulse(t *testing.T) {
	volume, adapter, _ := newTestAdapter(t)

	// Ready while nothing changed.
	if err := adapter.TestUnitReady(); err != nil {
		t.Fatalf("unit not ready: %v", err)
	}

	volume.ContentsChanged(false)

	err := adapter.TestUnitReady()

	sense, ok := err.(Sense)
	if ok == false || sense != senseMediumChanged {
		t.Fatalf("unit-attention not raised: %v", err)
	}

	// Exactly once.
	if err := adapter.TestUnitReady(); err != nil {
		t.Fatalf("unit-attention repeated: %v", err)
	}
}

func TestAdapter_UnitAttentionPacing(t *testing.T) {
	volume, adapter, now := newTestAdapter(t)

	volume.ContentsChanged(false)

	if err := adapter.TestUnitReady(); err == nil {
		t.Fatalf("first unit-attention missing")
	}

	// A change arriving immediately after is held back until the minimum
	// delay has elapsed.
	volume.ContentsChanged(false)

	if err := adapter.TestUnitReady(); err != nil {
		t.Fatalf("unit-attention not paced: %v", err)
	}

	*now = now.Add(DefaultAdapterConfig().UAMinimumDelay)

	if err := adapter.TestUnitReady(); err == nil {
		t.Fatalf("paced unit-attention never surfaced")
	}
}

func TestAdapter_PreventRemovalFailsOnceAfterChange(t *testing.T) {
	volume, adapter, _ := newTestAdapter(t)

	if err := adapter.PreventAllowMediumRemoval(true); err != nil {
		t.Fatalf("prevent failed without a change: %v", err)
	}

	volume.ContentsChanged(false)

	if err := adapter.PreventAllowMediumRemoval(true); err == nil {
		t.Fatalf("first prevent after change did not fail")
	}

	if err := adapter.PreventAllowMediumRemoval(true); err != nil {
		t.Fatalf("second prevent failed: %v", err)
	}
}

type recordingTransport struct {
	events []string
}

func (rt *recordingTransport) Disconnect() {
	rt.events = append(rt.events, "disconnect")
}

func (rt *recordingTransport) Connect() {
	rt.events = append(rt.events, "connect")
}

func TestAdapter_HardResetDropsConnection(t *testing.T) {
	volume := newTestVolume(t)

	transport := new(recordingTransport)

	cfg := DefaultAdapterConfig()
	cfg.Transport = transport
	cfg.DisconnectTime = time.Millisecond

	adapter := NewAdapter(volume, cfg)

	volume.ContentsChanged(true)

	if len(transport.events) != 2 || transport.events[0] != "disconnect" || transport.events[1] != "connect" {
		t.Fatalf("hard reset sequence not correct: %v", transport.events)
	}

	if adapter.contentsChanged != true {
		t.Fatalf("change flag not set")
	}
}

func TestAdapter_UnsupportedCommand(t *testing.T) {
	_, adapter, _ := newTestAdapter(t)

	cmd := make([]byte, 16)
	cmd[0] = 0x12 // INQUIRY is served by the dedicated callback.

	_, err := adapter.Command(cmd, nil)
	if err != ErrUnsupportedCommand {
		t.Fatalf("unexpected handling: %v", err)
	}
}
