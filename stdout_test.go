package virtualdisk

import (
	"bytes"
	"testing"
	"time"
)

func newTestLogFiles(t *testing.T) (*Volume, *Adapter, *LogFiles, *time.Time) {
	volume := newTestVolume(t)
	adapter := NewAdapter(volume, DefaultAdapterConfig())

	cfg := DefaultLogConfig()
	cfg.RingCapacity = 256
	cfg.MinimumUnread = 16
	cfg.EndpointBufferSize = 64

	lf, err := NewLogFiles(volume, cfg)
	if err != nil {
		t.Fatalf("log-files construction failed: %v", err)
	}

	now := time.Unix(5000, 0)
	lf.now = func() time.Time {
		return now
	}

	return volume, adapter, lf, &now
}

func TestLogFiles_RegistersBothFiles(t *testing.T) {
	volume, _, lf, _ := newTestLogFiles(t)

	vn := NewVolumeNavigator(volume)

	files, err := vn.ListFiles()
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}

	found := map[string]bool{}
	for _, listing := range files {
		found[listing.Name] = true
	}

	if found[lf.cfg.FileName] != true || found[lf.cfg.TailFileName] != true {
		t.Fatalf("log files not listed: %v", found)
	}
}

func TestLogFiles_ImmediateNotifyWhenHostIdle(t *testing.T) {
	_, adapter, lf, _ := newTestLogFiles(t)

	// The host has never read; the idle-delay condition holds as soon as the
	// minimum amount of unread bytes accumulates.
	lf.ring.Write(bytes.Repeat([]byte("x"), 100))

	if lf.uaPending != 1 {
		t.Fatalf("notification not raised: (%d)", lf.uaPending)
	}

	// Window: 100 unread, rounded down to the endpoint granularity.
	if lf.windowStart != 0 || lf.windowSize != 64 {
		t.Fatalf("window not correct: (%d) (%d)", lf.windowStart, lf.windowSize)
	}

	if lf.tail.Size() != 64 || lf.full.Size() != 100 {
		t.Fatalf("advertised sizes not correct: (%d) (%d)", lf.tail.Size(), lf.full.Size())
	}

	// The size updates surfaced as a pending media change.
	if adapter.contentsChanged != true {
		t.Fatalf("media change not signalled")
	}
}

func TestLogFiles_BelowThresholdStaysQuiet(t *testing.T) {
	_, adapter, lf, _ := newTestLogFiles(t)

	lf.ring.Write([]byte("0123456789"))

	if lf.uaPending != 0 || adapter.contentsChanged != false {
		t.Fatalf("notification raised below threshold")
	}
}

func TestLogFiles_TailWindowRead(t *testing.T) {
	_, _, lf, _ := newTestLogFiles(t)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 8) // 128 bytes
	lf.ring.Write(payload)

	if lf.windowSize != 128 {
		t.Fatalf("window size not correct: (%d)", lf.windowSize)
	}

	buf := make([]byte, 64)
	n := lf.readTail(0, buf)

	if n != 64 || bytes.Equal(buf, payload[:64]) != true {
		t.Fatalf("tail read not correct: (%d)", n)
	}

	// The read advanced the high-water mark.
	if lf.tailTotalRead != 64 {
		t.Fatalf("high-water not correct: (%d)", lf.tailTotalRead)
	}

	// Reads past the window produce zeros.
	fill(buf, 0xcc)
	lf.readTail(int64(lf.windowSize), buf)

	for i := range buf {
		if buf[i] != 0 {
			t.Fatalf("past-window tail byte not zero at (%d)", i)
		}
	}
}

func TestLogFiles_FullLogHolesReadZero(t *testing.T) {
	_, _, lf, _ := newTestLogFiles(t)

	// Overflow the 256-byte ring so early offsets fall out of the window.
	payload := bytes.Repeat([]byte("z"), 300)
	lf.ring.Write(payload)

	buf := make([]byte, 32)
	fill(buf, 0xcc)

	n := lf.readFull(0, buf)

	if n != len(buf) {
		t.Fatalf("full-log read length not correct: (%d)", n)
	}

	for i := range buf {
		if buf[i] != 0 {
			t.Fatalf("hole byte not zero at (%d)", i)
		}
	}

	// Offsets inside the window read the stream.
	lf.readFull(100, buf)

	for i := range buf {
		if buf[i] != 'z' {
			t.Fatalf("windowed byte not correct at (%d)", i)
		}
	}
}

func TestLogFiles_RecentReadDefersNotification(t *testing.T) {
	_, _, lf, now := newTestLogFiles(t)

	// Drain what is pending, then mark a fresh host read.
	lf.readTail(0, make([]byte, 1))

	lf.lastReadTime = *now

	lf.ring.Write(bytes.Repeat([]byte("y"), 100))

	// The host read recently and the timeout path is armed instead of an
	// immediate notification.
	if lf.uaPending != 0 {
		t.Fatalf("notification raised while host active")
	}

	if lf.timeoutTimer == nil {
		t.Fatalf("timeout not armed")
	}

	lf.timeoutTimer.Stop()
	lf.timeoutTimer = nil

	// Once the host has been idle long enough, the next write notifies
	// directly.
	*now = now.Add(lf.cfg.ReadIdleDelay)

	lf.ring.Write([]byte("more"))

	if lf.uaPending != 1 {
		t.Fatalf("idle notification missing: (%d)", lf.uaPending)
	}
}
