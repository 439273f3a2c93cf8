package virtualdisk

import (
	"reflect"
	"time"

	"github.com/dsoprea/go-logging"
)

// LogConfig parameterizes the standard-output virtual files.
type LogConfig struct {
	FileName     string
	TailFileName string

	// RingCapacity bounds the live window of the log stream.
	RingCapacity int

	// MinimumUnread is how many unread bytes must accumulate before a
	// media-change notification is considered.
	MinimumUnread uint64

	// ReadIdleDelay notifies immediately when the host has not read for this
	// long; Timeout bounds how long pending bytes may sit before a
	// notification is forced.
	ReadIdleDelay time.Duration
	Timeout       time.Duration

	// EndpointBufferSize is the USB endpoint granularity the tail window is
	// rounded to.
	EndpointBufferSize uint64

	// MaxSizeBytes is the cluster reservation for each of the two files.
	MaxSizeBytes uint64
}

// DefaultLogConfig returns the stock thresholds.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		FileName:           "STDOUT.TXT",
		TailFileName:       "STDOUT-TAIL.TXT",
		RingCapacity:       4 * 1024,
		MinimumUnread:      128,
		ReadIdleDelay:      10 * time.Second,
		Timeout:            30 * time.Second,
		EndpointBufferSize: 64,
		MaxSizeBytes:       10 * 1024 * 1024,
	}
}

// LogFiles surfaces the log stream as two host-visible files: the full log
// (classic growing file) and a tail window holding the oldest unread
// endpoint-aligned chunk. Writes into the ring drive media-change
// notifications toward the host.
type LogFiles struct {
	vol  *Volume
	ring *Ring
	cfg  LogConfig

	full *DynamicFile
	tail *DynamicFile

	tailTotalRead uint64
	lastReadTime  time.Time
	uaPending     int

	windowStart uint64
	windowSize  uint64

	timeoutTimer *time.Timer

	now func() time.Time
}

// NewLogFiles registers the two files on the volume and installs the ring
// write hook. Registration raises no notification; call
// Volume.ContentsChanged once bring-up is done.
func NewLogFiles(vol *Volume, cfg LogConfig) (lf *LogFiles, err error) {
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

	lf = &LogFiles{
		vol:  vol,
		ring: NewRing(cfg.RingCapacity),
		cfg:  cfg,
		now:  time.Now,
	}

	lf.full = &DynamicFile{
		Name:    cfg.FileName,
		Content: lf.readFull,
	}

	lf.tail = &DynamicFile{
		Name:    cfg.TailFileName,
		Content: lf.readTail,
	}

	err = vol.AddFile(lf.full, cfg.MaxSizeBytes)
	log.PanicIf(err)

	err = vol.AddFile(lf.tail, cfg.MaxSizeBytes)
	log.PanicIf(err)

	lf.ring.SetNotify(lf.onRingWrite)

	return lf, nil
}

// Ring exposes the backing stream for the platform's output driver to write
// into.
func (lf *LogFiles) Ring() *Ring {
	return lf.ring
}

// readFull serves the growing log file. Offsets that have fallen out of the
// ring window read as zeros.
func (lf *LogFiles) readFull(offset int64, buf []byte) int {
	fill(buf, 0)
	lf.ring.ReadAt(uint64(offset), buf)

	return len(buf)
}

// readTail serves the tail window. A read marks bytes as consumed up to its
// end, which feeds the notification policy.
func (lf *LogFiles) readTail(offset int64, buf []byte) int {
	lf.lastReadTime = lf.now()

	if uint64(offset) >= lf.windowSize {
		fill(buf, 0)
		return len(buf)
	}

	toCopy := uint64(len(buf))
	if uint64(offset)+toCopy > lf.windowSize {
		toCopy = lf.windowSize - uint64(offset)
	}

	highWater := lf.windowStart + uint64(offset) + toCopy
	if highWater > lf.tailTotalRead {
		lf.tailTotalRead = highWater
	}

	fill(buf, 0)
	lf.ring.ReadAt(lf.windowStart+uint64(offset), buf[:toCopy])

	return len(buf)
}

// onRingWrite decides whether landing bytes warrant a notification: at once
// when the host has been idle past ReadIdleDelay and no notification has
// been raised yet, otherwise on a timeout that bounds how long unread bytes
// can sit. The pending-notification count is never reset, so every
// notification after the first goes through the timeout.
func (lf *LogFiles) onRingWrite(bytesWritten, totalWritten uint64) {
	unread := totalWritten - lf.tailTotalRead
	if unread <= lf.cfg.MinimumUnread {
		return
	}

	if lf.uaPending == 0 && lf.now().Sub(lf.lastReadTime) >= lf.cfg.ReadIdleDelay {
		lf.notifyFilesChanged(totalWritten)
		return
	}

	if lf.timeoutTimer == nil {
		lf.timeoutTimer = time.AfterFunc(lf.cfg.Timeout, func() {
			lf.notifyFilesChanged(lf.ring.TotalWritten())
			lf.timeoutTimer = nil
		})
	}
}

// notifyFilesChanged slides the tail window over the oldest unread
// endpoint-aligned chunk, refreshes both advertised sizes, and (through the
// size updates) raises the media-change notification.
func (lf *LogFiles) notifyFilesChanged(totalWritten uint64) {
	unread := totalWritten - lf.tailTotalRead
	rounded := unread / lf.cfg.EndpointBufferSize * lf.cfg.EndpointBufferSize

	lf.windowStart = lf.tailTotalRead
	lf.windowSize = rounded

	lf.vol.UpdateFile(lf.tail, rounded)
	lf.vol.UpdateFile(lf.full, totalWritten)

	lf.uaPending++
}
