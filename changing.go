package virtualdisk

import (
	"fmt"
	"time"
)

// ChangingFileSize is the advertised size of the demo changing file.
const ChangingFileSize = 512

// NewChangingFile returns a dynamic file whose content is regenerated on
// every host read: the uptime since start plus the requested slice bounds.
// It exists to exercise the host's willingness to re-read the disk after a
// media-change notification.
func NewChangingFile(name string, start time.Time, now func() time.Time) *DynamicFile {
	if now == nil {
		now = time.Now
	}

	df := &DynamicFile{
		Name:       name,
		Attributes: AttributeReadOnly,
	}

	df.Content = func(offset int64, buf []byte) int {
		elapsed := now().Sub(start)

		totalSeconds := int(elapsed / time.Second)
		hours := totalSeconds / 3600
		minutes := (totalSeconds / 60) % 60
		seconds := totalSeconds % 60

		line := fmt.Sprintf("%02d:%02d:%02d: off=%d, len=%d\n",
			hours, minutes, seconds, offset, len(buf))

		return copy(buf, line)
	}

	df.sizeBytes = ChangingFileSize

	return df
}
