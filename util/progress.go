package util

import (
	"fmt"
	"io"

	"github.com/mitchellh/ioprogress"
)

// NewProgressReader wraps reader and draws the number of bytes read to w. size
// is the expected total, or 0 if unknown.
func NewProgressReader(reader io.Reader, size int64, w io.Writer) io.Reader {
	return &ioprogress.Reader{
		Reader:   reader,
		Size:     size,
		DrawFunc: ioprogress.DrawTerminalf(w, formatProgress),
	}
}

func formatProgress(progress, total int64) string {
	if total > 0 {
		return fmt.Sprintf("%s / %s", FormatSize(progress), FormatSize(total))
	}
	return FormatSize(progress)
}
