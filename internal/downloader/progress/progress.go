package progress

import (
	"context"
	"io"
)

// Writer wraps an io.Writer, reports progress via a callback and stops
// writing once its context is done.
type Writer struct {
	ctx            context.Context
	Writer         io.Writer
	Total          int64
	OnProgress     func(written int64, total int64)
	totalWritten   int64 // cumulative total
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

// NewWriter creates a Writer. total may be 0 when the size is unknown.
func NewWriter(ctx context.Context, w io.Writer, total int64, interval int64, cb func(written int64, total int64)) *Writer {
	return &Writer{
		ctx:            ctx,
		Writer:         w,
		Total:          total,
		OnProgress:     cb,
		reportInterval: interval,
	}
}

func (pw *Writer) Write(p []byte) (int, error) {
	if err := pw.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pw.Writer.Write(p)
	if n > 0 {
		pw.totalWritten += int64(n)
		pw.lastReport += int64(n)

		if pw.lastReport >= pw.reportInterval || (pw.Total > 0 && pw.totalWritten*100/pw.Total >= 5 && (pw.totalWritten-int64(n))*100/pw.Total < 5) {
			if pw.OnProgress != nil {
				pw.OnProgress(pw.totalWritten, pw.Total)
			}

			pw.lastReport = 0
		}
	}

	return n, err
}

// Written returns the number of bytes written so far.
func (pw *Writer) Written() int64 {
	return pw.totalWritten
}
