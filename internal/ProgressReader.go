package internal

import (
	"context"
	"io"
)

// ProgressReader wraps a payload stream. Every Read is a cancellation checkpoint,
// is throttled by the optional limiter, and reports the bytes it returned.
type ProgressReader struct {
	ctx        context.Context
	reader     io.Reader
	limiter    *SpeedLimiter
	onProgress func(n int64)
	read       int64
}

// NewProgressReader creates a reader; limiter and onProgress may be nil
func NewProgressReader(ctx context.Context, r io.Reader, limiter *SpeedLimiter, onProgress func(n int64)) *ProgressReader {
	return &ProgressReader{ctx: ctx, reader: r, limiter: limiter, onProgress: onProgress}
}

// Read implements io.Reader
func (p *ProgressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.reader.Read(b)
	if n > 0 {
		p.read += int64(n)
		if p.onProgress != nil {
			p.onProgress(int64(n))
		}
		if p.limiter != nil {
			if werr := p.limiter.WaitN(p.ctx, n); werr != nil {
				return n, werr
			}
		}
	}
	return n, err
}

// BytesRead returns the total returned by Read so far
func (p *ProgressReader) BytesRead() int64 {
	return p.read
}

// CopyTo copies the stream to dst with the given buffer size
func (p *ProgressReader) CopyTo(dst io.Writer, bufferSize int) (int64, error) {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	return io.CopyBuffer(onlyWriter{dst}, p, make([]byte, bufferSize))
}

// onlyWriter hides ReadFrom so CopyBuffer uses the buffer and the checkpoints
type onlyWriter struct {
	io.Writer
}
