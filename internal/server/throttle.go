package server

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize caps how many bytes a single Write call drains from the
// token bucket before waiting again.
const maxBurstSize = 256 * 1024

// ThrottledWriter is an io.Writer with token-bucket rate limiting, used to
// cap how fast a primary fans replicated writes out to one replica so a
// single large SET/XADD burst cannot saturate a slow link.
type ThrottledWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewThrottledWriter wraps w with a rate limit of bytesPerSec bytes/second.
// bytesPerSec <= 0 returns w unwrapped, matching the zero-means-unthrottled
// convention used by --replica-rate-limit-bytes.
func NewThrottledWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}

	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}

	return &ThrottledWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

// Write drains the rate limiter before writing, splitting writes larger
// than the burst size into chunks so tokens are consumed gradually.
func (tw *ThrottledWriter) Write(p []byte) (int, error) {
	totalWritten := 0

	for len(p) > 0 {
		chunk := len(p)
		if chunk > tw.limiter.Burst() {
			chunk = tw.limiter.Burst()
		}

		if err := tw.limiter.WaitN(tw.ctx, chunk); err != nil {
			return totalWritten, err
		}

		n, err := tw.w.Write(p[:chunk])
		totalWritten += n
		if err != nil {
			return totalWritten, err
		}

		p = p[n:]
	}

	return totalWritten, nil
}
