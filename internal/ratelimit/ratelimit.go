// Package ratelimit provides a stdlib-only token bucket limiter for
// throttling FTP data-channel throughput, shared by every transfer.Controller
// a session creates and by the server-wide and per-user bandwidth caps
// WithBandwidthLimit configures.
package ratelimit

import (
	"context"
	"io"
	"sync"
	"time"
)

// Limiter is a token bucket: tokens accrue at rate bytes/sec up to a one-
// second burst, and every Read/Write chunk must first "buy" its byte count
// from the bucket. A nil *Limiter is a valid, always-unlimited limiter —
// every method on it is a no-op — so callers never need a separate
// "limiting enabled" check.
type Limiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// New builds a Limiter capped at bytesPerSecond, with burst capacity equal
// to one second of data. bytesPerSecond <= 0 returns nil, the sentinel for
// "no limit", rather than a Limiter that blocks everything.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}

	rate := float64(bytesPerSecond)
	return &Limiter{
		rate:       rate,
		burst:      rate,
		tokens:     rate,
		lastUpdate: time.Now(),
	}
}

// refill adds tokens for the time elapsed since the last update, capped at
// burst. Caller holds rl.mu.
func (rl *Limiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastUpdate).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastUpdate = now
}

// wait blocks until n tokens are available or ctx is cancelled, whichever
// comes first. A request larger than the burst is bought one burst at a
// time, since the bucket never holds more than burst tokens. The wait is
// split into sub-second slices so a cancellation (an ABOR closing the
// transfer's context) is observed within one slice instead of after a
// single up-to-one-second sleep.
func (rl *Limiter) wait(ctx context.Context, n int) error {
	if rl == nil || n <= 0 {
		return nil
	}

	const maxSlice = 200 * time.Millisecond
	remaining := float64(n)

	for remaining > 0 {
		tokensNeeded := remaining
		if tokensNeeded > rl.burst {
			tokensNeeded = rl.burst
		}
		rl.mu.Lock()
		rl.refill(time.Now())
		if rl.tokens >= tokensNeeded {
			rl.tokens -= tokensNeeded
			remaining -= tokensNeeded
			rl.mu.Unlock()
			continue
		}
		tokensShort := tokensNeeded - rl.tokens
		wait := time.Duration(tokensShort / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		if wait > maxSlice {
			wait = maxSlice
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}

// reader wraps an io.Reader so every Read first buys its chunk size from
// the limiter's bucket.
type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader wraps r so reads are throttled to limiter's rate; a nil
// limiter returns r unchanged. Waits are not cancellable — use
// NewReaderContext from code that needs a rate-limited read to unblock on
// ctx cancellation (e.g. an aborted transfer).
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	return NewReaderContext(context.Background(), r, limiter)
}

// NewReaderContext is NewReader with a ctx threaded into the bucket wait,
// so a cancelled ctx unblocks a throttled Read within one wait slice
// instead of the limiter's own up-to-one-second sleep.
func NewReaderContext(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

const readerChunkSize = 8 * 1024

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	readSize := len(p)
	if readSize > readerChunkSize {
		readSize = readerChunkSize
	}

	if err := r.limiter.wait(r.ctx, readSize); err != nil {
		return 0, err
	}
	return r.r.Read(p[:readSize])
}

// writer wraps an io.Writer so every Write chunk first buys its size from
// the limiter's bucket, applying backpressure before the bytes go out.
type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter wraps w so writes are throttled to limiter's rate; a nil
// limiter returns w unchanged.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	return NewWriterContext(context.Background(), w, limiter)
}

// NewWriterContext is NewWriter with a ctx threaded into the bucket wait;
// see NewReaderContext.
func NewWriterContext(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

const writerChunkSize = 64 * 1024

func (w *writer) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		chunk := len(p) - total
		if chunk > writerChunkSize {
			chunk = writerChunkSize
		}

		if err := w.limiter.wait(w.ctx, chunk); err != nil {
			return total, err
		}

		n, err := w.w.Write(p[total : total+chunk])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
