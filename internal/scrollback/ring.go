// Package scrollback implements the per-session bounded scrollback ring
// described in spec.md §4.3: a sequence-numbered log of output frames that
// seeds new clients and survives reconnects, bounded in total bytes.
package scrollback

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// DefaultCapBytes is the default per-session scrollback cap (spec.md §4.3).
const DefaultCapBytes = 1 << 20 // 1 MiB

// frame is one held output chunk.
type frame struct {
	seq       uint64
	data      []byte
	createdAt time.Time
}

// Ring is a bounded, sequence-numbered byte log for one session's output.
// Safe for concurrent use: append and read operations take a short internal
// lock and never block on I/O.
type Ring struct {
	mu           sync.Mutex
	capBytes     int
	frames       []frame
	totalBytes   int
	nextSeq      uint64
	oldestSeq    uint64 // seq of the most recently dropped frame, or 0 if none dropped
	bytesDropped uint64 // monotonic counter, spec.md §4.3
	onDrop       func(droppedBytes int, totalDropped uint64)
}

// Option configures a new Ring.
type Option func(*Ring)

// WithCapBytes overrides the default 1 MiB cap.
func WithCapBytes(n int) Option {
	return func(r *Ring) {
		if n > 0 {
			r.capBytes = n
		}
	}
}

// WithDropCallback installs a callback invoked synchronously whenever
// append() evicts one or more whole frames to stay within the cap. Useful
// for diagnostics (the Mux Channel uses this to emit DataLoss frames).
func WithDropCallback(fn func(droppedBytes int, totalDropped uint64)) Option {
	return func(r *Ring) { r.onDrop = fn }
}

// New creates a Ring with the default 1 MiB cap unless overridden.
func New(opts ...Option) *Ring {
	r := &Ring{capBytes: DefaultCapBytes}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append assigns the next sequence number to data, stores it, and evicts
// the oldest whole frames (never splitting a frame) until total bytes held
// is within the cap. Returns the assigned sequence number.
func (r *Ring) Append(data []byte) uint64 {
	if len(data) == 0 {
		r.mu.Lock()
		seq := r.nextSeq
		r.mu.Unlock()
		return seq
	}

	cp := append([]byte(nil), data...)

	r.mu.Lock()
	r.nextSeq++
	seq := r.nextSeq
	r.frames = append(r.frames, frame{seq: seq, data: cp, createdAt: time.Now()})
	r.totalBytes += len(cp)

	droppedBytes := 0
	for r.totalBytes > r.capBytes && len(r.frames) > 1 {
		evicted := r.frames[0]
		r.frames = r.frames[1:]
		r.totalBytes -= len(evicted.data)
		droppedBytes += len(evicted.data)
		r.oldestSeq = evicted.seq
		r.bytesDropped += uint64(len(evicted.data))
	}
	totalDropped := r.bytesDropped
	onDrop := r.onDrop
	r.mu.Unlock()

	if droppedBytes > 0 && onDrop != nil {
		onDrop(droppedBytes, totalDropped)
	}
	return seq
}

// Snapshot returns a concatenation of all currently held frames plus the
// sequence number of the newest frame (0 if the ring is empty).
func (r *Ring) Snapshot() ([]byte, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, f := range r.frames {
		total += len(f.data)
	}
	out := make([]byte, 0, total)
	for _, f := range r.frames {
		out = append(out, f.data...)
	}
	return out, r.nextSeq
}

// Since returns the concatenation of frames with seq strictly greater than
// since, the new head sequence number, and whether the caller missed data
// (its cursor is older than the oldest frame still held, so eviction has
// moved past it).
func (r *Ring) Since(since uint64) (data []byte, newHead uint64, missed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case since == 0:
		missed = false // a cursor of 0 means "never synced"; not a loss.
	case len(r.frames) > 0:
		missed = since < r.frames[0].seq
	default:
		missed = r.oldestSeq > 0 && since < r.oldestSeq
	}

	total := 0
	startIdx := len(r.frames)
	for i, f := range r.frames {
		if f.seq > since {
			startIdx = i
			break
		}
	}
	for _, f := range r.frames[startIdx:] {
		total += len(f.data)
	}
	out := make([]byte, 0, total)
	for _, f := range r.frames[startIdx:] {
		out = append(out, f.data...)
	}
	return out, r.nextSeq, missed
}

// BytesDropped returns the monotonic count of bytes ever evicted from this
// ring, for diagnostics.
func (r *Ring) BytesDropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesDropped
}

// HumanBytesDropped renders BytesDropped in human-readable form (e.g.
// "1.5 MB") for log lines, following the pack's use of go-humanize for
// diagnostic byte counts.
func (r *Ring) HumanBytesDropped() string {
	return humanize.Bytes(r.BytesDropped())
}
