// Package jitter implements a sequence-ordered reassembly buffer for inbound
// audio frames. Frames arrive out of order and with gaps; the buffer holds a
// short reordering window, discards late arrivals and duplicates, and
// synthesizes concealment frames for gaps detected at read time.
package jitter

import (
	"sync"
	"time"

	"github.com/invorto/voicecore/pkg/audio"
)

const (
	// defaultTargetDelay is the initial target delay before playout.
	defaultTargetDelay = 20 * time.Millisecond

	// defaultMaxDelay is the ceiling the target delay adapts towards under jitter.
	defaultMaxDelay = 80 * time.Millisecond

	// reorderWindow is how far the newest arrival must run ahead of a missing
	// frame before Read treats it as lost, and how far behind the first
	// arrival an earlier frame may be, before any Read, and still be accepted.
	reorderWindow = 10

	// maxConcealed is the maximum number of consecutive synthetic frames
	// emitted for one gap before silence is forced instead.
	maxConcealed = 3
)

// Config tunes a [Buffer].
type Config struct {
	// FrameDuration is the nominal duration represented by one frame, used to
	// pace concealment and to compute the adaptive delay. Required.
	FrameDuration time.Duration

	// MaxDelay caps the adaptive target delay. Defaults to 80ms.
	MaxDelay time.Duration
}

// Stats reports buffer health counters. Safe to read concurrently with a
// running buffer via [Buffer.Stats].
type Stats struct {
	Received   uint64
	Duplicates uint64
	LateDrops  uint64
	Concealed  uint64
	ForcedSilence uint64
}

// Buffer reorders inbound frames by [audio.AudioFrame.Sequence] and exposes
// them to a single reader via [Buffer.Read]. Safe for concurrent use between
// one writer (calling Push) and one reader (calling Read).
type Buffer struct {
	frameDur time.Duration
	maxDelay time.Duration

	mu          sync.Mutex
	pending     map[uint32]audio.AudioFrame
	nextRead    uint32
	haveNext    bool
	highestSeen uint32
	lastFrame   *audio.AudioFrame
	concealed   int
	targetDelay time.Duration
	stats       Stats
}

// New creates an empty [Buffer].
func New(cfg Config) *Buffer {
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &Buffer{
		frameDur:    cfg.FrameDuration,
		maxDelay:    maxDelay,
		pending:     make(map[uint32]audio.AudioFrame),
		targetDelay: defaultTargetDelay,
	}
}

// Push admits a newly arrived frame. Duplicates (by sequence number) are
// dropped silently; frames whose sequence number the reader has already
// passed are dropped as late. Before the first Read, a frame up to the
// reorder window behind the read position moves the read position back
// instead.
func (b *Buffer) Push(f audio.AudioFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Received++

	if !b.haveNext {
		b.nextRead = f.Sequence
		b.haveNext = true
	}

	if f.Sequence < b.nextRead {
		readStarted := b.lastFrame != nil || b.stats.Concealed > 0 || b.stats.ForcedSilence > 0
		if readStarted || b.nextRead-f.Sequence > reorderWindow {
			b.stats.LateDrops++
			return
		}
		b.nextRead = f.Sequence
	}
	if _, dup := b.pending[f.Sequence]; dup {
		b.stats.Duplicates++
		return
	}
	if f.Sequence > b.highestSeen {
		b.highestSeen = f.Sequence
	}

	b.pending[f.Sequence] = f
	b.adaptDelayLocked(f)
}

// Read returns the next frame in sequence order. If the expected frame has
// not arrived but frames beyond the reorder window have, a concealment frame
// is synthesized (or, after maxConcealed consecutive synthetic frames,
// silence is forced). ok is false only when the buffer has nothing to offer
// yet (caller should wait for more Push calls).
func (b *Buffer) Read() (frame audio.AudioFrame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.haveNext {
		return audio.AudioFrame{}, false
	}

	if f, present := b.pending[b.nextRead]; present {
		delete(b.pending, b.nextRead)
		b.nextRead++
		b.concealed = 0
		b.lastFrame = &f
		return f, true
	}

	// Expected frame missing. Wait until the reordering window has been
	// exhausted (a later frame has arrived reorderWindow sequence numbers
	// ahead) before treating this as a confirmed gap rather than a frame
	// that simply hasn't arrived yet.
	if b.highestSeen < b.nextRead || b.highestSeen-b.nextRead < reorderWindow {
		return audio.AudioFrame{}, false
	}

	b.nextRead++
	if b.concealed >= maxConcealed {
		b.stats.ForcedSilence++
		return b.silenceFrame(), true
	}
	b.concealed++
	b.stats.Concealed++
	return b.concealmentFrame(), true
}

// silenceFrame returns a zeroed frame matching the last known frame's format.
func (b *Buffer) silenceFrame() audio.AudioFrame {
	if b.lastFrame == nil {
		return audio.AudioFrame{Synthetic: true}
	}
	data := make([]byte, len(b.lastFrame.Data))
	return audio.AudioFrame{
		Data:       data,
		SampleRate: b.lastFrame.SampleRate,
		Channels:   b.lastFrame.Channels,
		Synthetic:  true,
	}
}

// concealmentFrame repeats the tail of the last frame with a linear fade to
// silence, proportional to how many consecutive synthetic frames precede it.
func (b *Buffer) concealmentFrame() audio.AudioFrame {
	if b.lastFrame == nil {
		return audio.AudioFrame{Synthetic: true}
	}
	src := b.lastFrame.Data
	out := make([]byte, len(src))
	copy(out, src)

	// fade: 1.0 on the first concealed frame, decreasing linearly to 0 by
	// maxConcealed. Applied per 16-bit little-endian sample.
	fade := 1.0 - float64(b.concealed-1)/float64(maxConcealed)
	if fade < 0 {
		fade = 0
	}
	for i := 0; i+1 < len(out); i += 2 {
		sample := int16(uint16(out[i]) | uint16(out[i+1])<<8)
		scaled := int16(float64(sample) * fade)
		out[i] = byte(uint16(scaled))
		out[i+1] = byte(uint16(scaled) >> 8)
	}

	return audio.AudioFrame{
		Data:       out,
		SampleRate: b.lastFrame.SampleRate,
		Channels:   b.lastFrame.Channels,
		Synthetic:  true,
	}
}

// adaptDelayLocked raises the target delay when frames arrive out of order
// (observed jitter) and gradually lowers it otherwise. Must be called with
// b.mu held.
func (b *Buffer) adaptDelayLocked(f audio.AudioFrame) {
	if f.Sequence < b.highestSeen {
		// Arrived out of order relative to the newest frame seen: raise delay.
		b.targetDelay += b.frameDur
		if b.targetDelay > b.maxDelay {
			b.targetDelay = b.maxDelay
		}
		return
	}
	// Stable arrival: relax the delay back towards the floor.
	if b.targetDelay > defaultTargetDelay {
		b.targetDelay -= b.frameDur / 4
		if b.targetDelay < defaultTargetDelay {
			b.targetDelay = defaultTargetDelay
		}
	}
}

// TargetDelay returns the buffer's current adaptive target delay.
func (b *Buffer) TargetDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.targetDelay
}

// Stats returns a snapshot of the buffer's health counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
