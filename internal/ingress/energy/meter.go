// Package energy computes per-frame loudness and derives a voice-activity
// confidence signal with hysteresis, wrapping a [vad.SessionHandle] capability
// for the underlying model-based detection.
package energy

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/invorto/voicecore/pkg/provider/vad"
)

const (
	// noiseFloorAlpha is the exponential-moving-average weight applied to each
	// new frame's RMS when updating the noise floor estimate.
	noiseFloorAlpha = 0.05

	// defaultSpeechOnMargin and defaultSpeechOffMargin are the dBFS margins
	// above the noise floor required to declare speech-on / speech-off,
	// applied with hysteresis so energy hovering near one threshold does not
	// flap the VAD state.
	defaultSpeechOnMargin  = 12.0
	defaultSpeechOffMargin = 6.0

	// updateThrottle bounds how often vad.update events are emitted.
	updateThrottle = 100 * time.Millisecond
)

// Update is the throttled vad.update event emitted by a [Meter].
type Update struct {
	RMSDBFS    float64
	NoiseFloor float64
	Confidence float64
	Speech     bool
}

// Config tunes a [Meter].
type Config struct {
	// VAD is the optional model-based detector consulted alongside the RMS
	// heuristic. If nil, the meter relies solely on energy + hysteresis.
	VAD vad.SessionHandle

	// SpeechOnMargin/SpeechOffMargin are the dBFS margins above the noise
	// floor required to flip speech state, in each direction. Defaults are
	// used when zero.
	SpeechOnMargin  float64
	SpeechOffMargin float64

	// InitialNoiseFloor seeds the adaptive noise floor estimate in dBFS
	// instead of letting the first frame set it, useful when the calling
	// environment (e.g. known telephony codec) has a characterised floor.
	// Zero means "let the first frame set it".
	InitialNoiseFloor float64
}

// Meter computes RMS energy per frame, maintains an adaptive noise floor, and
// derives a VAD confidence in [0,1]. Not safe for concurrent use — one Meter
// per audio stream.
type Meter struct {
	vadSession vad.SessionHandle
	onMargin   float64
	offMargin  float64

	noiseFloor  float64
	initialized bool
	speaking    bool
	lastEmit    time.Time
}

// New creates a [Meter].
func New(cfg Config) *Meter {
	on := cfg.SpeechOnMargin
	if on <= 0 {
		on = defaultSpeechOnMargin
	}
	off := cfg.SpeechOffMargin
	if off <= 0 {
		off = defaultSpeechOffMargin
	}
	m := &Meter{
		vadSession: cfg.VAD,
		onMargin:   on,
		offMargin:  off,
	}
	if cfg.InitialNoiseFloor != 0 {
		m.noiseFloor = cfg.InitialNoiseFloor
		m.initialized = true
	}
	return m
}

// Process analyses one PCM16 little-endian mono frame and returns the
// resulting update, along with whether the update should be emitted given the
// throttle window (callers processing at frame rate should check emit before
// publishing a vad.update timeline event, but should always use Confidence
// and Speech for pipeline decisions).
func (m *Meter) Process(frame []byte) (update Update, emit bool) {
	rms := rmsDBFS(frame)

	if !m.initialized {
		m.noiseFloor = rms
		m.initialized = true
	} else if !m.speaking {
		// Only adapt the floor while not speaking, so a sustained voice
		// segment doesn't drag the floor up towards itself.
		m.noiseFloor += noiseFloorAlpha * (rms - m.noiseFloor)
	}

	margin := rms - m.noiseFloor
	switch {
	case !m.speaking && margin >= m.onMargin:
		m.speaking = true
	case m.speaking && margin < m.offMargin:
		m.speaking = false
	}

	confidence := confidenceFromMargin(margin, m.onMargin)
	if m.vadSession != nil {
		if ev, err := m.vadSession.ProcessFrame(frame); err == nil {
			confidence = blendConfidence(confidence, modelConfidence(ev))
		}
	}

	u := Update{
		RMSDBFS:    rms,
		NoiseFloor: m.noiseFloor,
		Confidence: confidence,
		Speech:     m.speaking,
	}

	now := time.Now()
	if now.Sub(m.lastEmit) >= updateThrottle {
		m.lastEmit = now
		emit = true
	}
	return u, emit
}

// Reset clears accumulated state (noise floor, speaking flag) and the
// underlying model session, if any. Use when the stream restarts.
func (m *Meter) Reset() {
	m.initialized = false
	m.speaking = false
	if m.vadSession != nil {
		m.vadSession.Reset()
	}
}

// rmsDBFS computes the RMS level of a PCM16 little-endian mono frame in dBFS
// (0 dBFS = full scale).
func rmsDBFS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return -120 // effectively silent
	}
	var sumSquares float64
	for i := 0; i+1 < len(frame); i += 2 {
		s := int16(binary.LittleEndian.Uint16(frame[i : i+2]))
		norm := float64(s) / 32768.0
		sumSquares += norm * norm
	}
	rms := math.Sqrt(sumSquares / float64(n))
	if rms <= 0 {
		return -120
	}
	return 20 * math.Log10(rms)
}

// confidenceFromMargin maps an energy margin (dB above the noise floor) onto
// [0,1], saturating at onMargin.
func confidenceFromMargin(margin, onMargin float64) float64 {
	if onMargin <= 0 {
		return 0
	}
	c := margin / onMargin
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// modelConfidence maps a vad.VADEvent onto [0,1].
func modelConfidence(ev vad.VADEvent) float64 {
	switch ev.Type {
	case vad.VADSpeechStart, vad.VADSpeechContinue:
		return math.Max(ev.Probability, 0.5)
	default:
		return ev.Probability
	}
}

// blendConfidence averages the energy-based and model-based confidences,
// weighting the model higher since it accounts for spectral shape rather
// than raw loudness alone.
func blendConfidence(energyConf, modelConf float64) float64 {
	return energyConf*0.35 + modelConf*0.65
}
