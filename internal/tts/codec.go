package tts

import (
	"encoding/binary"
	"fmt"

	"layeh.com/gopus"
)

// NewCodec builds the [Codec] for enc, sized for a stream sampled at
// sampleRate with the given channel count. PCM16 never needs one and always
// returns the zero-cost passthrough.
func NewCodec(enc Encoding, sampleRate, channels int) (Codec, error) {
	switch enc {
	case Opus:
		return newOpusCodec(sampleRate, channels)
	case Mulaw:
		return mulawCodec{}, nil
	default:
		return pcmPassthrough{}, nil
	}
}

// opusFrameMs is the frame size Egress chunks are expected to align to when
// encoded as Opus, matching the 20ms cadence used throughout the ingress
// pipeline.
const opusFrameMs = 20

// opusCodec encodes little-endian 16-bit PCM into Opus packets for a single
// stream. Not safe for concurrent use, matching one Codec per Egress.
type opusCodec struct {
	enc       *gopus.Encoder
	frameSize int
}

func newOpusCodec(sampleRate, channels int) (Codec, error) {
	if channels <= 0 {
		channels = 1
	}
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("tts: create opus encoder: %w", err)
	}
	return &opusCodec{enc: enc, frameSize: sampleRate * opusFrameMs / 1000}, nil
}

// Encode expects pcm to contain exactly one opusFrameMs frame's worth of
// samples; callers that synthesize at the same frame cadence as ingress
// satisfy this automatically.
func (c *opusCodec) Encode(pcm []byte) ([]byte, error) {
	samples := pcm16ToInt16(pcm)
	out, err := c.enc.Encode(samples, c.frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("tts: opus encode: %w", err)
	}
	return out, nil
}

func pcm16ToInt16(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}

// mulawCodec encodes little-endian 16-bit PCM into G.711 mu-law bytes. The
// compression is memoryless, so a single stateless value serves every
// stream.
type mulawCodec struct{}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

func (mulawCodec) Encode(pcm []byte) ([]byte, error) {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = linearToMulaw(sample)
	}
	return out, nil
}

func linearToMulaw(sample int16) byte {
	sign := 0
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 && sample&mask == 0 {
		exponent--
		mask >>= 1
	}
	mantissa := int((sample >> uint(exponent+3)) & 0x0F)
	return byte(^(sign | (exponent << 4) | mantissa))
}
