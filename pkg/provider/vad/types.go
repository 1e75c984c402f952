package vad

import "github.com/invorto/voicecore/pkg/types"

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent = types.VADEvent

// VADEventType enumerates VAD detection states.
type VADEventType = types.VADEventType

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart = types.VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue = types.VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd = types.VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence = types.VADSilence
)
