package realtimeapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// AudioEncoding names how binary tts.chunk payloads are represented inside
// the JSON envelope. Browsers that cannot easily base64-decode in a worker,
// or clients that want to avoid the ~33% base64 overhead, may request one of
// the array forms.
type AudioEncoding string

const (
	// EncodingBase64 carries audio as a standard-padding base64 string.
	EncodingBase64 AudioEncoding = "base64"

	// EncodingBytes carries audio as a JSON array of signed byte values
	// (-128..127). Encoded as []int, never []byte, so encoding/json does
	// not silently base64-encode it.
	EncodingBytes AudioEncoding = "bytes"

	// EncodingUBytes carries audio as a JSON array of unsigned byte values
	// (0..255), also encoded as []int.
	EncodingUBytes AudioEncoding = "ubytes"
)

// ParseAudioEncoding validates a query-parameter string, defaulting to
// EncodingBase64 for an empty value and returning an error for anything
// else unrecognised.
func ParseAudioEncoding(s string) (AudioEncoding, error) {
	switch AudioEncoding(s) {
	case "":
		return EncodingBase64, nil
	case EncodingBase64, EncodingBytes, EncodingUBytes:
		return AudioEncoding(s), nil
	default:
		return "", fmt.Errorf("realtimeapi: unknown audio_encoding %q", s)
	}
}

// controlMessageTypes are the "t" values accepted on inbound JSON control
// frames.
const (
	ctrlStart      = "start"
	ctrlPause      = "pause"
	ctrlResume     = "resume"
	ctrlEnd        = "end"
	ctrlDTMFSend   = "dtmf.send"
	ctrlTransfer   = "transfer"
	ctrlConfig     = "config"
	ctrlToolResult = "tool.result"
)

// inboundControl is the shape of every client→server JSON control frame.
// Only the fields relevant to T are populated by the client.
type inboundControl struct {
	T       string `json:"t"`
	Digits  string `json:"digits"`
	ToolID  string `json:"toolId"`
	Result  string `json:"result"`
	Target  string `json:"target"`
	Options map[string]any `json:"options"`
}

// encodeAudioPayload renders pcm according to enc for the tts.chunk envelope.
func encodeAudioPayload(pcm []byte, enc AudioEncoding) any {
	switch enc {
	case EncodingBytes:
		ints := make([]int, len(pcm))
		for i, b := range pcm {
			ints[i] = int(int8(b))
		}
		return ints
	case EncodingUBytes:
		ints := make([]int, len(pcm))
		for i, b := range pcm {
			ints[i] = int(b)
		}
		return ints
	default:
		return base64.StdEncoding.EncodeToString(pcm)
	}
}

// outboundEnvelope is the shape of every server→client JSON text frame,
// tagged by its "t" discriminator. Fields are omitted from the wire when
// zero-valued for their message type.
type outboundEnvelope struct {
	T          string  `json:"t"`
	CallID     string  `json:"callId,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	TurnID     string  `json:"turnId,omitempty"`
	Name       string  `json:"name,omitempty"`
	Result     string  `json:"result,omitempty"`
	Seq        uint32  `json:"seq,omitempty"`
	Payload    any     `json:"payload,omitempty"`
	Digits     string  `json:"digits,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Message    string  `json:"message,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

func connectedEnvelope(callID string) outboundEnvelope {
	return outboundEnvelope{T: "connected", CallID: callID}
}

func sttPartialEnvelope(text string, confidence float64) outboundEnvelope {
	return outboundEnvelope{T: "stt.partial", Text: text, Confidence: confidence}
}

func sttFinalEnvelope(text string, confidence float64) outboundEnvelope {
	return outboundEnvelope{T: "stt.final", Text: text, Confidence: confidence}
}

func llmDeltaEnvelope(turnID, text string) outboundEnvelope {
	return outboundEnvelope{T: "llm.delta", TurnID: turnID, Text: text}
}

func llmFinalEnvelope(turnID, text string) outboundEnvelope {
	return outboundEnvelope{T: "llm.final", TurnID: turnID, Text: text}
}

func ttsChunkEnvelope(turnID string, seq uint32, pcm []byte, enc AudioEncoding) outboundEnvelope {
	return outboundEnvelope{T: "tts.chunk", TurnID: turnID, Seq: seq, Payload: encodeAudioPayload(pcm, enc)}
}

func ttsDoneEnvelope(turnID string) outboundEnvelope {
	return outboundEnvelope{T: "tts.done", TurnID: turnID}
}

func toolCallEnvelope(turnID, name string) outboundEnvelope {
	return outboundEnvelope{T: "tool.call", TurnID: turnID, Name: name}
}

func toolResultEnvelope(turnID, name, result string) outboundEnvelope {
	return outboundEnvelope{T: "tool.result", TurnID: turnID, Name: name, Result: result}
}

func dtmfReceiveEnvelope(digits string) outboundEnvelope {
	return outboundEnvelope{T: "dtmf.receive", Digits: digits}
}

func bargeInEnvelope(turnID string) outboundEnvelope {
	return outboundEnvelope{T: "barge_in", TurnID: turnID}
}

func congestionEnvelope(reason string) outboundEnvelope {
	return outboundEnvelope{T: "congestion", Reason: reason}
}

func errorEnvelope(kind, message string) outboundEnvelope {
	return outboundEnvelope{T: "error", Kind: kind, Message: message}
}

func pongEnvelope() outboundEnvelope {
	return outboundEnvelope{T: "pong"}
}

// decodeControl parses an inbound JSON control frame.
func decodeControl(raw []byte) (inboundControl, error) {
	var c inboundControl
	if err := json.Unmarshal(raw, &c); err != nil {
		return inboundControl{}, fmt.Errorf("realtimeapi: decode control frame: %w", err)
	}
	return c, nil
}
