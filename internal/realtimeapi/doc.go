// Package realtimeapi implements the realtime voice WebSocket endpoint: it
// authenticates the connection, runs admission control and agent-config
// lookup, and drives one call's ingress → ASR → agent runtime → TTS egress
// pipeline until the caller disconnects or the session supervisor closes.
//
// Wire protocol
//
// The client opens a WebSocket at
// /realtime/voice?callId=...&agentId=...&tenantId=...&codec=...&rate=...
// A bearer credential is required, carried either as a WS subprotocol
// (the first negotiated subprotocol value following "bearer", e.g.
// Sec-WebSocket-Protocol: bearer, <token>) or as a `token` query parameter;
// the server accepts either.
//
// Inbound messages are either binary WebSocket frames carrying raw PCM16
// audio at the advertised rate, or JSON control frames shaped like
// {"t":"start"|"pause"|"resume"|"end"|"dtmf.send"|"transfer"|"config"|"tool.result", ...}.
//
// Outbound messages are all JSON, tagged by their "t" field:
//
//	{"t":"connected","callId":"..."}
//	{"t":"stt.partial","text":"..."}
//	{"t":"stt.final","text":"...","confidence":0.9}
//	{"t":"llm.delta","text":"...","turnId":"..."}
//	{"t":"llm.final","text":"...","turnId":"..."}
//	{"t":"tts.chunk","seq":7,"payload":...,"turnId":"..."}
//	{"t":"tts.done","turnId":"..."}
//	{"t":"tool.call","name":"...","turnId":"..."}
//	{"t":"tool.result","name":"...","turnId":"..."}
//	{"t":"dtmf.receive","digits":"..."}
//	{"t":"barge_in","turnId":"..."}
//	{"t":"congestion","reason":"..."}
//	{"t":"error","kind":"...","message":"..."}
//	{"t":"pong"}
//
// The payload encoding for tts.chunk is negotiated via the ?codec= query
// parameter's accompanying ?audio_encoding= parameter: "base64" (default), a
// JSON array of signed byte values ("bytes") or unsigned ("ubytes"). Both
// array forms encode as []int so encoding/json never silently base64-encodes
// them.
//
// On error the server may close the socket with an application status code:
// 4001 (rate_limited), 4002 (unauthorized), 4003 (bad_request), or the
// standard 1011 (internal_error).
package realtimeapi
