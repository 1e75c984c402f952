package realtimeapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single frame write so a stalled client cannot wedge
// the writer goroutine forever.
const writeTimeout = 10 * time.Second

// outboxCapacity is the buffered channel depth for pending outbound frames.
// Sized generously so a burst of transcript/tool events doesn't block the
// pipeline goroutines on a momentarily slow client.
const outboxCapacity = 256

// errWriterClosed is returned by wsWriter methods once the writer goroutine
// has exited, either via Close or because a Write to the socket failed.
var errWriterClosed = errors.New("realtimeapi: writer closed")

// outboxFrame pairs a marshalled text frame with the count of raw audio
// bytes it carries (0 for non-audio envelopes), so the writer goroutine can
// decrement the backlog counter once the frame is actually sent.
type outboxFrame struct {
	body       []byte
	audioBytes int
}

// wsWriter serializes every outbound frame for one connection through a
// single goroutine, satisfying coder/websocket's one-writer-at-a-time
// requirement. It implements [tts.Writer] so it can be handed directly to
// an egress pipeline, and it doubles as the JSON envelope sender for
// control/event messages.
type wsWriter struct {
	conn *websocket.Conn
	enc  AudioEncoding

	ch   chan outboxFrame
	done chan struct{}

	buffered atomic.Int64
	audioSeq atomic.Uint32
	turnID   atomic.Pointer[string]
	closeErr atomic.Pointer[error]
}

func newWSWriter(conn *websocket.Conn, enc AudioEncoding) *wsWriter {
	w := &wsWriter{
		conn: conn,
		enc:  enc,
		ch:   make(chan outboxFrame, outboxCapacity),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *wsWriter) run() {
	defer close(w.done)
	for frame := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := w.conn.Write(ctx, websocket.MessageText, frame.body)
		cancel()
		if frame.audioBytes > 0 {
			w.buffered.Add(-int64(frame.audioBytes))
		}
		if err != nil {
			w.closeErr.Store(&err)
			return
		}
	}
}

// enqueue pushes a pre-marshalled frame, returning errWriterClosed if the
// writer goroutine has already exited.
func (w *wsWriter) enqueue(frame outboxFrame) error {
	select {
	case w.ch <- frame:
		return nil
	case <-w.done:
		if p := w.closeErr.Load(); p != nil {
			return *p
		}
		return errWriterClosed
	}
}

// WriteJSON marshals v as a single JSON text frame and enqueues it.
func (w *wsWriter) WriteJSON(v outboundEnvelope) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.enqueue(outboxFrame{body: b})
}

// Write implements [tts.Writer]. chunk is raw PCM audio; it is wrapped in a
// "tts.chunk" envelope using the writer's negotiated encoding and the
// currently-active turn ID, then enqueued. The sequence number increments
// per call.
func (w *wsWriter) Write(chunk []byte) error {
	w.buffered.Add(int64(len(chunk)))

	seq := w.audioSeq.Add(1)
	env := ttsChunkEnvelope(w.currentTurnID(), seq, chunk, w.enc)
	b, err := json.Marshal(env)
	if err != nil {
		w.buffered.Add(-int64(len(chunk)))
		return err
	}
	if err := w.enqueue(outboxFrame{body: b, audioBytes: len(chunk)}); err != nil {
		w.buffered.Add(-int64(len(chunk)))
		return err
	}
	return nil
}

// Buffered implements [tts.Writer]. It reports audio bytes handed to Write
// that have not yet been confirmed sent by the writer goroutine — an
// approximation of network backlog used for high/low water-mark pacing.
func (w *wsWriter) Buffered() int {
	return int(w.buffered.Load())
}

// setTurnID records the turn ID stamped onto subsequent tts.chunk frames.
func (w *wsWriter) setTurnID(id string) {
	w.turnID.Store(&id)
}

func (w *wsWriter) currentTurnID() string {
	if p := w.turnID.Load(); p != nil {
		return *p
	}
	return ""
}

// Close stops accepting new frames and waits for the writer goroutine to
// drain and exit. Safe to call more than once.
func (w *wsWriter) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.ch)
	<-w.done
	return nil
}
