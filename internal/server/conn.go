package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/MrWong99/susurrus/internal/archive"
	"github.com/MrWong99/susurrus/internal/observe"
	"github.com/MrWong99/susurrus/internal/transcript"
	"github.com/MrWong99/susurrus/pkg/audio"
	"github.com/MrWong99/susurrus/pkg/engine"
	"github.com/MrWong99/susurrus/pkg/stream"
)

// Opus connections carry 48 kHz stereo packets at 20 ms frame size.
const (
	opusSampleRate = 48000
	opusChannels   = 2
	// opusFrameSize is the number of samples per channel per 20 ms frame.
	opusFrameSize = opusSampleRate * 20 / 1000 // 960
)

// ── Protocol message types ─────────────────────────────────────────────────

// clientMessage is a JSON control frame sent by the client on a text frame.
type clientMessage struct {
	// Type is "flush" or "language".
	Type string `json:"type"`

	// Language is the ISO 639-1 code for a "language" message. Empty or
	// "auto" switches back to per-window detection.
	Language string `json:"language,omitempty"`
}

// serverMessage is a JSON frame sent to the client.
type serverMessage struct {
	// Type is "delta", "final" or "error".
	Type       string  `json:"type"`
	Text       string  `json:"text,omitempty"`
	Confidence float32 `json:"confidence,omitempty"`
	Language   string  `json:"language,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// ── connection ─────────────────────────────────────────────────────────────

// conn is one live transcription stream. The reader goroutine owns the
// session; the writer goroutine owns the socket's write side.
type conn struct {
	srv  *Server
	ws   *websocket.Conn
	sess *stream.Session
	id   string

	// language is the currently effective decode language, empty when the
	// engine detects it per window. Reader-owned.
	language string

	// opus is the per-connection packet decoder, nil for PCM connections.
	// Decoder state spans packets, so it must not be shared. Reader-owned.
	opus *gopus.Decoder

	// finals collects the finalized utterances surfaced on this connection,
	// joined into the archived session transcript. Reader-owned.
	finals []string

	out  chan serverMessage
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// handleStream upgrades the request and drives one connection to completion.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	codec := r.URL.Query().Get("codec")
	if codec == "" {
		codec = CodecPCM16
	}
	if codec != CodecPCM16 && codec != CodecOpus {
		http.Error(w, fmt.Sprintf("unsupported codec %q", codec), http.StatusBadRequest)
		return
	}

	lang := resolveLanguage(s.languagePolicy, r.URL.Query().Get("lang"))

	opts := make([]stream.Option, 0, len(s.sessionOpts)+1)
	opts = append(opts, s.sessionOpts...)
	opts = append(opts, stream.WithLanguage(lang))
	sess, err := stream.New(s.eng, opts...)
	if err != nil {
		log.Error("session setup failed", "error", err)
		http.Error(w, "session setup failed", http.StatusInternalServerError)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	c := &conn{
		srv:  s,
		ws:   ws,
		sess: sess,
		id:   sessionID(ctx),
		out:  make(chan serverMessage, 16),
		done: make(chan struct{}),
	}
	c.language = sess.Language()

	if codec == CodecOpus {
		dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
		if err != nil {
			log.Error("opus decoder setup failed", "error", err)
			ws.Close(websocket.StatusInternalError, "opus decoder unavailable")
			return
		}
		c.opus = dec
	}

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	log.Info("stream opened",
		"session_id", c.id,
		"codec", codec,
		"language", lang,
		"remote", r.RemoteAddr,
	)

	c.beginArchive(ctx, r.RemoteAddr)

	c.wg.Add(1)
	go c.writeLoop(ctx)

	c.readLoop(ctx)
	c.finish(ctx)
	c.close()

	log.Info("stream closed", "session_id", c.id)
}

// readLoop dispatches incoming frames until the client closes or the
// connection breaks. It is the only goroutine touching the session.
func (c *conn) readLoop(ctx context.Context) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		case websocket.MessageText:
			c.handleControl(ctx, data)
		}
	}
}

// handleAudio converts one binary frame to engine samples and submits it.
// Engine failures keep the session's committed state, so the stream
// continues; the client just sees an error frame.
func (c *conn) handleAudio(ctx context.Context, frame []byte) {
	samples, err := c.decodeFrame(frame)
	if err != nil {
		observe.Logger(ctx).Warn("audio frame rejected", "session_id", c.id, "error", err)
		c.send(serverMessage{Type: "error", Error: err.Error()})
		return
	}
	if len(samples) == 0 {
		return
	}
	c.srv.metrics.AudioSeconds.Add(ctx, float64(len(samples))/float64(engine.SampleRate))

	out, err := c.sess.Submit(ctx, samples)
	if err != nil {
		observe.Logger(ctx).Error("decode failed", "session_id", c.id, "error", err)
		c.send(serverMessage{Type: "error", Error: "decode failed"})
		return
	}
	if out == nil {
		return
	}
	if c.srv.vadEnabled {
		c.srv.metrics.VADFinalizes.Add(ctx, 1)
	}
	c.emitDelta(ctx, out)
}

// decodeFrame turns a wire frame into 16 kHz mono float samples. PCM frames
// pass through a single conversion; Opus packets are decoded, downmixed and
// resampled first.
func (c *conn) decodeFrame(frame []byte) ([]float32, error) {
	if c.opus == nil {
		return audio.Float32FromPCM16(frame), nil
	}
	pcm, err := c.opus.Decode(frame, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	mono := audio.StereoToMono(audio.BytesFromInt16(pcm))
	mono = audio.ResampleMono16(mono, opusSampleRate, engine.SampleRate)
	return audio.Float32FromPCM16(mono), nil
}

// handleControl dispatches one JSON control frame.
func (c *conn) handleControl(ctx context.Context, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.send(serverMessage{Type: "error", Error: "malformed control message"})
		return
	}
	switch msg.Type {
	case "flush":
		c.flush(ctx)
	case "language":
		c.sess.SetLanguage(msg.Language)
		c.language = c.sess.Language()
		observe.Logger(ctx).Info("language switched", "session_id", c.id, "language", c.language)
	default:
		c.send(serverMessage{Type: "error", Error: fmt.Sprintf("unknown control type %q", msg.Type)})
	}
}

// flush finalizes the current utterance on client request. The connection
// stays open and the session starts over; a final frame is always sent as
// the utterance boundary, even when no text accumulated.
func (c *conn) flush(ctx context.Context) {
	out, err := c.sess.Flush(ctx)
	if err != nil {
		observe.Logger(ctx).Error("flush failed", "session_id", c.id, "error", err)
		c.send(serverMessage{Type: "error", Error: "flush failed"})
		return
	}
	c.emitFinal(ctx, out)
}

// finish runs when the client side is done: drain whatever audio never
// reached a decode, surface the last final, and close out the archive
// session. When the request context is already dead the drain gets a short
// grace period on a fresh context.
func (c *conn) finish(ctx context.Context) {
	flushCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(context.Background(), closeFlushTimeout)
		defer cancel()
	}

	out, err := c.sess.Flush(flushCtx)
	if err != nil {
		observe.Logger(flushCtx).Error("final flush failed", "session_id", c.id, "error", err)
	} else {
		c.emitFinal(flushCtx, out)
	}
	c.finishArchive(flushCtx)
}

// emitDelta corrects and publishes one incremental update.
func (c *conn) emitDelta(ctx context.Context, out *stream.Output) {
	text := c.correct(ctx, out.Text, false)
	if text == "" {
		return
	}
	c.srv.metrics.RecordDelta(ctx, "delta")
	c.appendArchive(ctx, archive.KindDelta, text, out.Confidence)
	c.send(serverMessage{Type: "delta", Text: text, Confidence: out.Confidence})
}

// emitFinal corrects and publishes a finalized utterance. out may be nil;
// the final frame still goes out so clients can rely on it as an ack.
func (c *conn) emitFinal(ctx context.Context, out *stream.Output) {
	msg := serverMessage{Type: "final", Language: c.language}
	if out != nil {
		text := c.correct(ctx, out.Text, true)
		msg.Text = text
		msg.Confidence = out.Confidence
		if text != "" {
			c.finals = append(c.finals, text)
			c.srv.metrics.RecordDelta(ctx, "final")
			c.appendArchive(ctx, archive.KindFinal, text, out.Confidence)
		}
	}
	c.send(msg)
}

// correct runs text through the current pipeline. Correction failures are
// never fatal: the best text produced so far is used.
func (c *conn) correct(ctx context.Context, text string, final bool) string {
	p := c.srv.currentPipeline()

	var (
		res transcript.Result
		err error
	)
	if final {
		res, err = p.CorrectFinal(ctx, text)
	} else {
		res, err = p.CorrectDelta(ctx, text)
	}
	if err != nil {
		observe.Logger(ctx).Warn("correction failed", "session_id", c.id, "error", err)
	}
	for _, corr := range res.Corrections {
		c.srv.metrics.RecordCorrection(ctx, corr.Method)
	}
	return res.Text
}

// ── outbound pump ──────────────────────────────────────────────────────────

// send queues msg for the writer. Messages are dropped once the connection
// is shutting down.
func (c *conn) send(msg serverMessage) {
	select {
	case c.out <- msg:
	case <-c.done:
	}
}

// writeLoop owns the socket's write side. On a write error it keeps
// consuming the queue so the reader never blocks on a dead writer.
func (c *conn) writeLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.out:
			if err := c.write(ctx, msg); err != nil {
				c.discard()
				return
			}
		case <-c.done:
			// Flush queued messages before exiting.
			for {
				select {
				case msg := <-c.out:
					_ = c.write(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

func (c *conn) write(ctx context.Context, msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("server: marshal: %w", err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// discard consumes queued messages until shutdown.
func (c *conn) discard() {
	for {
		select {
		case <-c.out:
		case <-c.done:
			return
		}
	}
}

// close stops the writer and closes the socket. Safe to call more than once.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.wg.Wait()
		c.ws.Close(websocket.StatusNormalClosure, "stream closed")
	})
}

// ── archive ────────────────────────────────────────────────────────────────

// Archive writes are best effort: failures are logged and counted but never
// interrupt a live stream.

func (c *conn) beginArchive(ctx context.Context, remote string) {
	if c.srv.store == nil {
		return
	}
	info := archive.SessionInfo{ID: c.id, Language: c.language, Remote: remote}
	if err := c.srv.store.BeginSession(ctx, info); err != nil {
		c.srv.metrics.RecordArchiveError(ctx, "begin")
		observe.Logger(ctx).Warn("archive begin failed", "session_id", c.id, "error", err)
	}
}

func (c *conn) appendArchive(ctx context.Context, kind archive.Kind, text string, confidence float32) {
	if c.srv.store == nil {
		return
	}
	u := archive.Utterance{Kind: kind, Text: text, Confidence: float64(confidence)}
	if err := c.srv.store.AppendUtterance(ctx, c.id, u); err != nil {
		c.srv.metrics.RecordArchiveError(ctx, "append")
		observe.Logger(ctx).Warn("archive append failed", "session_id", c.id, "error", err)
	}
}

func (c *conn) finishArchive(ctx context.Context) {
	if c.srv.store == nil {
		return
	}
	final := strings.Join(c.finals, " ")
	if err := c.srv.store.FinishSession(ctx, c.id, final); err != nil {
		c.srv.metrics.RecordArchiveError(ctx, "finish")
		observe.Logger(ctx).Warn("archive finish failed", "session_id", c.id, "error", err)
	}
}
