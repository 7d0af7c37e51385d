package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/MrWong99/susurrus/internal/archive"
	archivemock "github.com/MrWong99/susurrus/internal/archive/mock"
	"github.com/MrWong99/susurrus/pkg/engine"
	enginemock "github.com/MrWong99/susurrus/pkg/engine/mock"
	"github.com/MrWong99/susurrus/pkg/stream"
)

// ── fixtures ───────────────────────────────────────────────────────────────

// wordsResult builds an engine result whose tokens carry the given words,
// all at probability 0.75 so confidence comparisons stay exact.
func wordsResult(words ...string) engine.Result {
	var seg engine.Segment
	for i, w := range words {
		seg.Tokens = append(seg.Tokens, engine.Token{ID: i + 1, Text: " " + w, Prob: 0.75})
		seg.Text += " " + w
	}
	return engine.Result{Segments: []engine.Segment{seg}}
}

// pcmSilence returns zeroed PCM16 bytes covering d of audio at the engine
// sample rate.
func pcmSilence(d time.Duration) []byte {
	samples := int(d * time.Duration(engine.SampleRate) / time.Second)
	return make([]byte, samples*2)
}

func newStreamServer(t *testing.T, eng engine.Engine, opts ...Option) *httptest.Server {
	t.Helper()
	srv, err := New(eng, opts...)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func dialStream(t *testing.T, ctx context.Context, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream" + query
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func readMessage(t *testing.T, ctx context.Context, c *websocket.Conn) serverMessage {
	t.Helper()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected a text frame, got %v", typ)
	}
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return msg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 3s")
}

// ── construction and routing ───────────────────────────────────────────────

func TestNew_NilEngine_Fails(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil engine")
	}
}

func TestResolveLanguage(t *testing.T) {
	tests := []struct {
		name      string
		policy    string
		requested string
		want      string
	}{
		{"empty policy defaults to auto", "", "", "auto"},
		{"auto policy ignores the request", "auto", "de", "auto"},
		{"client policy honours the request", "client", "de", "de"},
		{"client policy without request falls back to auto", "client", "", "auto"},
		{"fixed policy wins over the request", "en", "de", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveLanguage(tt.policy, tt.requested); got != tt.want {
				t.Errorf("resolveLanguage(%q, %q) = %q, want %q", tt.policy, tt.requested, got, tt.want)
			}
		})
	}
}

func TestSessionID_FallsBackToRandom(t *testing.T) {
	a := sessionID(context.Background())
	b := sessionID(context.Background())
	if len(a) != 32 {
		t.Errorf("expected 32 hex characters, got %d (%q)", len(a), a)
	}
	if a == b {
		t.Error("expected unique session ids")
	}
}

func TestHandleStream_UnknownCodec_Rejected(t *testing.T) {
	ts := newStreamServer(t, &enginemock.Engine{})

	resp, err := http.Get(ts.URL + "/v1/stream?codec=mp3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestHandler_ServesProbesAndMetrics(t *testing.T) {
	ts := newStreamServer(t, &enginemock.Engine{}, WithArchive(&archivemock.Store{}))

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected status 200, got %d (%s)", path, resp.StatusCode, body)
		}
		if path == "/readyz" && !strings.Contains(string(body), `"archive":"ok"`) {
			t.Errorf("expected readyz to report the archive as ok, got %s", body)
		}
	}
}

func TestHandler_ReadyzReportsArchiveFailure(t *testing.T) {
	store := &archivemock.Store{PingErr: errors.New("connection refused")}
	ts := newStreamServer(t, &enginemock.Engine{}, WithArchive(store))

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "connection refused") {
		t.Errorf("expected the ping error in the body, got %s", body)
	}
}

// ── streaming ──────────────────────────────────────────────────────────────

func TestStream_PCMAudio_DeltaAndFlush(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eng := &enginemock.Engine{Results: []engine.Result{wordsResult("guten", "morgen")}}
	store := &archivemock.Store{}
	ts := newStreamServer(t, eng,
		WithArchive(store),
		WithSessionOptions(stream.WithStep(time.Second), stream.WithWindow(2*time.Second)),
	)
	c := dialStream(t, ctx, ts, "")

	if err := c.Write(ctx, websocket.MessageBinary, pcmSilence(time.Second)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	delta := readMessage(t, ctx, c)
	if delta.Type != "delta" || delta.Text != "guten morgen" {
		t.Errorf(`expected delta "guten morgen", got %+v`, delta)
	}
	if delta.Confidence != 0.75 {
		t.Errorf("expected confidence 0.75, got %v", delta.Confidence)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"flush"}`)); err != nil {
		t.Fatalf("write flush: %v", err)
	}
	final := readMessage(t, ctx, c)
	if final.Type != "final" || final.Text != "guten morgen" {
		t.Errorf(`expected final "guten morgen", got %+v`, final)
	}

	_ = c.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return store.CallCount("FinishSession") == 1 })

	if got := len(eng.Calls()); got != 1 {
		t.Errorf("expected 1 inference call, got %d", got)
	}

	calls := store.Calls()
	if calls[0].Method != "BeginSession" {
		t.Fatalf("expected BeginSession first, got %s", calls[0].Method)
	}
	info := calls[0].Args[0].(archive.SessionInfo)
	if info.ID == "" {
		t.Error("expected a session id in BeginSession")
	}

	var kinds []archive.Kind
	for _, call := range calls {
		switch call.Method {
		case "AppendUtterance":
			if sid := call.Args[0].(string); sid != info.ID {
				t.Errorf("utterance archived under %q, session began as %q", sid, info.ID)
			}
			kinds = append(kinds, call.Args[1].(archive.Utterance).Kind)
		case "FinishSession":
			if got := call.Args[1].(string); got != "guten morgen" {
				t.Errorf(`expected final transcript "guten morgen", got %q`, got)
			}
		}
	}
	if len(kinds) != 2 || kinds[0] != archive.KindDelta || kinds[1] != archive.KindFinal {
		t.Errorf("expected archived kinds [delta final], got %v", kinds)
	}
}

func TestStream_LanguageControl_AppliesToNextDecode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eng := &enginemock.Engine{Results: []engine.Result{wordsResult("hallo")}}
	ts := newStreamServer(t, eng, WithSessionOptions(stream.WithStep(time.Second)))
	c := dialStream(t, ctx, ts, "")

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"language","language":"DE"}`)); err != nil {
		t.Fatalf("write language control: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageBinary, pcmSilence(time.Second)); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	delta := readMessage(t, ctx, c)
	if delta.Text != "hallo" {
		t.Errorf(`expected delta "hallo", got %+v`, delta)
	}

	params, ok := eng.LastParams()
	if !ok {
		t.Fatal("expected an inference call")
	}
	if params.Language != "de" {
		t.Errorf("expected decode language %q, got %q", "de", params.Language)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"flush"}`)); err != nil {
		t.Fatalf("write flush: %v", err)
	}
	final := readMessage(t, ctx, c)
	if final.Language != "de" {
		t.Errorf("expected the final frame to carry language %q, got %q", "de", final.Language)
	}
}

func TestStream_OpusCodec_ResamplesTo16kMono(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eng := &enginemock.Engine{Results: []engine.Result{wordsResult("opus")}}
	ts := newStreamServer(t, eng,
		WithSessionOptions(stream.WithStep(20*time.Millisecond), stream.WithWindow(20*time.Millisecond)),
	)
	c := dialStream(t, ctx, ts, "?codec=opus")

	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Audio)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	packet, err := enc.Encode(make([]int16, opusFrameSize*opusChannels), opusFrameSize, 4000)
	if err != nil {
		t.Fatalf("encode packet: %v", err)
	}

	if err := c.Write(ctx, websocket.MessageBinary, packet); err != nil {
		t.Fatalf("write packet: %v", err)
	}

	delta := readMessage(t, ctx, c)
	if delta.Type != "delta" || delta.Text != "opus" {
		t.Errorf(`expected delta "opus", got %+v`, delta)
	}

	calls := eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 inference call, got %d", len(calls))
	}
	// One 20 ms packet: 960 samples per channel at 48 kHz stereo come out
	// as 320 mono samples at 16 kHz.
	if calls[0].Samples != 320 {
		t.Errorf("expected 320 samples, got %d", calls[0].Samples)
	}
}

func TestStream_EngineFailure_KeepsConnectionAlive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eng := &enginemock.Engine{Err: errors.New("decoder state corrupt")}
	ts := newStreamServer(t, eng, WithSessionOptions(stream.WithStep(time.Second)))
	c := dialStream(t, ctx, ts, "")

	if err := c.Write(ctx, websocket.MessageBinary, pcmSilence(time.Second)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	msg := readMessage(t, ctx, c)
	if msg.Type != "error" || msg.Error != "decode failed" {
		t.Errorf("expected a decode error frame, got %+v", msg)
	}

	// The stream must still answer after an engine failure.
	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"flush"}`)); err != nil {
		t.Fatalf("write flush: %v", err)
	}
	final := readMessage(t, ctx, c)
	if final.Type != "final" || final.Text != "" {
		t.Errorf("expected an empty final ack, got %+v", final)
	}
}

func TestStream_MalformedControl_SendsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := newStreamServer(t, &enginemock.Engine{})
	c := dialStream(t, ctx, ts, "")

	if err := c.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write control: %v", err)
	}
	msg := readMessage(t, ctx, c)
	if msg.Type != "error" || msg.Error != "malformed control message" {
		t.Errorf("expected a malformed-control error, got %+v", msg)
	}

	if err := c.Write(ctx, websocket.MessageText, []byte(`{"type":"pause"}`)); err != nil {
		t.Fatalf("write control: %v", err)
	}
	msg = readMessage(t, ctx, c)
	if msg.Type != "error" || msg.Error != `unknown control type "pause"` {
		t.Errorf("expected an unknown-control error, got %+v", msg)
	}
}

func TestStream_ClientDisconnect_DrainsPendingAudio(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eng := &enginemock.Engine{Results: []engine.Result{wordsResult("bis", "morgen")}}
	store := &archivemock.Store{}
	ts := newStreamServer(t, eng,
		WithArchive(store),
		WithSessionOptions(stream.WithStep(time.Second)),
	)
	c := dialStream(t, ctx, ts, "")

	// Half a second stays below the step threshold, so nothing decodes
	// until the close-time drain.
	if err := c.Write(ctx, websocket.MessageBinary, pcmSilence(500*time.Millisecond)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	_ = c.Close(websocket.StatusNormalClosure, "")

	waitFor(t, func() bool { return store.CallCount("FinishSession") == 1 })

	calls := eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 inference call, got %d", len(calls))
	}
	if want := engine.SampleRate / 2; calls[0].Samples != want {
		t.Errorf("expected the drain to decode %d samples, got %d", want, calls[0].Samples)
	}

	for _, call := range store.Calls() {
		if call.Method == "FinishSession" {
			if got := call.Args[1].(string); got != "bis morgen" {
				t.Errorf(`expected final transcript "bis morgen", got %q`, got)
			}
		}
	}
}
