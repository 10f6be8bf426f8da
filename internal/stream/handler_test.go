package stream_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/voxguard/voxguard/internal/stream"
	"github.com/voxguard/voxguard/pkg/provider/scorer"
	scorermock "github.com/voxguard/voxguard/pkg/provider/scorer/mock"
	"github.com/voxguard/voxguard/pkg/provider/stt"
	sttmock "github.com/voxguard/voxguard/pkg/provider/stt/mock"
)

// ---- helpers ----

type syncClock struct {
	mu sync.Mutex
	t  time.Time
}

func newSyncClock() *syncClock {
	return &syncClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *syncClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *syncClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type message map[string]any

func (m message) typ() string { s, _ := m["type"].(string); return s }

func (m message) str(key string) string { s, _ := m[key].(string); return s }

func (m message) flag(key string) bool { b, _ := m[key].(bool); return b }

func okScorer() *scorermock.Provider {
	return &scorermock.Provider{
		ClassifyFunc: func(_ context.Context, text string) (scorer.Result, error) {
			res := scorer.Empty(text, "mock")
			if strings.Contains(text, "trash") {
				s := 0.3
				res.SetScore(&s, true)
				res.Matches = []scorer.Match{{Category: "insult", Severity: 3, Start: 0, End: 5}}
			}
			return res, nil
		},
	}
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	conn    *websocket.Conn
	handler *stream.Handler
	session *sttmock.Session
	stt     *sttmock.Provider
}

func newHarness(t *testing.T, sc scorer.Provider, opts ...stream.Option) *harness {
	t.Helper()
	sess := sttmock.NewSession()
	provider := &sttmock.Provider{Session: sess}
	return newHarnessWith(t, provider, sess, sc, opts...)
}

func newHarnessWith(t *testing.T, provider *sttmock.Provider, sess *sttmock.Session, sc scorer.Provider, opts ...stream.Option) *harness {
	t.Helper()
	h := stream.NewHandler(provider, sc, opts...)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })

	hs := &harness{t: t, ctx: ctx, conn: conn, handler: h, session: sess, stt: provider}
	hs.expect(stream.TypeConnected)
	return hs
}

func (h *harness) sendText(s string) {
	h.t.Helper()
	if err := h.conn.Write(h.ctx, websocket.MessageText, []byte(s)); err != nil {
		h.t.Fatalf("write %s: %v", s, err)
	}
}

func (h *harness) sendAudio(b []byte) {
	h.t.Helper()
	if err := h.conn.Write(h.ctx, websocket.MessageBinary, b); err != nil {
		h.t.Fatalf("write audio: %v", err)
	}
}

func (h *harness) read() message {
	h.t.Helper()
	var m message
	if err := wsjson.Read(h.ctx, h.conn, &m); err != nil {
		h.t.Fatalf("read: %v", err)
	}
	return m
}

func (h *harness) expect(typ string) message {
	h.t.Helper()
	m := h.read()
	if m.typ() != typ {
		h.t.Fatalf("message type = %q (%v), want %q", m.typ(), m, typ)
	}
	return m
}

func (h *harness) expectError(contains string) {
	h.t.Helper()
	m := h.expect(stream.TypeError)
	if !strings.Contains(m.str("error"), contains) {
		h.t.Errorf("error = %q, want it to contain %q", m.str("error"), contains)
	}
}

func (h *harness) expectClosed(want websocket.StatusCode) {
	h.t.Helper()
	_, _, err := h.conn.Read(h.ctx)
	if err == nil {
		h.t.Fatal("Read succeeded, want close")
	}
	if got := websocket.CloseStatus(err); got != want {
		h.t.Errorf("close status = %v (%v), want %v", got, err, want)
	}
}

func (h *harness) start() {
	h.t.Helper()
	h.sendText(`{"type":"start"}`)
	m := h.expect(stream.TypeStarted)
	if got := m["sample_rate"].(float64); got != stream.DefaultSampleRate {
		h.t.Errorf("sample_rate = %v, want %d", got, stream.DefaultSampleRate)
	}
}

func final(text string) stt.Transcript { return stt.Transcript{Text: text, IsFinal: true} }

// ---- tests ----

func TestHandler_ProtocolErrorsKeepConnectionOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okScorer())

	h.sendAudio([]byte{1, 2, 3, 4})
	h.expectError("Stream not started. Send {'type':'start'} first.")

	h.sendText(`{not json`)
	h.expectError("Invalid JSON payload.")

	h.sendText(`{"type":"pause"}`)
	h.expectError("Unsupported message type.")

	h.sendText(`{"type":"stop"}`)
	h.expectError("Stream not started.")

	h.sendText(`{"type":"start","sample_rate":-5}`)
	h.expectError("sample_rate must be a positive integer.")

	h.sendText(`{"type":"start","sample_rate":8000}`)
	m := h.expect(stream.TypeStarted)
	if got := m["sample_rate"].(float64); got != 8000 {
		t.Errorf("sample_rate = %v, want 8000", got)
	}

	h.sendText(`{"type":"start"}`)
	h.expectError("already started")

	cfgs := h.stt.Configs()
	if len(cfgs) != 1 {
		t.Fatalf("StartStream calls = %d, want 1", len(cfgs))
	}
	if cfgs[0].SampleRate != 8000 || cfgs[0].Channels != 1 {
		t.Errorf("StreamConfig = %+v, want 8000 Hz mono", cfgs[0])
	}
}

func TestHandler_StreamAndStop(t *testing.T) {
	t.Parallel()

	sc := okScorer()
	h := newHarness(t, sc)
	h.start()

	h.sendAudio([]byte{0, 1, 0, 1})
	h.session.PartialsCh <- stt.Transcript{Text: "you are"}
	m := h.expect(stream.TypePartial)
	if m.str("text") != "you are" {
		t.Errorf("partial text = %q, want %q", m.str("text"), "you are")
	}

	h.session.FinalsCh <- final("you are useless trash")
	seg := h.expect(stream.TypeSegment)
	if seg.str("segment_id") != "1" || seg.str("text") != "you are useless trash" {
		t.Errorf("segment = %v", seg)
	}
	score := h.expect(stream.TypeScore)
	if !score.flag("flagged") || score.str("label") != scorer.LabelFlag {
		t.Errorf("score = %v, want flagged", score)
	}
	if score.str("segment_id") != "1" || score.flag("final") {
		t.Errorf("score segment_id/final = %v/%v, want 1/false", score["segment_id"], score["final"])
	}
	if got := score["score"].(float64); got != 0.3 {
		t.Errorf("score = %v, want 0.3", got)
	}

	h.sendText(`{"type":"stop"}`)
	forced := h.expect(stream.TypeScore)
	if !forced.flag("final") {
		t.Errorf("forced score final = false, want true")
	}
	fin := h.expect(stream.TypeFinal)
	if fin.str("transcript") != "you are useless trash" {
		t.Errorf("transcript = %q", fin.str("transcript"))
	}
	h.expectClosed(websocket.StatusNormalClosure)

	if got := h.session.SendAudioCallCount(); got != 1 {
		t.Errorf("SendAudio calls = %d, want 1", got)
	}
	if !h.session.Closed() {
		t.Error("recognizer not closed after stop")
	}
}

func TestHandler_ThrottleAndForcedScore(t *testing.T) {
	t.Parallel()

	clock := newSyncClock()
	sc := okScorer()
	h := newHarness(t, sc, stream.WithInterval(time.Second), stream.WithClock(clock.Now))
	h.start()

	h.session.FinalsCh <- final("hello")
	h.expect(stream.TypeSegment)
	first := h.expect(stream.TypeScore)
	if first.str("transcript") != "hello" {
		t.Errorf("first transcript = %q, want hello", first.str("transcript"))
	}

	clock.Advance(200 * time.Millisecond)
	h.session.FinalsCh <- final("world")
	seg := h.expect(stream.TypeSegment)
	if seg.str("segment_id") != "2" {
		t.Errorf("segment_id = %q, want 2", seg.str("segment_id"))
	}

	clock.Advance(1300 * time.Millisecond)
	h.sendText(`{"type":"stop"}`)
	forced := h.expect(stream.TypeScore)
	if forced.str("transcript") != "hello world" || !forced.flag("final") {
		t.Errorf("forced score = %v, want final score of %q", forced, "hello world")
	}
	fin := h.expect(stream.TypeFinal)
	if fin.str("transcript") != "hello world" {
		t.Errorf("final transcript = %q, want %q", fin.str("transcript"), "hello world")
	}
	h.expectClosed(websocket.StatusNormalClosure)

	want := []string{"hello", "hello world"}
	got := sc.Calls()
	if len(got) != len(want) {
		t.Fatalf("Classify calls = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Classify call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHandler_TrailingFinalOnStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okScorer())
	h.session.FinalsOnClose = []stt.Transcript{final("tail end")}
	h.start()

	h.sendText(`{"type":"stop"}`)
	seg := h.expect(stream.TypeSegment)
	if seg.str("text") != "tail end" {
		t.Errorf("segment text = %q, want %q", seg.str("text"), "tail end")
	}
	forced := h.expect(stream.TypeScore)
	if !forced.flag("final") || forced.str("segment_id") != "1" {
		t.Errorf("forced score = %v", forced)
	}
	fin := h.expect(stream.TypeFinal)
	if fin.str("transcript") != "tail end" {
		t.Errorf("transcript = %q", fin.str("transcript"))
	}
}

func TestHandler_StopWithoutSpeech(t *testing.T) {
	t.Parallel()

	sc := okScorer()
	h := newHarness(t, sc)
	h.start()
	h.sendText(`{"type":"stop"}`)
	fin := h.expect(stream.TypeFinal)
	if fin.str("transcript") != "" {
		t.Errorf("transcript = %q, want empty", fin.str("transcript"))
	}
	h.expectClosed(websocket.StatusNormalClosure)
	if n := len(sc.Calls()); n != 0 {
		t.Errorf("Classify calls = %d, want 0", n)
	}
}

func TestHandler_ScoreError(t *testing.T) {
	t.Parallel()

	sc := &scorermock.Provider{ClassifyErr: errors.New("endpoint down")}
	h := newHarness(t, sc)
	h.start()

	h.session.FinalsCh <- final("anything")
	h.expect(stream.TypeSegment)
	m := h.expect(stream.TypeScoreError)
	if m.str("error") != "endpoint down" || m.str("text") != "anything" || m.str("segment_id") != "1" {
		t.Errorf("score_error = %v", m)
	}

	// The session survives scoring failures.
	h.session.PartialsCh <- stt.Transcript{Text: "still here"}
	h.expect(stream.TypePartial)
}

func TestHandler_RecognizerStartFailureCloses(t *testing.T) {
	t.Parallel()

	provider := &sttmock.Provider{StartStreamErr: errors.New("no model")}
	h := newHarnessWith(t, provider, nil, okScorer())

	h.sendText(`{"type":"start"}`)
	h.expectError("no model")
	h.expectClosed(websocket.StatusInternalError)
}

func TestHandler_OneScoreInFlight(t *testing.T) {
	t.Parallel()

	clock := newSyncClock()
	block := make(chan struct{})
	called := make(chan string, 4)
	sc := okScorer()
	sc.Block = block
	sc.Called = called
	h := newHarness(t, sc, stream.WithClock(clock.Now))
	h.start()

	h.session.FinalsCh <- final("a")
	h.expect(stream.TypeSegment)
	<-called

	clock.Advance(2 * time.Second)
	h.session.FinalsCh <- final("b")
	h.expect(stream.TypeSegment)

	if n := len(sc.Calls()); n != 1 {
		t.Fatalf("Classify calls while blocked = %d, want 1", n)
	}
	close(block)

	first := h.expect(stream.TypeScore)
	if first.str("transcript") != "a" {
		t.Errorf("first score transcript = %q, want a", first.str("transcript"))
	}
	second := h.expect(stream.TypeScore)
	if second.str("transcript") != "a b" {
		t.Errorf("deferred score transcript = %q, want %q", second.str("transcript"), "a b")
	}
}

func TestHandler_DisconnectDiscardsResult(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	called := make(chan string, 1)
	sc := okScorer()
	sc.Block = block
	sc.Called = called
	h := newHarness(t, sc)
	h.start()

	h.session.FinalsCh <- final("late")
	h.expect(stream.TypeSegment)
	<-called

	h.conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for h.handler.ActiveSessions() != 0 || !h.session.Closed() {
		if time.Now().After(deadline) {
			t.Fatal("session not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(block)
}

func TestHandler_Shutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, okScorer())
	h.start()

	// The client is not reading while Shutdown runs, so the close
	// handshake stays unanswered until Shutdown has returned.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	begin := time.Now()
	if err := h.handler.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 3*time.Second {
		t.Errorf("Shutdown took %v with an idle client, want under 3s", elapsed)
	}
	h.expectClosed(websocket.StatusGoingAway)
	if n := h.handler.ActiveSessions(); n != 0 {
		t.Errorf("ActiveSessions() = %d, want 0", n)
	}
}
