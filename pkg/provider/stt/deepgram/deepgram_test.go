package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxguard/voxguard/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "host", "api.deepgram.com", u.Host)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	if _, ok := q["keywords"]; ok {
		t.Error("expected no 'keywords' param when none provided")
	}
}

func TestBuildURL_Overrides(t *testing.T) {
	t.Parallel()
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithEndpoint("ws://localhost:9999/v1/listen"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{
		Language: "fr-FR",
		Keywords: []stt.KeywordBoost{{Keyword: "useless", Boost: 2}},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "host", "localhost:9999", u.Host)
	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "fr-FR", q.Get("language"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "keywords", "useless:2", q.Get("keywords"))
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantText  string
		wantFinal bool
	}{
		{
			name:      "final",
			raw:       `{"type":"Results","is_final":true,"start":1.5,"duration":0.5,"channel":{"alternatives":[{"transcript":"Hello world","confidence":0.95,"words":[{"word":"Hello","start":0.1,"end":0.5,"confidence":0.97}]}]}}`,
			wantOK:    true,
			wantText:  "Hello world",
			wantFinal: true,
		},
		{
			name:     "partial",
			raw:      `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hello"}]}}`,
			wantOK:   true,
			wantText: "Hello",
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr, ok := parseDeepgramResponse([]byte(tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			assertEqual(t, "text", tt.wantText, tr.Text)
			if tr.IsFinal != tt.wantFinal {
				t.Errorf("IsFinal = %v, want %v", tr.IsFinal, tt.wantFinal)
			}
		})
	}
}

func TestParseDeepgramResponse_Timing(t *testing.T) {
	t.Parallel()
	raw := `{"type":"Results","is_final":true,"start":1.5,"duration":0.5,"channel":{"alternatives":[{"transcript":"hi","words":[{"word":"hi","start":0.1,"end":0.5}]}]}}`
	tr, ok := parseDeepgramResponse([]byte(raw))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if tr.Timestamp != 1500*time.Millisecond || tr.Duration != 500*time.Millisecond {
		t.Errorf("Timestamp, Duration = %v, %v, want 1.5s, 500ms", tr.Timestamp, tr.Duration)
	}
	if len(tr.Words) != 1 || tr.Words[0].End != 500*time.Millisecond {
		t.Errorf("Words = %+v, want one word ending at 500ms", tr.Words)
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- Session tests ----

// fakeDeepgram emits a partial for every audio frame and, on CloseStream,
// a final with the number of frames received before closing the socket.
func fakeDeepgram(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		frames := 0
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				frames++
				_ = conn.Write(ctx, websocket.MessageText,
					[]byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hel"}]}}`))
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				text := strings.Repeat("word ", frames)
				_ = conn.Write(ctx, websocket.MessageText,
					[]byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"`+strings.TrimSpace(text)+`"}]}}`))
				conn.Close(websocket.StatusNormalClosure, "done")
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSession_CloseDeliversTrailingFinal(t *testing.T) {
	t.Parallel()
	srv := fakeDeepgram(t)

	p, err := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	for range 2 {
		if err := h.SendAudio(make([]byte, 320)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	var finals []string
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for f := range h.Finals() {
			finals = append(finals, f.Text)
		}
	}()
	go func() {
		for range h.Partials() {
		}
	}()

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("Finals channel not closed after Close")
	}

	if len(finals) != 1 || finals[0] != "word word" {
		t.Errorf("finals = %q, want [\"word word\"]", finals)
	}
	if err := h.SendAudio([]byte{0, 0}); err != stt.ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
}

func TestStartStream_Unauthorized(t *testing.T) {
	t.Parallel()
	srv := fakeDeepgram(t)

	p, _ := New("wrong", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{}); err == nil {
		t.Fatal("expected dial error for rejected key")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
