// Package deepgram provides a Deepgram-backed recognizer using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxguard/voxguard/pkg/provider/stt"
)

const (
	defaultEndpoint     = "wss://api.deepgram.com/v1/listen"
	defaultModel        = "nova-3"
	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultFlushTimeout = 5 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default BCP-47 language code.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the streaming endpoint. Used to point the provider
// at a self-hosted Deepgram or a test server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithFlushTimeout bounds how long Close waits for Deepgram to return the
// results of buffered audio. Defaults to 5s.
func WithFlushTimeout(d time.Duration) Option {
	return func(p *Provider) { p.flushTimeout = d }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	language     string
	flushTimeout time.Duration
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     defaultEndpoint,
		model:        defaultModel,
		language:     defaultLanguage,
		flushTimeout: defaultFlushTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream dials Deepgram and returns a live session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	// The connection outlives the dial context; Close owns its shutdown.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{
		conn:         conn,
		partials:     make(chan stt.Transcript, 64),
		finals:       make(chan stt.Transcript, 64),
		audio:        make(chan []byte, 256),
		closing:      make(chan struct{}),
		cancel:       cancel,
		flushTimeout: p.flushTimeout,
	}

	sess.readDone = make(chan struct{})
	sess.writeDone = make(chan struct{})
	go sess.readLoop(runCtx)
	go sess.writeLoop(runCtx)

	return sess, nil
}

// buildURL constructs the streaming endpoint URL for cfg.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Deepgram Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram stream. It implements stt.SessionHandle.
type session struct {
	conn     *websocket.Conn
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	// closing is closed when Close starts; writeLoop then drains and sends
	// CloseStream so Deepgram returns the remaining results.
	closing   chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	flushTimeout time.Duration
	readDone     chan struct{}
	writeDone    chan struct{}
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return stt.ErrSessionClosed
	}
}

// Partials returns the channel of interim transcripts.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the channel of final transcripts.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close flushes queued audio, asks Deepgram to finish and waits up to the
// flush timeout for the remaining results before tearing the connection down.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		<-s.writeDone

		select {
		case <-s.readDone:
		case <-time.After(s.flushTimeout):
		}
		s.cancel()
		<-s.readDone
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// writeLoop forwards queued audio. Once closing, it drains the queue and
// sends CloseStream.
func (s *session) writeLoop(ctx context.Context) {
	defer close(s.writeDone)
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.closing:
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					return
				}
			}
		}
	}
}

// readLoop dispatches Deepgram results until the connection ends. Finals are
// delivered even while closing; the send only gives up once ctx is cancelled.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		t, ok := parseDeepgramResponse(msg)
		if !ok || t.Text == "" {
			continue
		}

		if t.IsFinal {
			select {
			case s.finals <- t:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case s.partials <- t:
		case <-s.closing:
			// Nobody needs interim results once the stream is ending.
		case <-ctx.Done():
			return
		}
	}
}

// parseDeepgramResponse parses a raw Deepgram message into a Transcript.
// Returns (zero, false) for messages that carry no transcript.
func parseDeepgramResponse(data []byte) (stt.Transcript, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]stt.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Word,
			Start:      seconds(w.Start),
			End:        seconds(w.End),
			Confidence: w.Confidence,
		})
	}

	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Words:      words,
		Timestamp:  seconds(resp.Start),
		Duration:   seconds(resp.Duration),
	}, true
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
