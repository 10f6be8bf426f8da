// The native provider links whisper.cpp through cgo. libwhisper.a and
// whisper.h must be reachable through LIBRARY_PATH and C_INCLUDE_PATH at
// build time.

package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/voxguard/voxguard/pkg/provider/stt"
)

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// ── Model cache ──────────────────────────────────────────────────────────────

// ModelCache shares loaded whisper models between providers. A model file is
// loaded on first Acquire and unloaded when its last holder releases it.
type ModelCache struct {
	mu     sync.Mutex
	models map[string]*cachedModel
	load   func(path string) (whisperlib.Model, error)
}

type cachedModel struct {
	model whisperlib.Model
	refs  int
}

// NewModelCache returns an empty cache.
func NewModelCache() *ModelCache {
	return &ModelCache{
		models: make(map[string]*cachedModel),
		load:   whisperlib.New,
	}
}

var defaultModelCache = NewModelCache()

// Acquire returns the model stored at path, loading it if needed. The
// returned release func must be called exactly once when the caller is done.
func (c *ModelCache) Acquire(path string) (whisperlib.Model, func(), error) {
	if path == "" {
		return nil, nil, errors.New("whisper: modelPath must not be empty")
	}
	key, err := filepath.Abs(path)
	if err != nil {
		key = filepath.Clean(path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cm, ok := c.models[key]
	if !ok {
		m, err := c.load(key)
		if err != nil {
			return nil, nil, fmt.Errorf("whisper: load model %q: %w", path, err)
		}
		cm = &cachedModel{model: m}
		c.models[key] = cm
		slog.Info("whisper model loaded", "path", key)
	}
	cm.refs++

	var once sync.Once
	release := func() {
		once.Do(func() { c.release(key) })
	}
	return cm.model, release, nil
}

func (c *ModelCache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cm, ok := c.models[key]
	if !ok {
		return
	}
	cm.refs--
	if cm.refs > 0 {
		return
	}
	delete(c.models, key)
	if err := cm.model.Close(); err != nil {
		slog.Warn("whisper model close failed", "path", key, "err", err)
	}
}

// Len reports the number of models currently loaded.
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.models)
}

// ── Provider ─────────────────────────────────────────────────────────────────

// NativeProvider implements stt.Provider on top of the whisper.cpp bindings.
// Sessions share the provider's model and create their own inference context
// per utterance.
type NativeProvider struct {
	model    whisperlib.Model
	release  func()
	cache    *ModelCache
	language string
	segment  segmentConfig
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the transcription language. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSilenceThresholdMs sets the run of silence (ms) that ends an
// utterance. Defaults to 500.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.segment.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs sets the longest utterance (ms) buffered
// before a forced transcription. Defaults to 10 000.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.segment.maxBufferDurationMs = ms }
}

// WithModelCache loads the model through c instead of the process-wide
// cache.
func WithModelCache(c *ModelCache) NativeOption {
	return func(p *NativeProvider) { p.cache = c }
}

// NewNative creates a NativeProvider for the model file at modelPath. Call
// Close to release the model.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	p := &NativeProvider{
		cache:    defaultModelCache,
		language: defaultLanguage,
		segment: segmentConfig{
			sampleRate:          defaultSampleRate,
			silenceThresholdMs:  defaultSilenceThresholdMs,
			maxBufferDurationMs: defaultMaxBufferDurationMs,
		},
	}
	for _, o := range opts {
		o(p)
	}
	model, release, err := p.cache.Acquire(modelPath)
	if err != nil {
		return nil, err
	}
	p.model, p.release = model, release
	return p, nil
}

// Close releases the provider's hold on the model.
func (p *NativeProvider) Close() error {
	if p.release != nil {
		p.release()
	}
	return nil
}

// StartStream opens a session. Zero fields in cfg fall back to the provider
// defaults.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	seg := p.segment
	if cfg.SampleRate > 0 {
		seg.sampleRate = cfg.SampleRate
	}
	seg.channels = max(cfg.Channels, 1)

	infer := func(_ context.Context, pcm []byte) (string, error) {
		return p.infer(pcm, seg.channels, lang)
	}
	return newBatchSession(ctx, "whisper-native", seg, infer), nil
}

// infer runs one utterance through a fresh whisper context. Contexts are not
// safe for concurrent use; the model is.
func (p *NativeProvider) infer(pcm []byte, channels int, lang string) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper language not supported, using model default", "language", lang, "err", err)
	}
	if err := wctx.Process(monoSamples(pcm, channels), nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// monoSamples converts interleaved 16-bit little-endian PCM to mono float32
// in [-1, 1], averaging channels per frame. A trailing partial frame is
// dropped.
func monoSamples(pcm []byte, channels int) []float32 {
	channels = max(channels, 1)
	frameBytes := 2 * channels
	out := make([]float32, len(pcm)/frameBytes)
	for i := range out {
		frame := pcm[i*frameBytes : (i+1)*frameBytes]
		var sum float32
		for c := 0; c < len(frame); c += 2 {
			sum += float32(int16(binary.LittleEndian.Uint16(frame[c:]))) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}
