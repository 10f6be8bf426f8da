package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/voxguard/voxguard/internal/app"
	"github.com/voxguard/voxguard/internal/config"
	"github.com/voxguard/voxguard/internal/resilience"
	"github.com/voxguard/voxguard/pkg/provider/stt"
	"github.com/voxguard/voxguard/pkg/provider/stt/deepgram"
	sttmock "github.com/voxguard/voxguard/pkg/provider/stt/mock"
	"github.com/voxguard/voxguard/pkg/provider/stt/whisper"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in recognizer factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages. Scorers are registered by the app,
// since they share its lexicon and metrics.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if ms := entry.OptionInt("silence_threshold_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithSilenceThresholdMs(ms))
		}
		if ms := entry.OptionInt("max_buffer_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithMaxBufferDurationMs(ms))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if ms := entry.OptionInt("silence_threshold_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithNativeSilenceThresholdMs(ms))
		}
		if ms := entry.OptionInt("max_buffer_ms", 0); ms > 0 {
			opts = append(opts, whisper.WithNativeMaxBufferDurationMs(ms))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// mock replays options.script, one line per audio chunk, and is silent
	// without one. It exercises the protocol without a recognizer.
	reg.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) {
		return &sttmock.Provider{Script: entry.OptionStrings("script")}, nil
	})

	for _, name := range reg.STTNames() {
		slog.Debug("registered provider", "kind", "stt", "name", name)
	}
}

// buildProviders instantiates the recognizers named in cfg using the registry
// and returns them in an [app.Providers] struct, plus the closers of the
// providers that hold resources.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, []io.Closer, error) {
	ps := &app.Providers{}
	var closers []io.Closer

	create := func(entry config.ProviderEntry) (stt.Provider, error) {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
		}
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c)
		}
		slog.Info("provider created", "kind", "stt", "name", entry.Name)
		return p, nil
	}

	name := cfg.Providers.STT.Name
	if name == "" {
		return ps, nil, nil
	}
	primary, err := create(cfg.Providers.STT)
	if err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	ps.STT, ps.STTName = primary, name

	if fbName := cfg.Providers.STTFallback.Name; fbName != "" {
		fallback, err := create(cfg.Providers.STTFallback)
		if err != nil {
			closeAll(closers)
			return nil, nil, err
		}
		group := resilience.NewSTTFallback(primary, name, resilience.FallbackConfig{})
		group.AddFallback(fbName, fallback)
		ps.STT, ps.STTName = group, name+"+"+fbName
	}
	return ps, closers, nil
}

func closeAll(closers []io.Closer) {
	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("provider close error", "err", err)
	}
}
