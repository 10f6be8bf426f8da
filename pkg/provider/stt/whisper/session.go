package whisper

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/voxguard/voxguard/pkg/provider/stt"
)

const (
	// bitsPerSample is fixed at 16 for the signed little-endian PCM that
	// whisper.cpp expects.
	bitsPerSample = 16

	// defaultRMSThreshold is the root-mean-square energy (in 16-bit PCM
	// units) below which a chunk counts as silence. 300 of a possible
	// 32 767 is near-silence.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "en"
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	// flushTimeout bounds the inference run for audio still buffered at Close.
	flushTimeout = 30 * time.Second
)

// inferFunc transcribes one utterance of PCM audio.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// segmentConfig holds the silence-detection parameters shared by the HTTP and
// native providers.
type segmentConfig struct {
	sampleRate          int
	channels            int
	silenceThresholdMs  int
	maxBufferDurationMs int
}

// batchSession turns a batch transcription engine into a stream. Incoming
// audio is buffered until a run of silence (or the buffer size limit) marks
// the end of an utterance, which is then transcribed in one call. Each
// utterance yields a partial and a final with identical text.
//
// All buffer state is confined to the processLoop goroutine.
type batchSession struct {
	cfg   segmentConfig
	infer inferFunc
	name  string

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	started time.Time
}

// Compile-time assertion that batchSession satisfies stt.SessionHandle.
var _ stt.SessionHandle = (*batchSession)(nil)

func newBatchSession(ctx context.Context, name string, cfg segmentConfig, infer inferFunc) *batchSession {
	if cfg.channels <= 0 {
		cfg.channels = 1
	}
	s := &batchSession{
		cfg:      cfg,
		infer:    infer,
		name:     name,
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
		started:  time.Now(),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

// SendAudio queues a chunk of 16-bit little-endian PCM audio.
func (s *batchSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials returns the interim transcript channel.
func (s *batchSession) Partials() <-chan stt.Transcript { return s.partials }

// Finals returns the final transcript channel.
func (s *batchSession) Finals() <-chan stt.Transcript { return s.finals }

// Close transcribes any buffered speech, delivers the result on Finals and
// closes both channels.
func (s *batchSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *batchSession) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer    []byte
		hadSpeech bool
		silenceMs int
		offset    time.Duration // stream time at the start of buffer
		elapsed   time.Duration // stream time consumed so far
	)

	bytesPerMs := s.cfg.sampleRate * s.cfg.channels * (bitsPerSample / 8) / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.cfg.maxBufferDurationMs * bytesPerMs

	flush := func(flushCtx context.Context, closing bool) {
		pcm, speech, start := buffer, hadSpeech, offset
		buffer, hadSpeech, silenceMs = nil, false, 0
		offset = elapsed
		if len(pcm) == 0 || !speech {
			return
		}

		text, err := s.infer(flushCtx, pcm)
		if err != nil {
			slog.Warn("whisper inference failed", "provider", s.name, "err", err)
			return
		}
		if text == "" {
			return
		}

		dur := time.Duration(chunkDurationMs(pcm, s.cfg.sampleRate, s.cfg.channels)) * time.Millisecond
		partial := stt.Transcript{Text: text, Timestamp: start, Duration: dur}
		final := partial
		final.IsFinal = true

		select {
		case s.partials <- partial:
		default:
		}
		if closing {
			// The consumer drains Finals while Close runs.
			select {
			case s.finals <- final:
			case <-flushCtx.Done():
			}
			return
		}
		select {
		case s.finals <- final:
		case <-ctx.Done():
		}
	}

	flushOnExit := func() {
		fc, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		flush(fc, true)
	}

	for {
		select {
		case <-ctx.Done():
			flushOnExit()
			return

		case <-s.done:
			// Audio queued before Close still belongs to the utterance.
		drain:
			for {
				select {
				case chunk := <-s.audioCh:
					buffer = append(buffer, chunk...)
					if computeRMS(chunk) >= defaultRMSThreshold {
						hadSpeech = true
					}
				default:
					break drain
				}
			}
			flushOnExit()
			return

		case chunk := <-s.audioCh:
			chunkDur := time.Duration(chunkDurationMs(chunk, s.cfg.sampleRate, s.cfg.channels)) * time.Millisecond
			elapsed += chunkDur

			if computeRMS(chunk) < defaultRMSThreshold {
				// Leading silence before any speech is discarded.
				if !hadSpeech {
					offset = elapsed
					continue
				}
				silenceMs += int(chunkDur / time.Millisecond)
				buffer = append(buffer, chunk...)
				if silenceMs >= s.cfg.silenceThresholdMs {
					flush(ctx, false)
				}
				continue
			}

			hadSpeech = true
			silenceMs = 0
			buffer = append(buffer, chunk...)
			if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
				flush(ctx, false)
			}
		}
	}
}

// computeRMS returns the root-mean-square energy of 16-bit PCM, or 0 for
// buffers shorter than one sample.
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// chunkDurationMs returns the duration of chunk in milliseconds, or 0 for
// invalid formats.
func chunkDurationMs(chunk []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * (bitsPerSample / 8)
	return len(chunk) * 1000 / bytesPerSec
}
