package whisper

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

func pcm16(samples ...int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestMonoSamples(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		pcm      []byte
		channels int
		want     []float32
	}{
		{name: "empty", pcm: nil, channels: 1, want: []float32{}},
		{name: "mono", pcm: pcm16(16384, -16384), channels: 1, want: []float32{0.5, -0.5}},
		{name: "zero channels treated as mono", pcm: pcm16(-32768), channels: 0, want: []float32{-1}},
		{name: "stereo averaged", pcm: pcm16(16384, 0, -32768, 0), channels: 2, want: []float32{0.25, -0.5}},
		{name: "partial frame dropped", pcm: append(pcm16(16384, 16384), 0x01), channels: 2, want: []float32{0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := monoSamples(tt.pcm, tt.channels)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(float64(got[i]-tt.want[i])) > 1e-6 {
					t.Errorf("sample[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestComputeRMS(t *testing.T) {
	t.Parallel()

	if got := computeRMS(nil); got != 0 {
		t.Errorf("computeRMS(nil) = %v, want 0", got)
	}
	if got := computeRMS(pcm16(300, -300, 300, -300)); math.Abs(got-300) > 1e-9 {
		t.Errorf("computeRMS(±300) = %v, want 300", got)
	}
}

func TestChunkDurationMs(t *testing.T) {
	t.Parallel()

	if got := chunkDurationMs(make([]byte, 3200), 16000, 1); got != 100 {
		t.Errorf("chunkDurationMs(3200B, 16k mono) = %d, want 100", got)
	}
	if got := chunkDurationMs(make([]byte, 3200), 16000, 2); got != 50 {
		t.Errorf("chunkDurationMs(3200B, 16k stereo) = %d, want 50", got)
	}
	if got := chunkDurationMs(make([]byte, 3200), 0, 1); got != 0 {
		t.Errorf("chunkDurationMs(rate 0) = %d, want 0", got)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	t.Parallel()

	pcm := pcm16(1, 2, 3, 4)
	wav := encodeWAV(pcm, 16000, 1)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Errorf("bad chunk ids in header %q", wav[:44])
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size = %d, want %d", got, len(pcm))
	}
}

// ---- model cache ----

type fakeModel struct {
	whisperlib.Model
	closed int
}

func (m *fakeModel) Close() error {
	m.closed++
	return nil
}

func TestModelCacheSharesAndReleases(t *testing.T) {
	t.Parallel()

	loads := 0
	model := &fakeModel{}
	c := NewModelCache()
	c.load = func(string) (whisperlib.Model, error) {
		loads++
		return model, nil
	}

	m1, release1, err := c.Acquire("models/base.bin")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	m2, release2, err := c.Acquire("./models/base.bin")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if m1 != m2 {
		t.Error("Acquire returned different models for the same file")
	}
	if loads != 1 {
		t.Errorf("loads = %d, want 1", loads)
	}

	release1()
	release1()
	if model.closed != 0 {
		t.Errorf("model closed with a holder remaining")
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}

	release2()
	if model.closed != 1 {
		t.Errorf("closed = %d, want 1", model.closed)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestModelCacheLoadError(t *testing.T) {
	t.Parallel()

	boom := errors.New("bad magic")
	c := NewModelCache()
	c.load = func(string) (whisperlib.Model, error) { return nil, boom }

	if _, _, err := c.Acquire("x.bin"); !errors.Is(err, boom) {
		t.Errorf("Acquire err = %v, want wrapping %v", err, boom)
	}
	if _, _, err := c.Acquire(""); err == nil {
		t.Error("Acquire(\"\") should fail")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
