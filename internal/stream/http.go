package stream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/voxguard/voxguard/pkg/provider/scorer"
)

// maxChunkBytes bounds one uploaded audio chunk.
const maxChunkBytes = 4 << 20

// HandleTranscribe serves POST /api/v1/transcribe?stream_id=&sample_rate=
// with a raw PCM body.
func (r *Registry) HandleTranscribe(w http.ResponseWriter, req *http.Request) {
	rate := DefaultSampleRate
	if raw := strings.TrimSpace(req.URL.Query().Get("sample_rate")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "sample_rate must be a positive integer.")
			return
		}
		rate = n
	}
	chunk, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxChunkBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Audio chunk is too large.")
		return
	}

	res, err := r.Transcribe(req.Context(), req.URL.Query().Get("stream_id"), rate, chunk)
	switch {
	case errors.Is(err, ErrEmptyChunk):
		writeError(w, http.StatusBadRequest, "Audio chunk body is required.")
	case errors.Is(err, ErrStreamNotFound):
		writeError(w, http.StatusNotFound, "Unknown stream_id.")
	case err != nil:
		slog.Error("stream: transcribe chunk", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// HandleFinalize serves POST /api/v1/finalize with body {"stream_id": ...}.
func (r *Registry) HandleFinalize(w http.ResponseWriter, req *http.Request) {
	var body struct {
		StreamID string `json:"stream_id"`
	}
	// A malformed body is treated like a missing id.
	_ = json.NewDecoder(io.LimitReader(req.Body, 1<<16)).Decode(&body)
	if strings.TrimSpace(body.StreamID) == "" {
		writeError(w, http.StatusBadRequest, "stream_id is required.")
		return
	}

	res, err := r.Finalize(req.Context(), body.StreamID)
	switch {
	case errors.Is(err, ErrStreamNotFound):
		writeError(w, http.StatusNotFound, "Unknown stream_id.")
	case err != nil:
		slog.Error("stream: finalize", "err", err)
		writeError(w, http.StatusInternalServerError, "Failed to finalize stream: "+err.Error())
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// ClassifyHandler serves POST /api/v1/classify with body {"text": ...} and
// answers with the classification of text by sc.
func ClassifyHandler(sc scorer.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Text *string `json:"text"`
		}
		if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&body); err != nil || body.Text == nil {
			writeError(w, http.StatusBadRequest, "text is required.")
			return
		}
		res, err := sc.Classify(req.Context(), *body.Text)
		if err != nil {
			writeError(w, http.StatusBadGateway, "Failed to classify text: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("stream: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
