package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

func TestAlignRequestsWordTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		if got := r.FormValue("timestamp_granularities[]"); got != "word" {
			t.Errorf("granularity = %q", got)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %q", got)
		}
		if _, hdr, err := r.FormFile("file"); err != nil || hdr.Filename != "scene.wav" {
			t.Errorf("file part missing: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":     "Hello world",
			"duration": 1.2,
			"words": []map[string]any{
				{"word": "Hello", "start": 0.0, "end": 0.5},
				{"word": "world", "start": 0.6, "end": 1.1},
			},
		})
	}))
	defer srv.Close()

	a := NewLocalSTT(LocalSTTConfig{BaseURL: srv.URL})
	res, err := a.Align(context.Background(), AlignmentRequest{Audio: []byte("RIFF"), Filename: "scene.wav"})
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if len(res.Words) != 2 || res.Words[1].StartMs != 600 || res.Words[1].EndMs != 1100 {
		t.Fatalf("unexpected words %+v", res.Words)
	}
}

func TestAlignServerErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOpenAISTT(OpenAISTTConfig{BaseURL: srv.URL}).Align(context.Background(), AlignmentRequest{Audio: []byte{1}})
	if retry.Classify(err) != retry.ClassTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestNewDisabledByDefault(t *testing.T) {
	a, err := New(config.STTConfig{Backend: "none"})
	if err != nil || a != nil {
		t.Fatalf("expected no aligner, got %v %v", a, err)
	}
}
