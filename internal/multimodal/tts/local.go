package tts

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/nikhilbhutani/lessonreel/internal/audio"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
)

// LocalTTSConfig holds configuration for the local Piper TTS backend.
type LocalTTSConfig struct {
	PiperBinPath string // default: "piper"
	ModelPath    string // required: path to the .onnx voice model
	SampleRate   int    // default: 22050, must match the voice model
}

// LocalTTS synthesizes speech using the Piper binary via subprocess.
// Voice selection is controlled by the model file; speed maps to Piper's
// length scale.
type LocalTTS struct {
	cfg LocalTTSConfig
}

// NewLocalTTS creates a LocalTTS backed by a local Piper binary.
func NewLocalTTS(cfg LocalTTSConfig) *LocalTTS {
	if cfg.PiperBinPath == "" {
		cfg.PiperBinPath = "piper"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 22050
	}
	return &LocalTTS{cfg: cfg}
}

func (l *LocalTTS) Name() string { return "local-piper" }

// Synthesize pipes text into Piper and wraps its raw 16-bit mono PCM in a
// WAV container.
func (l *LocalTTS) Synthesize(ctx context.Context, req SynthesisRequest) (*SynthesisResult, error) {
	if l.cfg.ModelPath == "" {
		return nil, retry.Permanent(fmt.Errorf("piper model path is required (set TTS_LOCAL_PIPER_MODEL)"))
	}

	args := []string{"--model", l.cfg.ModelPath, "--output-raw"}
	if req.Speed > 0 {
		args = append(args, "--length_scale", strconv.FormatFloat(1/req.Speed, 'f', 3, 64))
	}
	cmd := exec.CommandContext(ctx, l.cfg.PiperBinPath, args...)
	cmd.Stdin = strings.NewReader(req.Input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, retry.Permanent(fmt.Errorf("piper failed: %w (stderr: %s)", err, stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("piper produced no audio: %w", retry.ErrEmptyResponse)
	}

	return &SynthesisResult{
		Audio:  audio.WrapPCM(stdout.Bytes(), l.cfg.SampleRate, 1, 16),
		Format: audio.FormatWAV,
	}, nil
}
