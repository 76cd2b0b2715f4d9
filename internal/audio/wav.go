package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/go-audio/wav"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

type wavData struct {
	channels    int
	sampleRate  int
	bitDepth    int
	audioFormat int
	pcm         []byte
}

func (w *wavData) blockAlign() int {
	return w.channels * w.bitDepth / 8
}

func (w *wavData) seconds() float64 {
	bps := w.sampleRate * w.blockAlign()
	if bps == 0 {
		return 0
	}
	return float64(len(w.pcm)) / float64(bps)
}

func (w *wavData) sameShape(o *wavData) bool {
	return w.channels == o.channels && w.sampleRate == o.sampleRate &&
		w.bitDepth == o.bitDepth && w.audioFormat == o.audioFormat
}

func readWAV(data []byte) (*wavData, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if dec.NumChans == 0 {
		return nil, fmt.Errorf("%w: invalid wav header", ErrUndecodable)
	}
	if err := dec.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	// Streaming encoders sometimes write a placeholder data size, so read
	// whatever is actually present rather than trusting the chunk header.
	pcm, err := io.ReadAll(dec.PCMChunk)
	if err != nil && len(pcm) == 0 {
		return nil, fmt.Errorf("%w: read pcm: %v", ErrUndecodable, err)
	}

	w := &wavData{
		channels:    int(dec.NumChans),
		sampleRate:  int(dec.SampleRate),
		bitDepth:    int(dec.BitDepth),
		audioFormat: int(dec.WavAudioFormat),
	}
	if w.channels <= 0 || w.sampleRate <= 0 || w.bitDepth <= 0 {
		return nil, fmt.Errorf("%w: wav header missing format fields", ErrUndecodable)
	}
	if w.audioFormat != wavFormatPCM && w.audioFormat != wavFormatFloat {
		return nil, fmt.Errorf("%w: unsupported wav encoding %d", ErrUndecodable, w.audioFormat)
	}
	if ba := w.blockAlign(); ba > 0 {
		pcm = pcm[:len(pcm)-len(pcm)%ba]
	}
	w.pcm = pcm
	return w, nil
}

// encode writes a canonical 44-byte-header RIFF file.
func (w *wavData) encode() []byte {
	var buf bytes.Buffer
	buf.Grow(44 + len(w.pcm))

	le := binary.LittleEndian
	put32 := func(v int) { _ = binary.Write(&buf, le, uint32(v)) }
	put16 := func(v int) { _ = binary.Write(&buf, le, uint16(v)) }

	buf.WriteString("RIFF")
	put32(36 + len(w.pcm))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	put32(16)
	put16(w.audioFormat)
	put16(w.channels)
	put32(w.sampleRate)
	put32(w.sampleRate * w.blockAlign())
	put16(w.blockAlign())
	put16(w.bitDepth)

	buf.WriteString("data")
	put32(len(w.pcm))
	buf.Write(w.pcm)
	return buf.Bytes()
}

func concatWAV(parts [][]byte) ([]byte, error) {
	var (
		first *wavData
		total int
		pcms  = make([][]byte, 0, len(parts))
	)
	for i, p := range parts {
		w, err := readWAV(p)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		if first == nil {
			first = w
		} else if !first.sameShape(w) {
			return nil, fmt.Errorf("%w: part %d is %dHz/%dch/%dbit, expected %dHz/%dch/%dbit",
				ErrMixedFormats, i, w.sampleRate, w.channels, w.bitDepth,
				first.sampleRate, first.channels, first.bitDepth)
		}
		pcms = append(pcms, w.pcm)
		total += len(w.pcm)
	}

	joined := make([]byte, 0, total)
	for _, pcm := range pcms {
		joined = append(joined, pcm...)
	}
	out := *first
	out.pcm = joined
	return out.encode(), nil
}

// WrapPCM puts a WAV header in front of raw little-endian PCM, as produced
// by local engines writing to stdout.
func WrapPCM(pcm []byte, sampleRate, channels, bitDepth int) []byte {
	w := wavData{
		channels:    channels,
		sampleRate:  sampleRate,
		bitDepth:    bitDepth,
		audioFormat: wavFormatPCM,
		pcm:         pcm,
	}
	if ba := w.blockAlign(); ba > 0 {
		w.pcm = pcm[:len(pcm)-len(pcm)%ba]
	}
	return w.encode()
}
