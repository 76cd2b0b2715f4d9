// Package audio measures, joins and pads narration payloads. Durations are
// always taken from decoded sample counts, never from text length.
package audio

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/hajimehoshi/go-mp3"
)

type Format string

const (
	FormatUnknown Format = ""
	FormatMP3     Format = "mp3"
	FormatWAV     Format = "wav"
)

func (f Format) MIME() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatWAV:
		return "audio/wav"
	}
	return "application/octet-stream"
}

func (f Format) Ext() string {
	if f == FormatUnknown {
		return ".bin"
	}
	return "." + string(f)
}

var (
	ErrUndecodable  = errors.New("audio: undecodable payload")
	ErrMixedFormats = errors.New("audio: parts have different formats")
)

// Detect sniffs the container format from the leading bytes.
func Detect(data []byte) Format {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return FormatWAV
	}
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return FormatMP3
	}
	if _, ok := firstFrame(data); ok {
		return FormatMP3
	}
	return FormatUnknown
}

// Measure decodes data and returns its playback length in seconds.
func Measure(data []byte) (float64, Format, error) {
	if len(data) == 0 {
		return 0, FormatUnknown, fmt.Errorf("%w: empty", ErrUndecodable)
	}
	switch f := Detect(data); f {
	case FormatWAV:
		w, err := readWAV(data)
		if err != nil {
			return 0, f, err
		}
		return w.seconds(), f, nil
	case FormatMP3:
		secs, err := measureMP3(data)
		return secs, f, err
	default:
		return 0, f, fmt.Errorf("%w: unrecognised container", ErrUndecodable)
	}
}

func measureMP3(data []byte) (float64, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	// go-mp3 always decodes to 16-bit stereo: 4 bytes per sample frame.
	n := dec.Length()
	if n <= 0 || dec.SampleRate() <= 0 {
		return 0, fmt.Errorf("%w: mp3 stream has no frames", ErrUndecodable)
	}
	return float64(n) / 4 / float64(dec.SampleRate()), nil
}

// Params describes a stream well enough to synthesize silence that can be
// concatenated with it.
type Params struct {
	Format     Format
	SampleRate int
	Channels   int
	BitDepth   int
	wavFormat  int
	mp3Header  [4]byte
}

// DefaultParams is used when a track has no audio to copy parameters from.
func DefaultParams() Params {
	return Params{Format: FormatWAV, SampleRate: 24000, Channels: 1, BitDepth: 16, wavFormat: wavFormatPCM}
}

// Probe returns the parameters of data.
func Probe(data []byte) (Params, error) {
	switch Detect(data) {
	case FormatWAV:
		w, err := readWAV(data)
		if err != nil {
			return Params{}, err
		}
		return Params{
			Format:     FormatWAV,
			SampleRate: w.sampleRate,
			Channels:   w.channels,
			BitDepth:   w.bitDepth,
			wavFormat:  w.audioFormat,
		}, nil
	case FormatMP3:
		h, ok := firstFrame(data)
		if !ok {
			return Params{}, fmt.Errorf("%w: no mp3 frame found", ErrUndecodable)
		}
		p := Params{Format: FormatMP3, SampleRate: h.sampleRate, Channels: h.channels, BitDepth: 16}
		copy(p.mp3Header[:], h.raw[:])
		return p, nil
	}
	return Params{}, fmt.Errorf("%w: unrecognised container", ErrUndecodable)
}

// Silence returns a payload of at least seconds of silence matching p.
func Silence(p Params, seconds float64) ([]byte, error) {
	if seconds < 0 {
		seconds = 0
	}
	switch p.Format {
	case FormatWAV:
		w := wavData{
			channels:    p.Channels,
			sampleRate:  p.SampleRate,
			bitDepth:    p.BitDepth,
			audioFormat: p.wavFormat,
		}
		if w.audioFormat == 0 {
			w.audioFormat = wavFormatPCM
		}
		frames := int(seconds*float64(p.SampleRate) + 0.5)
		w.pcm = make([]byte, frames*w.blockAlign())
		if w.bitDepth == 8 {
			// unsigned 8-bit PCM is centred on 128
			for i := range w.pcm {
				w.pcm[i] = 0x80
			}
		}
		return w.encode(), nil
	case FormatMP3:
		return silentMP3(p.mp3Header, seconds)
	}
	return nil, fmt.Errorf("audio: cannot synthesize silence for format %q", p.Format)
}

// Concat joins parts into one track in order. All parts must share a format;
// WAV parts must also share sample rate, channel count and bit depth.
func Concat(parts [][]byte) ([]byte, Format, error) {
	if len(parts) == 0 {
		return nil, FormatUnknown, errors.New("audio: nothing to concatenate")
	}
	format := Detect(parts[0])
	for i, p := range parts {
		f := Detect(p)
		if f == FormatUnknown {
			return nil, FormatUnknown, fmt.Errorf("%w: part %d", ErrUndecodable, i)
		}
		if f != format {
			return nil, FormatUnknown, fmt.Errorf("%w: part %d is %s, expected %s", ErrMixedFormats, i, f, format)
		}
	}

	switch format {
	case FormatWAV:
		out, err := concatWAV(parts)
		return out, format, err
	default:
		return concatMP3(parts), format, nil
	}
}
