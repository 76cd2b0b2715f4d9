package audio

import (
	"errors"
	"fmt"
	"math"
)

var (
	mpeg1L3Kbps = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	mpeg2L3Kbps = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0}

	mpegSampleRates = map[int][3]int{
		3: {44100, 48000, 32000}, // MPEG-1
		2: {22050, 24000, 16000}, // MPEG-2
		0: {11025, 12000, 8000},  // MPEG-2.5
	}
)

type frameHeader struct {
	raw        [4]byte
	version    int // 3 = MPEG-1, 2 = MPEG-2, 0 = MPEG-2.5
	bitrate    int // kbps
	sampleRate int
	padding    int
	channels   int
}

func (h frameHeader) samplesPerFrame() int {
	if h.version == 3 {
		return 1152
	}
	return 576
}

func (h frameHeader) frameLen() int {
	coef := 144
	if h.version != 3 {
		coef = 72
	}
	return coef*h.bitrate*1000/h.sampleRate + h.padding
}

// parseFrameHeader accepts Layer III headers only; those are what every TTS
// backend we talk to emits.
func parseFrameHeader(b []byte) (frameHeader, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return frameHeader{}, false
	}
	version := int(b[1]>>3) & 0x3
	layer := int(b[1]>>1) & 0x3
	if version == 1 || layer != 1 {
		return frameHeader{}, false
	}
	brIdx := int(b[2] >> 4)
	srIdx := int(b[2]>>2) & 0x3
	if brIdx == 0 || brIdx == 15 || srIdx == 3 {
		return frameHeader{}, false
	}

	h := frameHeader{
		version:    version,
		sampleRate: mpegSampleRates[version][srIdx],
		padding:    int(b[2]>>1) & 0x1,
		channels:   2,
	}
	if version == 3 {
		h.bitrate = mpeg1L3Kbps[brIdx]
	} else {
		h.bitrate = mpeg2L3Kbps[brIdx]
	}
	if b[3]>>6 == 3 {
		h.channels = 1
	}
	copy(h.raw[:], b[:4])
	return h, true
}

// id3v2Len returns the size of a leading ID3v2 tag, or 0.
func id3v2Len(data []byte) int {
	if len(data) < 10 || string(data[0:3]) != "ID3" {
		return 0
	}
	size := int(data[6]&0x7F)<<21 | int(data[7]&0x7F)<<14 | int(data[8]&0x7F)<<7 | int(data[9]&0x7F)
	n := 10 + size
	if data[5]&0x10 != 0 {
		n += 10 // footer
	}
	if n > len(data) {
		return len(data)
	}
	return n
}

func stripID3v1(data []byte) []byte {
	if len(data) >= 128 && string(data[len(data)-128:len(data)-125]) == "TAG" {
		return data[:len(data)-128]
	}
	return data
}

// firstFrame finds the first frame whose successor (when present) also
// parses, which filters out stray sync patterns inside tag data.
func firstFrame(data []byte) (frameHeader, bool) {
	for i := id3v2Len(data); i+4 <= len(data); i++ {
		h, ok := parseFrameHeader(data[i:])
		if !ok {
			continue
		}
		next := i + h.frameLen()
		if next+4 > len(data) {
			return h, true
		}
		if _, ok := parseFrameHeader(data[next:]); ok {
			return h, true
		}
	}
	return frameHeader{}, false
}

func concatMP3(parts [][]byte) []byte {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for i, p := range parts {
		p = stripID3v1(p)
		if i > 0 {
			p = p[id3v2Len(p):]
		}
		out = append(out, p...)
	}
	return out
}

// silentMP3 builds frames with an all-zero side-info block, which decoders
// render as digital silence. The header is copied from template so the
// frames splice cleanly into the surrounding stream.
func silentMP3(template [4]byte, seconds float64) ([]byte, error) {
	h, ok := parseFrameHeader(template[:])
	if !ok {
		return nil, errors.New("audio: invalid mp3 template header")
	}

	hdr := template
	hdr[1] |= 0x01  // no CRC
	hdr[2] &^= 0x02 // no padding
	h.padding = 0

	size := h.frameLen()
	if size <= 4 {
		return nil, fmt.Errorf("audio: mp3 frame length %d too small", size)
	}
	frames := int(math.Ceil(seconds * float64(h.sampleRate) / float64(h.samplesPerFrame())))

	out := make([]byte, frames*size)
	for f := 0; f < frames; f++ {
		copy(out[f*size:], hdr[:])
	}
	return out, nil
}

func mp3FrameSeconds(h frameHeader) float64 {
	return float64(h.samplesPerFrame()) / float64(h.sampleRate)
}
