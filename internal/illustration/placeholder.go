package illustration

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/nikhilbhutani/lessonreel/internal/multimodal/imagegen"
)

// text is drawn on a canvas this many times smaller and scaled up, so the
// 7x13 bitmap font stays legible at video resolution.
const placeholderScale = 4

// Placeholder renders a flat-colour PNG carrying the caption. The same
// caption, index and aspect ratio always produce the same bytes.
func Placeholder(caption string, index int, aspect string) ([]byte, error) {
	caption = strings.TrimSpace(caption)
	if caption == "" {
		caption = fmt.Sprintf("Scene %d", index+1)
	}

	w, h := imagegen.Dimensions(aspect)
	sw, sh := w/placeholderScale, h/placeholderScale
	small := image.NewRGBA(image.Rect(0, 0, sw, sh))
	draw.Draw(small, small.Bounds(), &image.Uniform{C: placeholderColor(caption, index)}, image.Point{}, draw.Src)

	face := basicfont.Face7x13
	const (
		margin     = 8
		lineHeight = 15
	)
	lines := wrap(caption, (sw-2*margin)/face.Advance)
	if maxLines := (sh - 2*margin) / lineHeight; len(lines) > maxLines {
		lines = lines[:maxLines]
		lines[maxLines-1] = strings.TrimRight(lines[maxLines-1], " .") + "..."
	}
	top := (sh-len(lines)*lineHeight)/2 + face.Ascent
	for i, line := range lines {
		width := font.MeasureString(face, line).Ceil()
		d := &font.Drawer{
			Dst:  small,
			Src:  image.White,
			Face: face,
			Dot:  fixed.P((sw-width)/2, top+i*lineHeight),
		}
		d.DrawString(line)
	}

	full := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(full, full.Bounds(), small, small.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, full); err != nil {
		return nil, fmt.Errorf("encode placeholder: %w", err)
	}
	return buf.Bytes(), nil
}

// placeholderColor is a muted colour dark enough for white text.
func placeholderColor(caption string, index int) color.RGBA {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d|%s", index, caption)
	sum := h.Sum32()
	return color.RGBA{
		R: uint8(40 + (sum>>16&0xff)%100),
		G: uint8(40 + (sum>>8&0xff)%100),
		B: uint8(40 + (sum&0xff)%100),
		A: 0xff,
	}
}

// wrap splits s into lines of at most width characters on word boundaries.
// Longer words are hard-broken.
func wrap(s string, width int) []string {
	if width < 1 {
		width = 1
	}
	var (
		lines []string
		cur   []rune
	)
	for _, word := range strings.Fields(s) {
		r := []rune(word)
		for len(r) > width {
			if len(cur) > 0 {
				lines = append(lines, string(cur))
				cur = nil
			}
			lines = append(lines, string(r[:width]))
			r = r[width:]
		}
		switch {
		case len(cur) == 0:
			cur = r
		case len(cur)+1+len(r) <= width:
			cur = append(append(cur, ' '), r...)
		default:
			lines = append(lines, string(cur))
			cur = r
		}
	}
	if len(cur) > 0 {
		lines = append(lines, string(cur))
	}
	return lines
}
