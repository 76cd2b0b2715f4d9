package render

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/nikhilbhutani/lessonreel/internal/models"
)

const (
	maxWordsPerCue = 7
	maxCueSeconds  = 3.0
)

// WriteSRT writes captions for m. With word highlighting on and narration as
// the source, cues follow word timings in short groups; otherwise there is
// one cue per scene.
func WriteSRT(w io.Writer, m Manifest) error {
	n := 0
	cue := func(start, end float64, text string) error {
		text = strings.TrimSpace(text)
		if text == "" || end <= start {
			return nil
		}
		n++
		_, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n", n, srtTime(start), srtTime(end), text)
		return err
	}

	wordCues := m.Captions.WordHighlight && m.Captions.Source != models.CaptionSourceOverlay
	for i, sc := range m.Scenes {
		if !wordCues || len(sc.Words) == 0 {
			if err := cue(sc.Start, sc.End, m.CaptionFor(i)); err != nil {
				return err
			}
			continue
		}
		for _, g := range groupWords(sc.Words) {
			text := make([]string, len(g))
			for j, wt := range g {
				text[j] = wt.Word
			}
			if err := cue(g[0].StartMs/1000, g[len(g)-1].EndMs/1000, strings.Join(text, " ")); err != nil {
				return err
			}
		}
	}
	return nil
}

func groupWords(words []models.WordTiming) [][]models.WordTiming {
	var (
		groups [][]models.WordTiming
		cur    []models.WordTiming
	)
	for _, w := range words {
		if len(cur) > 0 && (len(cur) == maxWordsPerCue || (w.EndMs-cur[0].StartMs)/1000 > maxCueSeconds) {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, w)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func srtTime(sec float64) string {
	ms := int64(math.Round(sec * 1000))
	h := ms / 3_600_000
	ms -= h * 3_600_000
	m := ms / 60_000
	ms -= m * 60_000
	s := ms / 1000
	ms -= s * 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}
