// Package render defines what a video assembler receives and the timing
// guarantees it has to keep.
package render

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/lessonreel/internal/models"
	"github.com/nikhilbhutani/lessonreel/internal/multimodal/imagegen"
)

// epsilon absorbs float rounding when comparing boundaries in seconds.
const epsilon = 1e-6

var ErrInvalidManifest = errors.New("render: invalid manifest")

type SceneEntry struct {
	Index       int                 `json:"index"`
	Start       float64             `json:"start"`
	End         float64             `json:"end"`
	Text        string              `json:"text"`
	Caption     string              `json:"caption,omitempty"`
	ImageKey    string              `json:"image_key"`
	ImageMIME   string              `json:"image_mime,omitempty"`
	Placeholder bool                `json:"placeholder,omitempty"`
	Words       []models.WordTiming `json:"words,omitempty"`
}

// Manifest is the reconciled timeline plus pointers to every asset.
type Manifest struct {
	RunID       uuid.UUID            `json:"run_id"`
	Duration    float64              `json:"duration"`
	AspectRatio string               `json:"aspect_ratio"`
	Width       int                  `json:"width"`
	Height      int                  `json:"height"`
	AudioKey    string               `json:"audio_key"`
	AudioFormat string               `json:"audio_format"`
	Captions    models.CaptionConfig `json:"captions"`
	Scenes      []SceneEntry         `json:"scenes"`
}

// NewManifest builds a manifest from a reconciled run.
func NewManifest(run *models.Run) Manifest {
	s := run.Request.Settings
	w, h := imagegen.Dimensions(s.AspectRatio)
	m := Manifest{
		RunID:       run.ID,
		Duration:    run.TotalDuration,
		AspectRatio: s.AspectRatio,
		Width:       w,
		Height:      h,
		AudioKey:    run.AudioKey,
		AudioFormat: run.AudioFormat,
		Captions:    s.Captions,
		Scenes:      make([]SceneEntry, len(run.Scenes)),
	}
	for i, sc := range run.Scenes {
		m.Scenes[i] = SceneEntry{
			Index:       sc.Index,
			Start:       sc.StartTime,
			End:         sc.EndTime,
			Text:        sc.Text,
			Caption:     sc.Caption,
			ImageKey:    sc.ImageKey,
			ImageMIME:   sc.ImageMIME,
			Placeholder: sc.ImagePlaceholder,
			Words:       sc.Words,
		}
	}
	return m
}

// Validate checks the synchronization contract: scenes tile [0, Duration)
// without gaps or overlaps, every scene has an image, and every word lies
// inside its scene with words globally ordered.
func Validate(m Manifest) error {
	if len(m.Scenes) == 0 {
		return fmt.Errorf("%w: no scenes", ErrInvalidManifest)
	}
	if m.AudioKey == "" {
		return fmt.Errorf("%w: no audio track", ErrInvalidManifest)
	}
	if m.Scenes[0].Start != 0 {
		return fmt.Errorf("%w: first scene starts at %v", ErrInvalidManifest, m.Scenes[0].Start)
	}
	prevWord := 0.0
	for i, sc := range m.Scenes {
		if sc.Index != i {
			return fmt.Errorf("%w: scene at position %d has index %d", ErrInvalidManifest, i, sc.Index)
		}
		if sc.End <= sc.Start {
			return fmt.Errorf("%w: scene %d has empty window", ErrInvalidManifest, i)
		}
		if i > 0 && math.Abs(sc.Start-m.Scenes[i-1].End) > epsilon {
			return fmt.Errorf("%w: scenes %d and %d are not contiguous", ErrInvalidManifest, i-1, i)
		}
		if sc.ImageKey == "" {
			return fmt.Errorf("%w: scene %d has no image", ErrInvalidManifest, i)
		}
		for _, w := range sc.Words {
			if w.StartMs < sc.Start*1000-epsilon || w.EndMs > sc.End*1000+epsilon || w.EndMs <= w.StartMs {
				return fmt.Errorf("%w: word %q outside scene %d", ErrInvalidManifest, w.Word, i)
			}
			if w.StartMs < prevWord-epsilon {
				return fmt.Errorf("%w: word %q out of order", ErrInvalidManifest, w.Word)
			}
			prevWord = w.StartMs
		}
	}
	if last := m.Scenes[len(m.Scenes)-1].End; math.Abs(last-m.Duration) > epsilon {
		return fmt.Errorf("%w: timeline ends at %v but track is %v", ErrInvalidManifest, last, m.Duration)
	}
	switch m.Captions.Source {
	case "", models.CaptionSourceNarration, models.CaptionSourceOverlay:
	default:
		return fmt.Errorf("%w: unknown caption source %q", ErrInvalidManifest, m.Captions.Source)
	}
	switch m.Captions.Layout {
	case "", models.CaptionLayoutBurnIn, models.CaptionLayoutBar:
	default:
		return fmt.Errorf("%w: unknown caption layout %q", ErrInvalidManifest, m.Captions.Layout)
	}
	return nil
}

// ActiveScene returns the position of the scene whose [Start, End) window
// contains t, or false when t is outside the track.
func (m Manifest) ActiveScene(t float64) (int, bool) {
	if t < 0 || len(m.Scenes) == 0 || t >= m.Scenes[len(m.Scenes)-1].End {
		return 0, false
	}
	i := sort.Search(len(m.Scenes), func(i int) bool { return m.Scenes[i].End > t })
	return i, i < len(m.Scenes)
}

// ActiveWords returns the words whose [StartMs, EndMs) window contains t.
func (m Manifest) ActiveWords(t float64) []models.WordTiming {
	i, ok := m.ActiveScene(t)
	if !ok {
		return nil
	}
	ms := t * 1000
	var out []models.WordTiming
	for _, w := range m.Scenes[i].Words {
		if w.StartMs > ms {
			break
		}
		if ms < w.EndMs {
			out = append(out, w)
		}
	}
	return out
}

// CaptionFor returns the caption text shown for a scene.
func (m Manifest) CaptionFor(i int) string {
	sc := m.Scenes[i]
	if m.Captions.Source == models.CaptionSourceOverlay && sc.Caption != "" {
		return sc.Caption
	}
	return sc.Text
}
