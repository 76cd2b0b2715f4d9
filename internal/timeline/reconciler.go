// Package timeline turns per-scene durations into one contiguous, absolute
// timeline and a single narration track.
package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/nikhilbhutani/lessonreel/internal/audio"
	"github.com/nikhilbhutani/lessonreel/internal/models"
)

const (
	DefaultDriftTolerance = 0.05
	DefaultFillerSeconds  = 2.0
)

var ErrNoScenes = errors.New("timeline: no scenes")

// Result describes the reconciled track.
type Result struct {
	Track  []byte
	Format audio.Format
	// Predicted is the sum of per-scene durations; Measured is the decoded
	// length of the concatenated track and the final timeline length.
	Predicted   float64
	Measured    float64
	ScaleFactor float64
	// Scaled is set when drift exceeded the tolerance and every boundary was
	// multiplied by ScaleFactor.
	Scaled bool
	// SilentScenes lists scenes whose narration was replaced by silence.
	SilentScenes []int
}

func (r *Result) Drift() float64 {
	if r.Predicted == 0 {
		return 0
	}
	return math.Abs(r.Measured-r.Predicted) / r.Predicted
}

type Reconciler struct {
	tolerance float64
	filler    float64
	logger    *slog.Logger
}

type Option func(*Reconciler)

// WithDriftTolerance sets the relative drift above which boundaries are
// rescaled.
func WithDriftTolerance(t float64) Option {
	return func(r *Reconciler) {
		if t >= 0 {
			r.tolerance = t
		}
	}
}

// WithFillerSeconds sets the length given to scenes with nothing to narrate.
func WithFillerSeconds(s float64) Option {
	return func(r *Reconciler) {
		if s > 0 {
			r.filler = s
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

func New(opts ...Option) *Reconciler {
	r := &Reconciler{tolerance: DefaultDriftTolerance, filler: DefaultFillerSeconds, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Reconcile assigns StartTime/EndTime to every scene, makes word timings
// absolute and concatenates the scene audio. Scenes must be in index order
// with indexes 0..n-1. Scenes without audio contribute silence of their
// (estimated) duration. Audio payloads are released from the scenes once
// they are part of the track.
//
// Afterwards scenes are contiguous, the first starts at 0 and the last ends
// at the measured track length.
func (r *Reconciler) Reconcile(scenes []models.Scene) (*Result, error) {
	if len(scenes) == 0 {
		return nil, ErrNoScenes
	}
	for i := range scenes {
		if scenes[i].Index != i {
			return nil, fmt.Errorf("timeline: scene at position %d has index %d", i, scenes[i].Index)
		}
	}

	durations := make([]float64, len(scenes))
	predicted := 0.0
	for i := range scenes {
		d := scenes[i].Duration
		if d <= 0 || scenes[i].IsFiller() && scenes[i].Audio == nil {
			d = max(d, r.filler)
		}
		durations[i] = d
		predicted += d
	}

	res, err := r.concat(scenes, durations)
	if err != nil {
		return nil, err
	}
	res.Predicted = predicted

	measured, _, err := audio.Measure(res.Track)
	if err != nil {
		return nil, fmt.Errorf("measure track: %w", err)
	}
	res.Measured = measured
	res.ScaleFactor = 1

	bounds := make([]float64, len(scenes)+1)
	for i, d := range durations {
		bounds[i+1] = bounds[i] + d
	}
	if res.Drift() > r.tolerance || bounds[len(scenes)-1] >= measured {
		res.ScaleFactor = measured / predicted
		res.Scaled = true
		for i := range bounds {
			bounds[i] *= res.ScaleFactor
		}
		r.logger.Warn("timeline drift corrected",
			"predicted", predicted, "measured", measured, "scale", res.ScaleFactor)
	}
	// the last boundary is the track length exactly, whatever rounding the
	// cumulative sum picked up
	bounds[len(scenes)] = measured

	for i := range scenes {
		sc := &scenes[i]
		sc.StartTime = bounds[i]
		sc.EndTime = bounds[i+1]
		sc.Words = placeWords(sc.Words, res.ScaleFactor, sc.StartTime, sc.EndTime)
		sc.Audio = nil
	}
	return res, nil
}

func (r *Reconciler) concat(scenes []models.Scene, durations []float64) (*Result, error) {
	params := audio.DefaultParams()
	for i := range scenes {
		if len(scenes[i].Audio) > 0 {
			p, err := audio.Probe(scenes[i].Audio)
			if err != nil {
				return nil, fmt.Errorf("probe scene %d audio: %w", i, err)
			}
			params = p
			break
		}
	}

	res := &Result{}
	parts := make([][]byte, len(scenes))
	for i := range scenes {
		if len(scenes[i].Audio) > 0 {
			parts[i] = scenes[i].Audio
			continue
		}
		silence, err := audio.Silence(params, durations[i])
		if err != nil {
			return nil, fmt.Errorf("silence for scene %d: %w", i, err)
		}
		parts[i] = silence
		res.SilentScenes = append(res.SilentScenes, i)
	}

	track, format, err := audio.Concat(parts)
	if err != nil {
		return nil, fmt.Errorf("concatenate narration: %w", err)
	}
	res.Track = track
	res.Format = format
	return res, nil
}

// placeWords scales scene-local timings, shifts them to absolute time and
// clamps them to [start, end]. Words left with no extent are dropped.
func placeWords(words []models.WordTiming, scale, start, end float64) []models.WordTiming {
	if len(words) == 0 {
		return words
	}
	startMs, endMs := start*1000, end*1000
	out := make([]models.WordTiming, 0, len(words))
	prev := startMs
	for _, w := range words {
		ws := min(max(startMs+w.StartMs*scale, prev), endMs)
		we := min(max(startMs+w.EndMs*scale, ws), endMs)
		if we <= ws {
			continue
		}
		out = append(out, models.WordTiming{Word: w.Word, StartMs: ws, EndMs: we})
		prev = we
	}
	return out
}
