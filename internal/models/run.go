package models

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	StatusPending            RunStatus = "pending"
	StatusScripting          RunStatus = "scripting"
	StatusStoryboarding      RunStatus = "storyboarding"
	StatusSynthesizingAudio  RunStatus = "synthesizing-audio"
	StatusSynthesizingImages RunStatus = "synthesizing-images"
	StatusReconciled         RunStatus = "reconciled"
	StatusAssembled          RunStatus = "assembled"
	StatusFailed             RunStatus = "failed"
)

// Terminal reports whether no further stage follows s.
func (s RunStatus) Terminal() bool {
	return s == StatusAssembled || s == StatusFailed
}

type Outcome string

const (
	OutcomeRunning   Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

type DegradationKind string

const (
	DegradedNarration DegradationKind = "narration-estimated"
	DegradedWords     DegradationKind = "words-estimated"
	DegradedImage     DegradationKind = "image-placeholder"
)

// Degradation records a scene that fell back to a substitute artifact.
type Degradation struct {
	Scene  int             `json:"scene"`
	Kind   DegradationKind `json:"kind"`
	Reason string          `json:"reason,omitempty"`
}

// Pacing controls storyboard density.
type Pacing string

const (
	PacingNormal Pacing = "normal"
	PacingFast   Pacing = "fast"
	PacingTurbo  Pacing = "turbo"
)

// SecondsPerScene is the target spoken length of one scene.
func (p Pacing) SecondsPerScene() float64 {
	switch p {
	case PacingFast:
		return 6.75
	case PacingTurbo:
		return 2.5
	default:
		return 13.5
	}
}

func (p Pacing) Valid() bool {
	return p == PacingNormal || p == PacingFast || p == PacingTurbo
}

// Strategy selects how freely the script writer treats its source.
type Strategy string

const (
	StrategyStrictSummary     Strategy = "strict-summary"
	StrategyHybrid            Strategy = "hybrid"
	StrategyCreativeExpansion Strategy = "creative-expansion"
)

func (s Strategy) Valid() bool {
	return s == StrategyStrictSummary || s == StrategyHybrid || s == StrategyCreativeExpansion
}

type CaptionSource string

const (
	CaptionSourceNarration CaptionSource = "narration"
	CaptionSourceOverlay   CaptionSource = "overlay"
)

type CaptionLayout string

const (
	CaptionLayoutBurnIn CaptionLayout = "burn-in"
	CaptionLayoutBar    CaptionLayout = "bar"
)

type CaptionConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	Style         string        `json:"style,omitempty" yaml:"style"`
	Position      string        `json:"position,omitempty" yaml:"position"` // top, center, bottom
	FontSize      int           `json:"font_size,omitempty" yaml:"font_size"`
	Source        CaptionSource `json:"source,omitempty" yaml:"source"`
	Layout        CaptionLayout `json:"layout,omitempty" yaml:"layout"`
	WordHighlight bool          `json:"word_highlight" yaml:"word_highlight"`
}

// VoiceSettings shape narration. Providers interpret the fields in their own
// terms and ignore the ones they do not support.
type VoiceSettings struct {
	Voice     string  `json:"voice"`
	Speed     float64 `json:"speed,omitempty"`
	Stability float64 `json:"stability,omitempty"`
	Clarity   float64 `json:"clarity,omitempty"`
}

type Settings struct {
	Voice         VoiceSettings `json:"voice"`
	VisualStyle   string        `json:"visual_style,omitempty"`
	AspectRatio   string        `json:"aspect_ratio,omitempty"`
	ImageProvider string        `json:"image_provider,omitempty"`
	Pacing        Pacing        `json:"pacing,omitempty"`
	Captions      CaptionConfig `json:"captions"`
}

// RunRequest is what a caller submits to start generation. Either Script is
// given verbatim or one of Topic/SourceKey feeds the script writer.
type RunRequest struct {
	Topic              string   `json:"topic,omitempty"`
	SourceKey          string   `json:"source_key,omitempty"`
	Script             string   `json:"script,omitempty"`
	TargetWords        int      `json:"target_words,omitempty"`
	Strategy           Strategy `json:"strategy,omitempty"`
	Instructions       string   `json:"instructions,omitempty"`
	VisualInstructions string   `json:"visual_instructions,omitempty"`
	Settings           Settings `json:"settings"`
	// CallbackURL receives a signed POST when the run finishes.
	CallbackURL        string   `json:"callback_url,omitempty"`
}

// Run is the aggregate for one generation. It has a single writer: the
// pipeline that owns it.
type Run struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	Request       RunRequest    `json:"request" db:"request"`
	Script        string        `json:"script,omitempty" db:"script"`
	Status        RunStatus     `json:"status" db:"status"`
	Outcome       Outcome       `json:"outcome,omitempty" db:"outcome"`
	FailedStage   RunStatus     `json:"failed_stage,omitempty" db:"failed_stage"`
	Error         string        `json:"error,omitempty" db:"error"`
	Scenes        []Scene       `json:"scenes,omitempty"`
	Degradations  []Degradation `json:"degradations,omitempty" db:"degradations"`
	AudioKey      string        `json:"audio_key,omitempty" db:"audio_key"`
	AudioFormat   string        `json:"audio_format,omitempty" db:"audio_format"`
	TotalDuration float64       `json:"total_duration" db:"total_duration"`
	ArtifactKey   string        `json:"artifact_key,omitempty" db:"artifact_key"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// NewRun returns a pending run with a fresh ID.
func NewRun(req RunRequest) *Run {
	now := time.Now().UTC()
	return &Run{
		ID:        uuid.New(),
		Request:   req,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
