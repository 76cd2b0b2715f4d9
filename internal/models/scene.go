package models

// WordTiming is one spoken word. Offsets are in milliseconds, local to the
// owning scene until the timeline is reconciled and absolute afterwards.
type WordTiming struct {
	Word    string  `json:"word"`
	StartMs float64 `json:"start_ms"`
	EndMs   float64 `json:"end_ms"`
}

// Scene is one storyboard unit. Index is assigned by the storyboard and never
// changes. Audio and Image hold payloads only until they are persisted and
// concatenated; the *Key fields point at the stored copies.
type Scene struct {
	Index        int    `json:"index" db:"scene_index"`
	Text         string `json:"text" db:"text"`
	VisualPrompt string `json:"visual_prompt" db:"visual_prompt"`
	Caption      string `json:"caption,omitempty" db:"caption"`

	Image            []byte `json:"-"`
	ImageMIME        string `json:"image_mime,omitempty" db:"image_mime"`
	ImageKey         string `json:"image_key,omitempty" db:"image_key"`
	ImagePlaceholder bool   `json:"image_placeholder" db:"image_placeholder"`

	Audio       []byte `json:"-"`
	AudioFormat string `json:"audio_format,omitempty" db:"audio_format"`
	AudioKey    string `json:"audio_key,omitempty" db:"audio_key"`

	// Duration is in seconds. It is a text-length estimate until narration
	// has been synthesized and decoded.
	Duration          float64      `json:"duration" db:"duration"`
	DurationEstimated bool         `json:"duration_estimated" db:"duration_estimated"`
	Words             []WordTiming `json:"words,omitempty" db:"words"`
	WordsEstimated    bool         `json:"words_estimated" db:"words_estimated"`

	StartTime float64 `json:"start_time" db:"start_time"`
	EndTime   float64 `json:"end_time" db:"end_time"`
}

// IsFiller reports whether the scene has nothing to narrate.
func (s *Scene) IsFiller() bool {
	for _, r := range s.Text {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			return false
		}
	}
	return true
}

// CaptionText returns the operator caption when set and the narration slice
// otherwise.
func (s *Scene) CaptionText(source CaptionSource) string {
	if source == CaptionSourceOverlay && s.Caption != "" {
		return s.Caption
	}
	return s.Text
}
