package models

import (
	"time"
)

// Job is one end-to-end request to produce a subtitled video.
//
// Jobs are handed around by value; the store publishes a fresh copy on every
// mutation so readers never observe a partially written record.
type Job struct {
	ID          string      `json:"id"`
	State       State       `json:"status"`
	Progress    int         `json:"progress"`
	Style       Style       `json:"style"`
	DisplayMode DisplayMode `json:"display_mode"`
	Position    Position    `json:"position"`
	InputPath   string      `json:"-"`
	InputName   string      `json:"input_name,omitempty"`
	Transcript  []Word      `json:"-"`
	Cues        []Cue       `json:"-"`
	OutputRef   string      `json:"-"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	FinishedAt  time.Time   `json:"finished_at,omitempty"`
}

// Clone returns a copy that shares no slices with j.
func (j Job) Clone() Job {
	out := j
	if j.Transcript != nil {
		out.Transcript = append([]Word(nil), j.Transcript...)
	}
	if j.Cues != nil {
		out.Cues = make([]Cue, len(j.Cues))
		for i, c := range j.Cues {
			out.Cues[i] = c.clone()
		}
	}
	return out
}

// Word is one transcribed word with its timing in seconds.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End-Start.
func (w Word) Duration() float64 {
	return w.End - w.Start
}

// Cue is one timed, styled unit of subtitle text.
type Cue struct {
	Index int     `json:"index"`
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	// Words holds the words shown on screen while the cue is visible. In word
	// mode this is the visual group around the active word.
	Words []Word `json:"words"`
	// Active is the index into Words of the highlighted word, or -1.
	Active int `json:"active"`
	// WordColors, when set, gives a per-word text color parallel to Words.
	WordColors []string `json:"word_colors,omitempty"`
	// Karaoke cues highlight each of their words during that word's own window.
	Karaoke  bool            `json:"karaoke,omitempty"`
	Style    StyleAttributes `json:"style"`
	Position Position        `json:"position"`
}

func (c Cue) clone() Cue {
	out := c
	out.Words = append([]Word(nil), c.Words...)
	if c.WordColors != nil {
		out.WordColors = append([]string(nil), c.WordColors...)
	}
	return out
}

// StyleAttributes are the render parameters resolved by the styling engine.
// Colors are "#RRGGBB".
type StyleAttributes struct {
	Font               string  `json:"font"`
	Size               int     `json:"size"`
	Bold               bool    `json:"bold"`
	Italic             bool    `json:"italic"`
	Weight             int     `json:"weight"`
	Uppercase          bool    `json:"uppercase"`
	Color              string  `json:"color"`
	OutlineColor       string  `json:"outline_color"`
	OutlineWidth       float64 `json:"outline_width"`
	Shadow             float64 `json:"shadow"`
	BackColor          string  `json:"back_color,omitempty"`
	HighlightColor     string  `json:"highlight_color,omitempty"`
	HighlightTextColor string  `json:"highlight_text_color,omitempty"`
}

// AuditLog is a single recorded state transition.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
