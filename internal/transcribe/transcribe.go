// Package transcribe turns the speech in a media file into time-aligned words.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"video-subtitler/internal/models"
)

// Stage is the job state name reported on transcription failures.
const Stage = "transcribing"

// ErrTranscription marks failures of the external speech service, including
// an empty result.
var ErrTranscription = errors.New("transcription failed")

// ErrNoSpeech is returned when the service succeeds but yields no words.
var ErrNoSpeech = fmt.Errorf("%w: no speech detected", ErrTranscription)

// minWordDuration is assigned to words reported with a zero or negative span.
const minWordDuration = 0.05

// SelfTimed is implemented by transcribers that queue for a shared slot and
// start their own deadline once admitted. Callers should not put a deadline
// around the queue wait.
type SelfTimed interface {
	Timeout() time.Duration
}

// Transcriber produces an ordered, non-overlapping word sequence.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaPath string) ([]models.Word, error)
}

func fail(message string, err error) error {
	return &models.StageError{Stage: Stage, Message: message, Err: err}
}

type whisperOutput struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	Start float64       `json:"start"`
	End   float64       `json:"end"`
	Text  string        `json:"text"`
	Words []whisperWord `json:"words"`
}

type whisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// ParseWords decodes whisper's JSON output and normalizes its word list.
func ParseWords(raw []byte) ([]models.Word, error) {
	var out whisperOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}
	var words []models.Word
	for _, seg := range out.Segments {
		for _, w := range seg.Words {
			words = append(words, models.Word{Text: w.Word, Start: w.Start, End: w.End})
		}
	}
	return Normalize(words), nil
}

// Normalize trims word text, drops empty words, repairs non-positive
// durations, orders words by start time and clamps overlaps so each word
// starts no earlier than the previous one ends.
func Normalize(words []models.Word) []models.Word {
	out := make([]models.Word, 0, len(words))
	for _, w := range words {
		w.Text = strings.TrimSpace(w.Text)
		if w.Text == "" {
			continue
		}
		if w.Start < 0 {
			w.Start = 0
		}
		if w.End <= w.Start {
			w.End = w.Start + minWordDuration
		}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	for i := 1; i < len(out); i++ {
		prev := out[i-1]
		if out[i].Start < prev.End {
			out[i].Start = prev.End
		}
		if out[i].End <= out[i].Start {
			out[i].End = out[i].Start + minWordDuration
		}
	}
	return out
}
