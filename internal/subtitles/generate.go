// Package subtitles turns time-aligned words into styled subtitle cues and
// writes them as an Advanced SubStation Alpha script.
package subtitles

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"video-subtitler/internal/models"
)

// Stage is the job state name reported on styling failures.
const Stage = "generating_subtitles"

// ErrStyling marks a transcript that cannot be turned into cues.
var ErrStyling = errors.New("styling failed")

// Grouping constants.
const (
	// WordGroupSize is how many words are on screen together in word mode.
	WordGroupSize = 3
	// PauseThreshold is the silence, in seconds, that ends a sentence group.
	PauseThreshold = 0.7
	// MaxSentenceWords caps a sentence group when speech has no breaks.
	MaxSentenceWords = 14
)

const terminalPunctuation = ".!?…"

func fail(format string, args ...any) error {
	return &models.StageError{
		Stage:   Stage,
		Message: fmt.Sprintf(format, args...),
		Err:     ErrStyling,
	}
}

// unit is one display unit before styling.
type unit struct {
	words  []models.Word
	active int
	first  int
	start  float64
	end    float64
}

// Generate converts a transcript into cues. It is a pure function of its
// arguments.
func Generate(words []models.Word, style models.Style, mode models.DisplayMode, position models.Position) ([]models.Cue, error) {
	styler, ok := Lookup(style)
	if !ok {
		return nil, fail("unknown style %q", style)
	}
	if err := checkTranscript(words); err != nil {
		return nil, err
	}

	var units []unit
	switch mode {
	case models.DisplayWord:
		units = groupWords(words)
	case models.DisplaySentence:
		units = groupSentences(words)
	default:
		return nil, fail("unknown display mode %q", mode)
	}

	attrs := styler.Attributes()
	cues := make([]models.Cue, 0, len(units))
	for i, u := range units {
		cue := models.Cue{
			Index:    i,
			Text:     joinWords(u.words, attrs.Uppercase),
			Start:    u.start,
			End:      u.end,
			Words:    append([]models.Word(nil), u.words...),
			Active:   u.active,
			Style:    attrs,
			Position: position,
		}
		styler.Decorate(&cue, u.first, mode)
		cues = append(cues, cue)
	}
	return cues, nil
}

func checkTranscript(words []models.Word) error {
	if len(words) == 0 {
		return fail("transcript is empty")
	}
	for i, w := range words {
		if strings.TrimSpace(w.Text) == "" {
			return fail("word %d has no text", i)
		}
		if !(w.End > w.Start) {
			return fail("word %d %q has invalid timing %.3f-%.3f", i, w.Text, w.Start, w.End)
		}
		if i > 0 && w.Start < words[i-1].End {
			return fail("word %d %q overlaps the previous word", i, w.Text)
		}
	}
	return nil
}

// groupWords emits one unit per word. Each unit shows the fixed chunk of
// WordGroupSize words containing it, with that word active.
func groupWords(words []models.Word) []unit {
	units := make([]unit, 0, len(words))
	for i, w := range words {
		lo := (i / WordGroupSize) * WordGroupSize
		hi := min(lo+WordGroupSize, len(words))
		units = append(units, unit{
			words:  words[lo:hi],
			active: i - lo,
			first:  lo,
			start:  w.Start,
			end:    w.End,
		})
	}
	return units
}

// groupSentences splits on terminal punctuation, pauses longer than
// PauseThreshold, and MaxSentenceWords.
func groupSentences(words []models.Word) []unit {
	var units []unit
	lo := 0
	for i, w := range words {
		last := i == len(words)-1
		brk := last ||
			endsSentence(w.Text) ||
			words[i+1].Start-w.End > PauseThreshold ||
			i-lo+1 >= MaxSentenceWords
		if !brk {
			continue
		}
		units = append(units, unit{
			words:  words[lo : i+1],
			active: -1,
			first:  lo,
			start:  words[lo].Start,
			end:    w.End,
		})
		lo = i + 1
	}
	return units
}

func endsSentence(text string) bool {
	text = strings.TrimRight(text, `"')]}»”’`)
	if text == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text)
	return strings.ContainsRune(terminalPunctuation, r)
}

func joinWords(words []models.Word, uppercase bool) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Text
		if uppercase {
			parts[i] = upper(w.Text)
		}
	}
	return strings.Join(parts, " ")
}

// upper uses full Unicode case mapping, so "straße" becomes "STRASSE".
func upper(s string) string {
	return cases.Upper(language.Und).String(s)
}
