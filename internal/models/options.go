package models

import (
	"fmt"
	"strings"
)

// Style selects the rendering semantics applied to every cue of a job.
type Style string

const (
	StyleYellowHighlight Style = "yellow_highlight"
	StyleMulticolorPop   Style = "multicolor_pop"
	StyleCleanOutline    Style = "clean_outline"
)

// DisplayMode selects how words are grouped into cues.
type DisplayMode string

const (
	DisplayWord     DisplayMode = "word"
	DisplaySentence DisplayMode = "sentence"
)

// Position is the vertical on-screen slot for cues.
type Position string

const (
	PositionTop    Position = "top"
	PositionCenter Position = "center"
	PositionBottom Position = "bottom"
)

// ParseStyle validates a style identifier. Empty defaults to yellow_highlight.
func ParseStyle(v string) (Style, error) {
	switch s := Style(strings.ToLower(strings.TrimSpace(v))); s {
	case "":
		return StyleYellowHighlight, nil
	case StyleYellowHighlight, StyleMulticolorPop, StyleCleanOutline:
		return s, nil
	default:
		return "", fmt.Errorf("invalid style %q", v)
	}
}

// ParseDisplayMode validates a display mode. Empty defaults to word.
func ParseDisplayMode(v string) (DisplayMode, error) {
	switch m := DisplayMode(strings.ToLower(strings.TrimSpace(v))); m {
	case "":
		return DisplayWord, nil
	case DisplayWord, DisplaySentence:
		return m, nil
	default:
		return "", fmt.Errorf("invalid display_mode %q", v)
	}
}

// ParsePosition validates a position. Empty defaults to bottom.
func ParsePosition(v string) (Position, error) {
	switch p := Position(strings.ToLower(strings.TrimSpace(v))); p {
	case "":
		return PositionBottom, nil
	case PositionTop, PositionCenter, PositionBottom:
		return p, nil
	default:
		return "", fmt.Errorf("invalid position %q", v)
	}
}
