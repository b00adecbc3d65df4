package subtitles

import (
	"fmt"

	"video-subtitler/internal/models"
)

// Styler is one subtitle style. Decorate receives a cue that already holds
// its words, timing and base attributes; first is the transcript ordinal of
// cue.Words[0].
type Styler interface {
	ID() models.Style
	Name() string
	Description() string
	Attributes() models.StyleAttributes
	Decorate(cue *models.Cue, first int, mode models.DisplayMode)
}

var (
	registry = map[models.Style]Styler{}
	// order keeps registration order, which is catalog order.
	order []models.Style
)

// Register adds a style. It panics on duplicate identifiers.
func Register(s Styler) {
	if _, dup := registry[s.ID()]; dup {
		panic(fmt.Sprintf("subtitles: style %q registered twice", s.ID()))
	}
	registry[s.ID()] = s
	order = append(order, s.ID())
}

// Lookup returns the registered style with id.
func Lookup(id models.Style) (Styler, bool) {
	s, ok := registry[id]
	return s, ok
}

// Styles lists registered styles in the order they were registered.
func Styles() []Styler {
	out := make([]Styler, 0, len(order))
	for _, id := range order {
		out = append(out, registry[id])
	}
	return out
}

func init() {
	Register(yellowHighlight{})
	Register(multicolorPop{})
	Register(cleanOutline{})
}

// HighlightColor is the box drawn behind the active word.
const HighlightColor = "#FFD700"

// Palette is cycled by multicolor_pop.
var Palette = [3]string{"#00FF00", "#FFFF00", "#FF00FF"}

type yellowHighlight struct{}

func (yellowHighlight) ID() models.Style { return models.StyleYellowHighlight }
func (yellowHighlight) Name() string     { return "Yellow Highlight" }
func (yellowHighlight) Description() string {
	return "Bold text with yellow highlight on current word"
}

func (yellowHighlight) Attributes() models.StyleAttributes {
	return models.StyleAttributes{
		Font:               "Impact",
		Size:               60,
		Bold:               true,
		Weight:             700,
		Uppercase:          true,
		Color:              "#FFFFFF",
		OutlineColor:       "#000000",
		OutlineWidth:       3,
		Shadow:             2,
		BackColor:          "#80000000",
		HighlightColor:     HighlightColor,
		HighlightTextColor: "#000000",
	}
}

// Decorate keeps the active word in word mode; sentence cues become karaoke
// cues whose words are highlighted one after another.
func (yellowHighlight) Decorate(cue *models.Cue, _ int, mode models.DisplayMode) {
	if mode == models.DisplaySentence {
		cue.Karaoke = true
		cue.Active = -1
	}
}

type multicolorPop struct{}

func (multicolorPop) ID() models.Style { return models.StyleMulticolorPop }
func (multicolorPop) Name() string     { return "Multi-color Pop" }
func (multicolorPop) Description() string {
	return "Vibrant alternating colors with heavy weight"
}

func (multicolorPop) Attributes() models.StyleAttributes {
	return models.StyleAttributes{
		Font:         "Impact",
		Size:         70,
		Bold:         true,
		Weight:       900,
		Uppercase:    true,
		Color:        "#FFFFFF",
		OutlineColor: "#000000",
		OutlineWidth: 4,
	}
}

func (multicolorPop) Decorate(cue *models.Cue, first int, _ models.DisplayMode) {
	cue.Style.Color = Palette[cue.Index%len(Palette)]
	cue.WordColors = make([]string, len(cue.Words))
	for i := range cue.Words {
		cue.WordColors[i] = Palette[(first+i)%len(Palette)]
	}
	cue.Active = -1
}

type cleanOutline struct{}

func (cleanOutline) ID() models.Style { return models.StyleCleanOutline }
func (cleanOutline) Name() string     { return "Clean Outline" }
func (cleanOutline) Description() string {
	return "White italic text with dark stroke outline"
}

func (cleanOutline) Attributes() models.StyleAttributes {
	return models.StyleAttributes{
		Font:         "Arial",
		Size:         50,
		Bold:         true,
		Italic:       true,
		Weight:       700,
		Uppercase:    true,
		Color:        "#FFFFFF",
		OutlineColor: "#000000",
		OutlineWidth: 3,
		Shadow:       1,
	}
}

func (cleanOutline) Decorate(cue *models.Cue, _ int, _ models.DisplayMode) {
	cue.Active = -1
}

// Option is one catalog entry.
type Option struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Catalog lists the selectable styles, display modes and positions.
type Catalog struct {
	Styles       []Option `json:"styles"`
	DisplayModes []Option `json:"display_modes"`
	Positions    []Option `json:"positions"`
}

// DefaultCatalog builds the catalog from the registry.
func DefaultCatalog() Catalog {
	c := Catalog{
		DisplayModes: []Option{
			{ID: string(models.DisplayWord), Name: "Word by Word", Description: "Show 1-3 words at a time"},
			{ID: string(models.DisplaySentence), Name: "Full Sentence", Description: "Show complete sentences"},
		},
		Positions: []Option{
			{ID: string(models.PositionTop), Name: "Top"},
			{ID: string(models.PositionCenter), Name: "Center"},
			{ID: string(models.PositionBottom), Name: "Bottom"},
		},
	}
	for _, s := range Styles() {
		c.Styles = append(c.Styles, Option{ID: string(s.ID()), Name: s.Name(), Description: s.Description()})
	}
	return c
}
