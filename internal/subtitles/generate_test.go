package subtitles

import (
	"errors"
	"strings"
	"testing"

	"video-subtitler/internal/models"
)

func words(specs ...string) []models.Word {
	out := make([]models.Word, len(specs))
	t := 0.0
	for i, s := range specs {
		gap := 0.1
		if strings.HasPrefix(s, "|") {
			s = strings.TrimPrefix(s, "|")
			gap = 1.5
		}
		if i > 0 {
			t += gap
		}
		out[i] = models.Word{Text: s, Start: t, End: t + 0.4}
		t += 0.4
	}
	return out
}

func TestWordModeOneCuePerWord(t *testing.T) {
	ws := words("this", "is", "a", "short", "test")
	for _, style := range []models.Style{models.StyleYellowHighlight, models.StyleMulticolorPop, models.StyleCleanOutline} {
		cues, err := Generate(ws, style, models.DisplayWord, models.PositionBottom)
		if err != nil {
			t.Fatalf("%s: %v", style, err)
		}
		if len(cues) != len(ws) {
			t.Fatalf("%s: cues = %d, want %d", style, len(cues), len(ws))
		}
		for i, c := range cues {
			if c.Start != ws[i].Start || c.End != ws[i].End {
				t.Fatalf("%s: cue %d spans %.2f-%.2f, want word range", style, i, c.Start, c.End)
			}
			if i > 0 && c.Start < cues[i-1].End {
				t.Fatalf("%s: cue %d overlaps previous", style, i)
			}
			if c.Position != models.PositionBottom || c.Index != i {
				t.Fatalf("%s: unexpected cue metadata %+v", style, c)
			}
		}
	}
}

func TestYellowHighlightWindow(t *testing.T) {
	ws := words("one", "two", "three", "four")
	cues, err := Generate(ws, models.StyleYellowHighlight, models.DisplayWord, models.PositionTop)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(cues[1].Words); got != WordGroupSize {
		t.Fatalf("window size = %d", got)
	}
	if cues[1].Active != 1 || cues[1].Words[cues[1].Active].Text != "two" {
		t.Fatalf("active word wrong: %+v", cues[1])
	}
	if len(cues[3].Words) != 1 || cues[3].Active != 0 {
		t.Fatalf("trailing group wrong: %+v", cues[3])
	}
	if cues[0].Text != "ONE TWO THREE" || !cues[0].Style.Bold {
		t.Fatalf("unexpected text or weight: %q", cues[0].Text)
	}
}

func TestMulticolorCyclesPalette(t *testing.T) {
	ws := words("a", "b", "c", "d", "e", "f", "g")
	cues, err := Generate(ws, models.StyleMulticolorPop, models.DisplayWord, models.PositionCenter)
	if err != nil {
		t.Fatal(err)
	}
	for i, c := range cues {
		if c.Style.Color != Palette[i%3] {
			t.Fatalf("cue %d color = %s, want %s", i, c.Style.Color, Palette[i%3])
		}
		if c.Style.Weight < 800 {
			t.Fatalf("expected heavy weight, got %d", c.Style.Weight)
		}
	}
	again, _ := Generate(ws, models.StyleMulticolorPop, models.DisplayWord, models.PositionCenter)
	for i := range cues {
		if again[i].Style.Color != cues[i].Style.Color {
			t.Fatal("palette assignment is not deterministic")
		}
	}
}

func TestSentenceGrouping(t *testing.T) {
	ws := words("Hello", "there.", "How", "are", "you", "|today", "friend?")
	cues, err := Generate(ws, models.StyleCleanOutline, models.DisplaySentence, models.PositionBottom)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"HELLO THERE.", "HOW ARE YOU", "TODAY FRIEND?"}
	if len(cues) != len(want) {
		t.Fatalf("cues = %+v", cues)
	}
	total := 0
	for i, c := range cues {
		if c.Text != want[i] {
			t.Fatalf("cue %d = %q, want %q", i, c.Text, want[i])
		}
		if c.Start != c.Words[0].Start || c.End != c.Words[len(c.Words)-1].End {
			t.Fatalf("cue %d does not span its words", i)
		}
		if !c.Style.Italic || c.Style.OutlineColor != "#000000" {
			t.Fatalf("clean outline attributes missing: %+v", c.Style)
		}
		total += len(c.Words)
	}
	if total != len(ws) {
		t.Fatalf("grouped %d words, want %d", total, len(ws))
	}
}

func TestSentenceGroupingCapsLength(t *testing.T) {
	specs := make([]string, MaxSentenceWords+3)
	for i := range specs {
		specs[i] = "w"
	}
	cues, err := Generate(words(specs...), models.StyleYellowHighlight, models.DisplaySentence, models.PositionBottom)
	if err != nil {
		t.Fatal(err)
	}
	if len(cues) != 2 || len(cues[0].Words) != MaxSentenceWords {
		t.Fatalf("unexpected split: %d cues", len(cues))
	}
	if !cues[0].Karaoke {
		t.Fatal("yellow highlight sentences should be karaoke cues")
	}
}

func TestGenerateRejectsBadTranscripts(t *testing.T) {
	cases := map[string][]models.Word{
		"empty":    nil,
		"blank":    {{Text: " ", Start: 0, End: 1}},
		"timing":   {{Text: "x", Start: 1, End: 1}},
		"overlaps": {{Text: "x", Start: 0, End: 1}, {Text: "y", Start: 0.5, End: 2}},
	}
	for name, ws := range cases {
		_, err := Generate(ws, models.StyleCleanOutline, models.DisplayWord, models.PositionBottom)
		if !errors.Is(err, ErrStyling) {
			t.Fatalf("%s: expected ErrStyling, got %v", name, err)
		}
	}
	if _, err := Generate(words("a"), models.Style("neon"), models.DisplayWord, models.PositionBottom); !errors.Is(err, ErrStyling) {
		t.Fatalf("unknown style: %v", err)
	}
}

func TestCatalogListsRegisteredStyles(t *testing.T) {
	c := DefaultCatalog()
	if len(c.Styles) != 3 || c.Styles[0].ID != "yellow_highlight" || c.Styles[2].ID != "clean_outline" {
		t.Fatalf("styles = %+v", c.Styles)
	}
	if len(c.DisplayModes) != 2 || len(c.Positions) != 3 {
		t.Fatalf("catalog = %+v", c)
	}
}

type plainStyle struct{ cleanOutline }

func (plainStyle) ID() models.Style { return "aaa_plain" }

func TestStylesFollowRegistrationOrder(t *testing.T) {
	saved := append([]models.Style(nil), order...)
	t.Cleanup(func() {
		delete(registry, "aaa_plain")
		order = saved
	})
	Register(plainStyle{})

	var ids []models.Style
	for _, s := range Styles() {
		ids = append(ids, s.ID())
	}
	want := []models.Style{models.StyleYellowHighlight, models.StyleMulticolorPop, models.StyleCleanOutline, "aaa_plain"}
	if len(ids) != len(want) {
		t.Fatalf("styles = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("styles = %v, want %v", ids, want)
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate style")
		}
	}()
	Register(cleanOutline{})
}

func TestCueTextUsesUnicodeUppercase(t *testing.T) {
	cues, err := Generate(words("große", "straße."), models.StyleCleanOutline, models.DisplaySentence, models.PositionCenter)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(cues) != 1 || cues[0].Text != "GROSSE STRASSE." {
		t.Fatalf("unexpected cues %+v", cues)
	}
}
