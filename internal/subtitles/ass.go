package subtitles

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"video-subtitler/internal/models"
)

// Default canvas used when the video dimensions are unknown.
const (
	DefaultWidth  = 1920
	DefaultHeight = 1080
)

// Alignment returns the numpad-style ASS alignment for a position.
func Alignment(p models.Position) int {
	switch p {
	case models.PositionTop:
		return 8
	case models.PositionCenter:
		return 5
	default:
		return 2
	}
}

// MarginV returns the vertical margin for a position: 8% of the frame
// height for top and bottom, none for center.
func MarginV(p models.Position, height int) int {
	if p == models.PositionCenter {
		return 0
	}
	return int(float64(height) * 0.08)
}

// ASSColor converts "#RRGGBB" or "#AARRGGBB" into ASS "&HAABBGGRR".
func ASSColor(hex string) (string, error) {
	h := strings.TrimPrefix(strings.TrimSpace(hex), "#")
	alpha := "00"
	switch len(h) {
	case 6:
	case 8:
		alpha, h = h[:2], h[2:]
	default:
		return "", fmt.Errorf("invalid color %q", hex)
	}
	if _, err := strconv.ParseUint(alpha+h, 16, 32); err != nil {
		return "", fmt.Errorf("invalid color %q", hex)
	}
	return strings.ToUpper("&H" + alpha + h[4:6] + h[2:4] + h[0:2]), nil
}

func inlineColor(hex string) string {
	c, err := ASSColor(hex)
	if err != nil {
		return ""
	}
	// Inline override tags take the colour without alpha.
	return "&H" + c[4:] + "&"
}

// Timestamp formats seconds as ASS H:MM:SS.cc.
func Timestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	cs := int64(math.Round(seconds * 100))
	h := cs / 360000
	m := cs / 6000 % 60
	s := cs / 100 % 60
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs%100)
}

var textEscaper = strings.NewReplacer("{", "(", "}", ")", "\\", "/", "\n", " ")

// WriteASS renders cues into a script sized for a width x height frame.
// All cues of a job share one style and position, taken from the first cue.
func WriteASS(w io.Writer, cues []models.Cue, width, height int) error {
	if width <= 0 || height <= 0 {
		width, height = DefaultWidth, DefaultHeight
	}
	var attrs models.StyleAttributes
	position := models.PositionBottom
	if len(cues) > 0 {
		attrs, position = cues[0].Style, cues[0].Position
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "[Script Info]\nScriptType: v4.00+\nWrapStyle: 0\nScaledBorderAndShadow: yes\nPlayResX: %d\nPlayResY: %d\n\n", width, height)

	line, err := styleLine(attrs, position, height)
	if err != nil {
		return err
	}
	bw.WriteString("[V4+ Styles]\n")
	bw.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	bw.WriteString(line + "\n\n")

	bw.WriteString("[Events]\n")
	bw.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	for _, cue := range cues {
		for _, ev := range expand(cue) {
			fmt.Fprintf(bw, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n", Timestamp(ev.start), Timestamp(ev.end), ev.text)
		}
	}
	return bw.Flush()
}

func styleLine(a models.StyleAttributes, p models.Position, height int) (string, error) {
	colors := make([]string, 4)
	for i, hex := range []string{a.Color, a.Color, a.OutlineColor, a.BackColor} {
		if hex == "" {
			hex = "#000000"
			if i < 2 {
				hex = "#FFFFFF"
			}
		}
		c, err := ASSColor(hex)
		if err != nil {
			return "", err
		}
		colors[i] = c
	}
	font, size := a.Font, a.Size
	if font == "" {
		font = "Arial"
	}
	if size <= 0 {
		size = 48
	}
	return fmt.Sprintf("Style: Default,%s,%d,%s,%s,%s,%s,%d,%d,0,0,100,100,0,0,1,%s,%s,%d,10,10,%d,1",
		font, size, colors[0], colors[1], colors[2], colors[3],
		assBool(a.Bold), assBool(a.Italic),
		strconv.FormatFloat(a.OutlineWidth, 'f', -1, 64), strconv.FormatFloat(a.Shadow, 'f', -1, 64),
		Alignment(p), MarginV(p, height)), nil
}

func assBool(v bool) int {
	if v {
		return -1
	}
	return 0
}

type event struct {
	start, end float64
	text       string
}

// expand turns a cue into dialogue events. Karaoke cues yield one event per
// word, each running until the next word starts so the line stays visible.
func expand(cue models.Cue) []event {
	if !cue.Karaoke {
		return []event{{start: cue.Start, end: cue.End, text: cueText(cue, cue.Active)}}
	}
	events := make([]event, 0, len(cue.Words))
	for i, w := range cue.Words {
		end := cue.End
		if i+1 < len(cue.Words) {
			end = cue.Words[i+1].Start
		}
		events = append(events, event{start: w.Start, end: end, text: cueText(cue, i)})
	}
	return events
}

func cueText(cue models.Cue, active int) string {
	a := cue.Style
	var b strings.Builder
	if a.Weight > 700 {
		fmt.Fprintf(&b, `{\b%d}`, a.Weight)
	}
	highlight := ""
	if a.HighlightColor != "" {
		text := a.HighlightTextColor
		if text == "" {
			text = "#000000"
		}
		highlight = fmt.Sprintf(`{\1c%s\3c%s\xbord10\ybord5\shad0}`, inlineColor(text), inlineColor(a.HighlightColor))
	}
	for i, w := range cue.Words {
		if i > 0 {
			b.WriteByte(' ')
		}
		word := w.Text
		if a.Uppercase {
			word = upper(word)
		}
		word = textEscaper.Replace(word)
		switch {
		case i == active && highlight != "":
			b.WriteString(highlight + word + `{\r}`)
		case i < len(cue.WordColors):
			fmt.Fprintf(&b, `{\c%s}%s`, inlineColor(cue.WordColors[i]), word)
		default:
			b.WriteString(word)
		}
	}
	return b.String()
}
