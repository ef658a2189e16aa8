package labels

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// Placeholder is shown in place of cards when nothing passes the threshold.
const Placeholder = "No results found at this confidence level."

// cardStagger is the animation delay added per card position.
const cardStagger = 50 * time.Millisecond

// Card is the presentation of one label.
type Card struct {
	Index       int           `json:"index"`
	Name        string        `json:"name"`
	Confidence  float64       `json:"confidence"`
	Text        string        `json:"text"`
	FillPercent float64       `json:"fill_percent"`
	Delay       time.Duration `json:"delay"`
}

// View is the rendered result panel.
type View struct {
	Threshold   float64 `json:"threshold"`
	Cards       []Card  `json:"cards"`
	Placeholder string  `json:"placeholder,omitempty"`
}

// Empty reports whether the view shows the placeholder instead of cards.
func (v View) Empty() bool { return len(v.Cards) == 0 }

// Render builds the result panel for rs at threshold. It is a pure function.
func Render(rs ResultSet, threshold float64) View {
	visible := rs.Filter(threshold)
	view := View{Threshold: threshold, Cards: make([]Card, 0, len(visible))}
	if len(visible) == 0 {
		view.Placeholder = Placeholder
		return view
	}
	for i, l := range visible {
		view.Cards = append(view.Cards, Card{
			Index:       i,
			Name:        l.Name,
			Confidence:  l.Confidence,
			Text:        FormatConfidence(l.Confidence),
			FillPercent: clampPercent(l.Confidence),
			Delay:       time.Duration(i) * cardStagger,
		})
	}
	return view
}

// FormatConfidence renders a confidence with one decimal place, e.g. "95.0%".
// Ties round half away from zero, so 91.25 shows as "91.3%".
func FormatConfidence(c float64) string {
	return strconv.FormatFloat(math.Round(c*10)/10, 'f', 1, 64) + "%"
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// WriteText writes v as plain text, one line per card with a bar of barWidth
// cells. A non-positive barWidth omits the bar.
func WriteText(w io.Writer, v View, barWidth int) error {
	if v.Empty() {
		_, err := fmt.Fprintln(w, v.Placeholder)
		return err
	}

	nameWidth := 0
	for _, c := range v.Cards {
		if n := len([]rune(c.Name)); n > nameWidth {
			nameWidth = n
		}
	}

	for _, c := range v.Cards {
		line := fmt.Sprintf("%-*s", nameWidth, c.Name)
		if barWidth > 0 {
			filled := int(c.FillPercent / 100 * float64(barWidth))
			line += " [" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "]"
		}
		line += " " + fmt.Sprintf("%6s", c.Text)
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
