package components

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var levels = []rune{' ', '▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline is a one-line scrolling chart of the last Width samples. The
// scale follows the largest visible sample unless Ceiling is set.
type Sparkline struct {
	Data    []float64
	Width   int
	Ceiling float64
	Style   lipgloss.Style
	Label   string
	Format  string
}

func NewSparkline(width int, label, format string, style lipgloss.Style) Sparkline {
	return Sparkline{
		Width:  width,
		Label:  label,
		Format: format,
		Style:  style,
		Data:   make([]float64, 0, width),
	}
}

func (s *Sparkline) Add(val float64) {
	s.Data = append(s.Data, val)
	if s.Width > 0 && len(s.Data) > s.Width {
		s.Data = s.Data[len(s.Data)-s.Width:]
	}
}

func (s Sparkline) scale() float64 {
	if s.Ceiling > 0 {
		return s.Ceiling
	}
	m := 0.0
	for _, v := range s.Data {
		m = max(m, v)
	}
	return m
}

// Graph renders only the bars, padded to Width.
func (s Sparkline) Graph() string {
	top := s.scale()
	var b strings.Builder
	for _, v := range s.Data {
		idx := 0
		if top > 0 && v > 0 {
			idx = int(v / top * float64(len(levels)-1))
			idx = min(max(idx, 1), len(levels)-1)
		}
		b.WriteRune(levels[idx])
	}
	if pad := s.Width - len(s.Data); pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	return b.String()
}

func (s Sparkline) View() string {
	if s.Width <= 0 {
		return ""
	}
	label := s.Label
	if n := len(s.Data); n > 0 && s.Format != "" {
		label += " " + fmt.Sprintf(s.Format, s.Data[n-1])
	}
	return s.Style.Render(label) + "\n" + s.Style.Render(s.Graph())
}
