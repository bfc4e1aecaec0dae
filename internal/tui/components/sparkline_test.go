package components

import (
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestSparklineScrolls(t *testing.T) {
	s := NewSparkline(3, "rate", "%.0f/s", lipgloss.NewStyle())
	for _, v := range []float64{1, 2, 3, 4} {
		s.Add(v)
	}
	assert.Equal(t, []float64{2, 3, 4}, s.Data)
	assert.Equal(t, "▄▆█", s.Graph())
	assert.Contains(t, s.View(), "rate 4/s")
}

func TestSparklineZeroAndPadding(t *testing.T) {
	s := NewSparkline(4, "fail", "", lipgloss.NewStyle())
	s.Add(0)
	assert.Equal(t, "    ", s.Graph())

	s.Ceiling = 1
	s.Add(0.01)
	assert.Equal(t, " ▁  ", s.Graph(), "small non-zero values stay visible")
}
