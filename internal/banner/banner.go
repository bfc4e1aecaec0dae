package banner

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/tui/styles"
)

func GetString() string {
	renderer := lipgloss.DefaultRenderer()

	style := renderer.NewStyle().
		Foreground(styles.ColorBanner).
		Bold(true)

	ascii := `
       __             __   __                __
  ___ / /____ _ ____ / /__/ /___  ___ _ ____/ /
 (_-</ __/ _ '// __//  '_/ // _ \/ _ '// __  / 
/___/\__/\_,_/ \__//_/\_\/_/ \___/\_,_/ \_,_/  `

	return "\n" + style.Render(ascii) + "\n"
}
