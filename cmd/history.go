package cmd

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/export"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/storage"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/tui/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse previous runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configErr != nil {
			return &exitError{code: ExitConfig, err: configErr}
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.NewStore(viper.GetString("output.history"))
		if err != nil {
			return err
		}
		defer store.Close()

		items, err := store.List(limit)
		if err != nil {
			return err
		}
		if asJSON {
			return export.WriteJSON(os.Stdout, items)
		}
		if len(items) == 0 {
			fmt.Println("no runs recorded yet")
			return nil
		}
		_, err = tea.NewProgram(history.NewModel(items), tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	historyCmd.Flags().Bool("json", false, "Print stored runs as JSON")
	historyCmd.Flags().Int("limit", 20, "Maximum number of runs to show (0 for all)")
}
