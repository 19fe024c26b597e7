package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/monitor"
)

var watchInterval time.Duration

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Refresh interval")
}

// watchCmd runs the live terminal dashboard
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live pipeline activity",
	Long: `Watch live pipeline activity in a terminal dashboard.

The dashboard polls the admin API on the refresh interval and shows
intake rate, worker load, ledger progress, recent decision scores and
the review backlogs. Press q to quit, r to refresh immediately.

Examples:
  # Watch the local daemon
  dsctl watch

  # Slower refresh against a remote daemon
  dsctl watch --server http://deals.internal:8090 --interval 10s`,
	RunE: runWatch,
}

// runWatch handles the watch command
func runWatch(cmd *cobra.Command, args []string) error {
	model := monitor.NewModel(serverURL, watchInterval)
	program := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}
