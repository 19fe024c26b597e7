// Package main implements the dsctl CLI for manual operations against
// the dealsignald admin API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/InfinityXOneSystems/vision-cortex-sub000/internal/monitor"
)

var (
	// serverURL is the base URL for the dealsignald admin API
	serverURL string
	// asJSON switches command output to raw JSON
	asJSON bool
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dsctl",
	Short: "CLI for dealsignald admin operations",
	Long: `dsctl is a command-line interface for the dealsignald admin API.
It submits signals, inspects the entity registry, reviews dead letters
and the operator queue, and watches live pipeline activity.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "dealsignald admin API URL")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Output results as JSON")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statsCmd)
}

// healthCmd checks daemon health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check dealsignald health",
	Long: `Check the health of the dealsignald admin API.

Examples:
  # Check health
  dsctl health

  # Check health on a different daemon
  dsctl health --server http://localhost:9090`,
	RunE: runHealth,
}

// statsCmd prints pipeline statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show pipeline and store statistics",
	Long: `Show the durable store counters and the live pipeline snapshot.

Examples:
  # Show statistics
  dsctl stats

  # Raw JSON for scripting
  dsctl stats --json`,
	RunE: runStats,
}

// HealthResponse matches internal/httpapi/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	var health HealthResponse
	if err := getJSON("/health", &health); err != nil {
		return err
	}

	if asJSON {
		return outputJSON(health)
	}

	fmt.Printf("Daemon Status: %s\n", health.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

// runStats handles the stats command
func runStats(cmd *cobra.Command, args []string) error {
	client := monitor.NewStatsClient(serverURL)
	report, err := client.FetchStats(cmd.Context())
	if err != nil {
		return err
	}

	if asJSON {
		return outputJSON(report)
	}

	fmt.Printf("Pipeline\n")
	fmt.Printf("  Workers:      %d (%d busy)\n", report.Pipeline.Workers, report.Pipeline.InFlight)
	fmt.Printf("  Received:     %d\n", report.Pipeline.Received)
	fmt.Printf("  Completed:    %d\n", report.Pipeline.Completed)
	fmt.Printf("  Retries:      %d\n", report.Pipeline.Retries)
	fmt.Printf("  Dead-letters: %d\n", report.Pipeline.DeadLettered)
	fmt.Printf("  Duplicates:   %d\n", report.Pipeline.Duplicates)
	fmt.Printf("  Malformed:    %d\n", report.Pipeline.Malformed)

	fmt.Printf("Registry\n")
	fmt.Printf("  Entities:     %d (%d provisional)\n", report.Store.Entities, report.Store.ProvisionalEntities)
	fmt.Printf("  Watches:      %d active, %d milestones fired\n", report.Store.ActiveWatches, report.Store.MilestoneFires)

	fmt.Printf("Review\n")
	fmt.Printf("  Dead letters: %d pending\n", report.Store.PendingDeadLetters)
	fmt.Printf("  Operator:     %d open\n", report.Store.OpenOperatorItems)

	if len(report.Store.LedgerByStatus) > 0 {
		fmt.Printf("Ledger\n")
		for _, status := range []string{"received", "processing", "completed", "dead_lettered"} {
			if n, ok := report.Store.LedgerByStatus[status]; ok {
				fmt.Printf("  %-13s %d\n", status+":", n)
			}
		}
	}
	if len(report.Store.DecisionsByPlaybook) > 0 {
		fmt.Printf("Decisions\n")
		for _, pb := range []string{"buy", "partner", "refinance", "rescue", "litigate", "walk"} {
			if n, ok := report.Store.DecisionsByPlaybook[pb]; ok {
				fmt.Printf("  %-13s %d\n", pb+":", n)
			}
		}
	}

	return nil
}

// Shared HTTP helpers. Every command goes through these so connection
// and decode failures read the same everywhere.

// newClient returns the HTTP client used for admin API calls.
func newClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
	}
}

// getJSON GETs path from the admin API and decodes the response into out.
func getJSON(path string, out any) error {
	url := serverURL + path
	resp, err := newClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// postJSON POSTs body (may be nil) to path and decodes the response into
// out. want is the expected success status.
func postJSON(path string, body []byte, want int, out any) error {
	url := serverURL + path
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := newClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, want); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// checkStatus returns an error carrying the response body when the
// status is not the expected one.
func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}

// truncate shortens s to maxLen runes for table display.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
