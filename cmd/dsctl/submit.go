package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(submitCmd)
}

// submitCmd submits a signal document from a file or stdin
var submitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a signal document",
	Long: `Submit a signal document to the pipeline from a file or stdin.

The document must be a JSON signal; the daemon validates it and replies
with the signal ID. A duplicate of an already-ingested signal is
accepted and absorbed, not rejected.

Examples:
  # Submit a file
  dsctl submit signal.json

  # Submit from stdin
  cat signal.json | dsctl submit -

  # Submit to a different daemon
  dsctl submit --server http://localhost:9090 signal.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

// SubmitResponse matches internal/httpapi/handlers.go SubmitResponse
type SubmitResponse struct {
	SignalID string `json:"signal_id"`
	Status   string `json:"status"`
}

// runSubmit handles the submit command
func runSubmit(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error

	// Read input from file or stdin
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	if len(content) == 0 {
		return fmt.Errorf("no signal document to submit")
	}

	var submitResp SubmitResponse
	if err := postJSON("/api/v1/signals", content, http.StatusAccepted, &submitResp); err != nil {
		return err
	}

	if asJSON {
		return outputJSON(submitResp)
	}

	fmt.Printf("Signal %s %s\n", submitResp.SignalID, submitResp.Status)
	return nil
}
