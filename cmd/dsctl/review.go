package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// dead-letter command flags
	dlAll   bool
	dlLimit int

	// operator command flags
	opAll   bool
	opLimit int
)

func init() {
	rootCmd.AddCommand(deadletterCmd)
	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRequeueCmd)

	deadletterListCmd.Flags().BoolVar(&dlAll, "all", false, "Include already-requeued dead letters")
	deadletterListCmd.Flags().IntVar(&dlLimit, "limit", 100, "Maximum number of dead letters to return")

	rootCmd.AddCommand(operatorCmd)
	operatorCmd.AddCommand(operatorListCmd)
	operatorCmd.AddCommand(operatorResolveCmd)

	operatorListCmd.Flags().BoolVar(&opAll, "all", false, "Include resolved items")
	operatorListCmd.Flags().IntVar(&opLimit, "limit", 100, "Maximum number of items to return")
}

var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Review and requeue dead letters",
	Long: `Review terminally failed signals and push them back onto the
inbound queue once the underlying fault is fixed.

Examples:
  # Pending dead letters
  dsctl deadletter list

  # Requeue one by ID
  dsctl deadletter requeue 42`,
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letters",
	Long: `List dead letters, newest first. Pending only by default.

Examples:
  # Pending dead letters
  dsctl deadletter list

  # Include already-requeued records
  dsctl deadletter list --all

  # Raw JSON (includes the original payloads)
  dsctl deadletter list --json`,
	RunE: runDeadletterList,
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Requeue a dead letter",
	Long: `Push a dead letter's payload back onto the inbound queue.

The record is marked requeued before the payload is republished, so a
crash between the two never replays the same record twice. Requeueing
an already-requeued record is a conflict.

Examples:
  # Requeue dead letter 42
  dsctl deadletter requeue 42`,
	Args: cobra.ExactArgs(1),
	RunE: runDeadletterRequeue,
}

var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Review the operator queue",
	Long: `Review registry integrity problems surfaced for manual
attention, e.g. a mention whose identifiers point at two different
entities.

Examples:
  # Open items
  dsctl operator list

  # Close one after fixing the registry
  dsctl operator resolve 7`,
}

var operatorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operator queue items",
	Long: `List operator review items, newest first. Open only by default.

Examples:
  # Open items
  dsctl operator list

  # Include resolved items
  dsctl operator list --all`,
	RunE: runOperatorList,
}

var operatorResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve an operator queue item",
	Long: `Close an operator review item.

Examples:
  # Resolve item 7
  dsctl operator resolve 7`,
	Args: cobra.ExactArgs(1),
	RunE: runOperatorResolve,
}

// DeadLetter matches internal/store/deadletters.go DeadLetter
type DeadLetter struct {
	ID         int64      `json:"id"`
	SignalID   string     `json:"signal_id"`
	Stage      string     `json:"stage"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error"`
	Payload    []byte     `json:"payload"`
	CreatedAt  time.Time  `json:"created_at"`
	RequeuedAt *time.Time `json:"requeued_at,omitempty"`
}

// DeadLetterListResponse matches internal/httpapi/handlers.go DeadLetterListResponse
type DeadLetterListResponse struct {
	DeadLetters []*DeadLetter `json:"dead_letters"`
	Count       int           `json:"count"`
}

// RequeueResponse matches internal/httpapi/handlers.go RequeueResponse
type RequeueResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// OperatorItem matches internal/store/deadletters.go OperatorItem
type OperatorItem struct {
	ID         int64      `json:"id"`
	Kind       string     `json:"kind"`
	SignalID   string     `json:"signal_id"`
	Detail     string     `json:"detail"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// OperatorQueueResponse matches internal/httpapi/handlers.go OperatorQueueResponse
type OperatorQueueResponse struct {
	Items []*OperatorItem `json:"items"`
	Count int             `json:"count"`
}

// ResolveResponse matches internal/httpapi/handlers.go ResolveResponse
type ResolveResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// runDeadletterList handles the deadletter list command
func runDeadletterList(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/api/v1/deadletters?pending=%t&limit=%d", !dlAll, dlLimit)

	var list DeadLetterListResponse
	if err := getJSON(path, &list); err != nil {
		return err
	}

	if asJSON {
		return outputJSON(list)
	}

	if list.Count == 0 {
		fmt.Println("No dead letters found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSIGNAL\tSTAGE\tATTEMPTS\tERROR\tCREATED\tREQUEUED")
	for _, dl := range list.DeadLetters {
		requeued := ""
		if dl.RequeuedAt != nil {
			requeued = dl.RequeuedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			dl.ID,
			truncate(dl.SignalID, 20),
			dl.Stage,
			dl.Attempts,
			truncate(dl.LastError, 48),
			dl.CreatedAt.Format("2006-01-02 15:04"),
			requeued,
		)
	}
	w.Flush()

	return nil
}

// runDeadletterRequeue handles the deadletter requeue command
func runDeadletterRequeue(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid dead-letter id: %s", args[0])
	}

	var resp RequeueResponse
	path := fmt.Sprintf("/api/v1/deadletters/%d/requeue", id)
	if err := postJSON(path, nil, http.StatusOK, &resp); err != nil {
		return err
	}

	if asJSON {
		return outputJSON(resp)
	}

	fmt.Printf("Dead letter %d %s\n", resp.ID, resp.Status)
	return nil
}

// runOperatorList handles the operator list command
func runOperatorList(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/api/v1/operator/queue?open=%t&limit=%d", !opAll, opLimit)

	var list OperatorQueueResponse
	if err := getJSON(path, &list); err != nil {
		return err
	}

	if asJSON {
		return outputJSON(list)
	}

	if list.Count == 0 {
		fmt.Println("No operator items found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSIGNAL\tDETAIL\tCREATED\tRESOLVED")
	for _, item := range list.Items {
		resolved := ""
		if item.ResolvedAt != nil {
			resolved = item.ResolvedAt.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			item.ID,
			item.Kind,
			truncate(item.SignalID, 20),
			truncate(item.Detail, 48),
			item.CreatedAt.Format("2006-01-02 15:04"),
			resolved,
		)
	}
	w.Flush()

	return nil
}

// runOperatorResolve handles the operator resolve command
func runOperatorResolve(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid operator item id: %s", args[0])
	}

	var resp ResolveResponse
	path := fmt.Sprintf("/api/v1/operator/queue/%d/resolve", id)
	if err := postJSON(path, nil, http.StatusOK, &resp); err != nil {
		return err
	}

	if asJSON {
		return outputJSON(resp)
	}

	fmt.Printf("Operator item %d %s\n", resp.ID, resp.Status)
	return nil
}
