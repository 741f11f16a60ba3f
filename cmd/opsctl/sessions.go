package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	listTool   string
	listStatus string
	outputJSON bool
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect opspilot sessions",
}

var sessionGetCmd = &cobra.Command{
	Use:   "get <session-id>",
	Short: "Show one session",
	Long: `Show the full state of a session, including collected data,
analysis and execution results.

Examples:
  # Show a remediation session
  opsctl session get rem-4d1c2f9e-8f3a-4b6e-9c7d-2a5b8e0f1c3d

  # Raw JSON output
  opsctl session get rem-4d1c2f9e-8f3a-4b6e-9c7d-2a5b8e0f1c3d --json`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionGet,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Long: `List sessions, optionally filtered by tool and status.

Examples:
  # All sessions
  opsctl session list

  # Active remediations
  opsctl session list --tool remediate --status active`,
	RunE: runSessionList,
}

func init() {
	sessionListCmd.Flags().StringVar(&listTool, "tool", "", "filter by tool name")
	sessionListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (active, awaiting_user_approval, finished, error)")
	sessionCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print raw JSON")
	sessionCmd.AddCommand(sessionGetCmd)
	sessionCmd.AddCommand(sessionListCmd)
}

// sessionView mirrors the session payload returned by the server.
type sessionView struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Data      struct {
		ToolName     string `json:"toolName"`
		CurrentStage string `json:"currentStage"`
		Status       string `json:"status"`
		Version      int64  `json:"version"`
	} `json:"data"`
	VisualizationURL string `json:"visualizationUrl,omitempty"`
}

type sessionListResult struct {
	Sessions []sessionView `json:"sessions"`
	Count    int           `json:"count"`
}

func runSessionGet(cmd *cobra.Command, args []string) error {
	result, err := getJSON(fmt.Sprintf("%s/v1/sessions/%s", serverURL, url.PathEscape(args[0])), 10*time.Second)
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(result)
	}

	var view sessionView
	if err := json.Unmarshal(result, &view); err != nil {
		return fmt.Errorf("failed to decode session: %w", err)
	}

	fmt.Printf("Session:  %s\n", view.SessionID)
	fmt.Printf("Tool:     %s\n", view.Data.ToolName)
	fmt.Printf("Stage:    %s\n", view.Data.CurrentStage)
	fmt.Printf("Status:   %s\n", view.Data.Status)
	fmt.Printf("Version:  %d\n", view.Data.Version)
	fmt.Printf("Updated:  %s\n", view.UpdatedAt.Format(time.RFC3339))
	if view.VisualizationURL != "" {
		fmt.Printf("View:     %s\n", view.VisualizationURL)
	}

	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	u := fmt.Sprintf("%s/v1/sessions", serverURL)
	query := url.Values{}
	if listTool != "" {
		query.Set("tool", listTool)
	}
	if listStatus != "" {
		query.Set("status", listStatus)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	result, err := getJSON(u, 10*time.Second)
	if err != nil {
		return err
	}

	if outputJSON {
		return printJSON(result)
	}

	var list sessionListResult
	if err := json.Unmarshal(result, &list); err != nil {
		return fmt.Errorf("failed to decode session list: %w", err)
	}

	if list.Count == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTOOL\tSTAGE\tSTATUS\tUPDATED")
	for _, s := range list.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.SessionID, s.Data.ToolName, s.Data.CurrentStage, s.Data.Status,
			s.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// printJSON pretty-prints a raw payload to stdout.
func printJSON(raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
