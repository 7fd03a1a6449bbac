package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syncq/internal/controlplane"
	"github.com/openmined/syncq/internal/syncq"
	"github.com/spf13/cobra"
)

const defaultControlPlaneURL = "http://localhost:7940"

func init() {
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newHistoryCmd())
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", defaultControlPlaneURL, "Control plane URL (env SYNCQ_URL)")
	cmd.Flags().String("token", "", "Control plane token (env SYNCQ_HTTP_TOKEN)")
	addOutputFlag(cmd)
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the sync engine state of a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var resp controlplane.StatusResponse
			if err := clientFromCmd(cmd).get(cmd.Context(), "/v1/status", &resp); err != nil {
				return err
			}
			return render(cmd, resp, func(w io.Writer) { printStatus(w, resp) })
		},
	}
	addClientFlags(cmd)
	return cmd
}

func printStatus(w io.Writer, resp controlplane.StatusResponse) {
	st := resp.State

	running := green.Render("running")
	if !resp.Running {
		running = gray.Render("stopped")
	}
	network := green.Render("online")
	if !st.IsOnline {
		network = yellow.Render("offline")
	}

	field(w, "Engine", fmt.Sprintf("%s (%s)", running, engineStatus(st.Status)))
	field(w, "Network", network)
	field(w, "Pending", st.PendingCount)
	field(w, "Failed", st.FailedCount)
	field(w, "Succeeded", st.SuccessCount)
	field(w, "Dead", countStyle(st.DeadLetterCount, red))
	field(w, "Conflicts", countStyle(st.ConflictCount, yellow))
	field(w, "Last sync", ago(st.LastSyncTime))
	if st.Status == syncq.EngineSyncing {
		field(w, "Progress", fmt.Sprintf("%.0f%% of %d", st.Progress, len(st.CurrentBatch)))
	}
	if st.LastError != "" {
		field(w, "Last error", red.Render(st.LastError))
	}
}

func engineStatus(s syncq.EngineStatus) string {
	switch s {
	case syncq.EngineSyncing:
		return cyan.Render(string(s))
	case syncq.EngineError:
		return red.Render(string(s))
	default:
		return green.Render(string(s))
	}
}

func countStyle(n int, style lipgloss.Style) string {
	if n == 0 {
		return "0"
	}
	return style.Render(strconv.Itoa(n))
}

func newHistoryCmd() *cobra.Command {
	var clear bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync passes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			client := clientFromCmd(cmd)

			if clear {
				if err := client.do(cmd.Context(), "DELETE", "/v1/history", nil, nil); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), green.Render("history cleared"))
				return nil
			}

			var resp controlplane.HistoryResponse
			if err := client.get(cmd.Context(), "/v1/history", &resp); err != nil {
				return err
			}
			return render(cmd, resp, func(w io.Writer) { printHistory(w, resp.History) })
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "Clear the history instead of showing it")
	addClientFlags(cmd)
	return cmd
}

func printHistory(w io.Writer, history []syncq.PassResult) {
	if len(history) == 0 {
		fmt.Fprintln(w, gray.Render("no sync passes yet"))
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(gray).
		Headers("STARTED", "TRIGGER", "OUTCOME", "OK", "FAILED", "DEAD", "CONFLICTS", "TOOK")
	for _, p := range history {
		t.Row(
			humanize.Time(p.StartedAt),
			string(p.Trigger),
			outcome(p.Outcome),
			strconv.Itoa(p.Succeeded),
			strconv.Itoa(p.Failed),
			strconv.Itoa(p.DeadLettered),
			strconv.Itoa(p.Conflicts),
			p.Duration.String(),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func outcome(o syncq.PassOutcome) string {
	switch o {
	case syncq.OutcomeCompleted:
		return green.Render(string(o))
	case syncq.OutcomeTimeout:
		return yellow.Render(string(o))
	default:
		return red.Render(string(o))
	}
}
