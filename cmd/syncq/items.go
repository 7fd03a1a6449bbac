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

func init() {
	rootCmd.AddCommand(newSyncCmd())
	rootCmd.AddCommand(newDeadCmd())
	rootCmd.AddCommand(newConflictsCmd())
	rootCmd.AddCommand(newRequeueCmd())
	rootCmd.AddCommand(newResolveCmd())
}

func newSyncCmd() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Trigger a sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			client := clientFromCmd(cmd)

			if !wait {
				var resp controlplane.TriggerResponse
				if err := client.post(cmd.Context(), "/v1/sync/now", nil, &resp); err != nil {
					return err
				}
				return render(cmd, resp, func(w io.Writer) {
					if resp.Triggered {
						fmt.Fprintln(w, green.Render("sync triggered"))
					} else {
						fmt.Fprintln(w, gray.Render("sync not started: engine stopped, offline or busy"))
					}
				})
			}

			var result syncq.PassResult
			if err := client.post(cmd.Context(), "/v1/sync/now?wait=true", nil, &result); err != nil {
				return err
			}
			return render(cmd, result, func(w io.Writer) { printPass(w, result) })
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Wait for the pass to finish and print its result")
	addClientFlags(cmd)
	return cmd
}

func printPass(w io.Writer, p syncq.PassResult) {
	if p.Planned == 0 {
		fmt.Fprintln(w, gray.Render("nothing to sync"))
		return
	}
	field(w, "Pass", p.PassID)
	field(w, "Outcome", outcome(p.Outcome))
	field(w, "Took", p.Duration.String())
	field(w, "Attempted", fmt.Sprintf("%d of %d", p.Attempted, p.Planned))
	field(w, "Succeeded", p.Succeeded)
	field(w, "Failed", countStyle(p.Failed, red))
	field(w, "Dead", countStyle(p.DeadLettered, red))
	field(w, "Conflicts", countStyle(p.Conflicts, yellow))
	if p.Error != "" {
		field(w, "Error", red.Render(p.Error))
	}
}

func newDeadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead",
		Aliases: []string{"dead-letters"},
		Short:   "List items that exhausted their retries",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var resp controlplane.ItemsResponse
			if err := clientFromCmd(cmd).get(cmd.Context(), "/v1/items/dead", &resp); err != nil {
				return err
			}
			return render(cmd, resp, func(w io.Writer) {
				printItems(w, resp.Items, "no dead letters")
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}

func newConflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List items waiting for a manual conflict resolution",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			var resp controlplane.ItemsResponse
			if err := clientFromCmd(cmd).get(cmd.Context(), "/v1/conflicts", &resp); err != nil {
				return err
			}
			return render(cmd, resp, func(w io.Writer) {
				printItems(w, resp.Items, "no conflicts")
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}

func printItems(w io.Writer, items []*syncq.SyncItem, empty string) {
	if len(items) == 0 {
		fmt.Fprintln(w, gray.Render(empty))
		return
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(gray).
		Headers("ID", "TABLE", "ACTION", "KEY", "RETRIES", "UPDATED", "ERROR")
	for _, item := range items {
		key, _ := item.Payload.KeyString()
		t.Row(
			item.ID,
			item.Table,
			string(item.Action),
			key,
			strconv.Itoa(item.RetryCount),
			humanize.Time(item.UpdatedAt),
			item.LastError,
		)
	}
	fmt.Fprintln(w, t.Render())
}

func newRequeueCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "requeue [ID]",
		Short: "Put a dead-lettered item back in the queue",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			client := clientFromCmd(cmd)

			if all {
				var resp controlplane.RequeueAllResponse
				if err := client.post(cmd.Context(), "/v1/items/requeue", nil, &resp); err != nil {
					return err
				}
				return render(cmd, resp, func(w io.Writer) {
					fmt.Fprintf(w, "%s %d item(s)\n", green.Render("requeued"), resp.Requeued)
				})
			}

			var item syncq.SyncItem
			if err := client.post(cmd.Context(), "/v1/items/"+args[0]+"/requeue", nil, &item); err != nil {
				return err
			}
			return render(cmd, item, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s as %s\n", green.Render("requeued"), args[0], cyan.Render(item.ID))
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Requeue every dead-lettered item")
	addClientFlags(cmd)
	return cmd
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "resolve ID keep-local|keep-remote",
		Short:     "Resolve a conflict parked for manual resolution",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(syncq.ResolveKeepLocal), string(syncq.ResolveKeepRemote)},
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			req := controlplane.ResolveRequest{Resolution: syncq.Resolution(args[1])}

			var item syncq.SyncItem
			if err := clientFromCmd(cmd).post(cmd.Context(), "/v1/conflicts/"+args[0]+"/resolve", req, &item); err != nil {
				return err
			}
			return render(cmd, item, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s (%s)\n", green.Render("resolved"), args[0], item.Status)
			})
		},
	}
	addClientFlags(cmd)
	return cmd
}
