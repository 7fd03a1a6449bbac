package main

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/openmined/syncq/internal/codec"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	red       = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	green     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	yellow    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	cyan      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	gray      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	lightGray = lipgloss.NewStyle().Foreground(lipgloss.Color("248"))
)

const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

func addOutputFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("output", "o", formatText, "Output format: text, json or yaml")
}

// render writes v as json or yaml, or hands off to text for the default format.
func render(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	format, _ := cmd.Flags().GetString("output")
	w := cmd.OutOrStdout()

	switch format {
	case "", formatText:
		text(w)
		return nil
	case formatJSON:
		data, err := codec.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case formatYAML:
		// go through json so the keys match the API
		data, err := codec.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := codec.Unmarshal(data, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return gray.Render("never")
	}
	return humanize.Time(*t)
}

func field(w io.Writer, name string, value any) {
	fmt.Fprintf(w, "%s %v\n", lightGray.Render(fmt.Sprintf("%-12s", name+":")), value)
}
