package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
	"github.com/withObsrvr/obsrvr-har-harvester/internal/selection"
)

type testRow struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	LastRun   string   `json:"last_run"`
	LastRunMs int64    `json:"last_run_ms"`
	Locations []string `json:"locations"`
	Selected  bool     `json:"selected"`
}

func newTestsCmd(a *app) *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "tests",
		Short: "List active tests",
		Long:  "List the active tests in the inventory and whether the selection rules include them.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			selector, err := selection.New(a.cfg.Harvest.SelectTests, a.cfg.Harvest.Rules)
			if err != nil {
				return err
			}

			cycleID := logging.GenerateCorrelationID()
			session := newClient(a.cfg).NewSession(cycleID, logging.CycleLogger(cycleID))
			tests, err := session.ListActiveTests(cmd.Context())
			if err != nil {
				return fmt.Errorf("list active tests: %w", err)
			}

			rows := make([]testRow, 0, len(tests))
			for _, t := range tests {
				narrowed, outcome := selector.Match(t)
				rows = append(rows, testRow{
					ID:        t.ID,
					Name:      t.Name,
					LastRun:   time.UnixMilli(t.LastRunEpochMillis).UTC().Format(time.RFC3339),
					LastRunMs: t.LastRunEpochMillis,
					Locations: narrowed.Locations,
					Selected:  outcome == selection.Selected,
				})
			}

			out := cmd.OutOrStdout()
			switch outputFormat {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			case "table":
				renderTests(out, rows)
				return nil
			default:
				return fmt.Errorf("unknown output format: %s", outputFormat)
			}
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json")
	return cmd
}

func renderTests(w io.Writer, rows []testRow) {
	headers := []string{"ID", "NAME", "LAST RUN", "LOCATIONS", "SELECTED"}
	cells := make([][]string, len(rows))
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for r, row := range rows {
		cells[r] = []string{
			strconv.FormatInt(row.ID, 10),
			row.Name,
			row.LastRun,
			strings.Join(row.Locations, ","),
			strconv.FormatBool(row.Selected),
		}
		for i, c := range cells[r] {
			widths[i] = max(widths[i], len(c))
		}
	}

	header := color.New(color.FgWhite, color.Bold)
	for i, h := range headers {
		header.Fprintf(w, "%-*s  ", widths[i], h)
	}
	fmt.Fprintln(w)
	for _, row := range cells {
		for i, c := range row {
			fmt.Fprintf(w, "%-*s  ", widths[i], c)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "\n%d active tests\n", len(rows))
}
