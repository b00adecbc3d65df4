package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"video-subtitler/internal/config"
	"video-subtitler/internal/models"
	"video-subtitler/internal/store"
)

func newHistoryCommand(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show the recorded state transitions of a job from the audit log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Postgres.DSN == "" {
				return errors.New("postgres.dsn is not configured; the audit log is disabled")
			}
			auditor, err := store.NewAuditor(cmd.Context(), cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer auditor.Close()

			rows, err := auditor.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return fmt.Errorf("no audit rows for job %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistory(rows))
			return nil
		},
	}
}

func renderHistory(rows []models.AuditLog) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Recorded", "Event", "Detail"})
	for _, row := range rows {
		tw.AppendRow(table.Row{row.Recorded.Local().Format(time.DateTime), row.Event, row.Detail})
	}
	return tw.Render()
}
