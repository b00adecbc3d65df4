package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"video-subtitler/internal/subtitles"
)

func newStylesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "styles",
		Short: "Print the style, display mode and position catalog as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(subtitles.DefaultCatalog())
		},
	}
}
