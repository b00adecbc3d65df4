package main

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"video-subtitler/internal/config"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "subtitler",
		Short:         "Burn stylized AI subtitles into short videos",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", os.Getenv("SUBTITLER_CONFIG"), "Configuration file path (TOML)")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configFlag)
		if err != nil {
			return config.Config{}, err
		}
		setupLogging(cfg.Logging)
		return cfg, nil
	}

	rootCmd.AddCommand(newServeCommand(load))
	rootCmd.AddCommand(newStylesCommand())
	rootCmd.AddCommand(newHistoryCommand(load))
	return rootCmd
}

func setupLogging(cfg config.LoggingConfig) {
	fd := os.Stderr.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	if strings.EqualFold(cfg.Format, "json") {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: !tty}).
			With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Debug().Str("level", cfg.Level).Str("format", cfg.Format).Msg("log level configured")
}
