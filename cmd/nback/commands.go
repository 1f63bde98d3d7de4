// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/DualNBack/pkg/logging"
	"github.com/AleutianAI/DualNBack/services/nback/config"
	"github.com/spf13/cobra"
)

// ErrConfigExists is returned by `config init` when the file is present.
var ErrConfigExists = errors.New("config file already exists")

var (
	// Global configuration, loaded in PersistentPreRunE.
	configPath string
	cfg        *config.Config
	logger     = slog.Default()

	playSetup     bool
	playEphemeral bool

	serveAddr      string
	serveEphemeral bool
	serveNoWatch   bool

	historySession string
	historyLimit   int

	configInitForce bool

	rootCmd = &cobra.Command{
		Use:   "nback",
		Short: "Dual n-back working memory trainer",
		Long: `nback presents a stream of stimuli on two channels, a position on a
3x3 grid and a spoken letter, and asks you to flag each one that matches
the stimulus N steps back. N adapts to your accuracy between blocks.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
	}

	playCmd = &cobra.Command{
		Use:   "play",
		Short: "Train in the terminal",
		Long: `Runs the trainer as a full screen terminal UI.

Keys: a position match, l sound match, space start/stop, r reset block,
+/- change N while idle, ? help, q quit.`,
		Args: cobra.NoArgs,
		RunE: runPlay,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the trainer over HTTP and WebSocket",
		Long: `Runs one trainer behind a REST API under /v1/nback and streams its
events and cues over /v1/nback/ws. Engine settings in the config file are
applied live when the file changes.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show stored block results",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	configInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		// Must not load the file it is about to create.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE:              runConfigInit,
	}

	configShowCmd = &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "path to the configuration file")

	playCmd.Flags().BoolVar(&playSetup, "setup", false, "edit settings before playing and save them")
	playCmd.Flags().BoolVar(&playEphemeral, "ephemeral", false, "keep results in memory only")

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides server.address")
	serveCmd.Flags().BoolVar(&serveEphemeral, "ephemeral", false, "keep results in memory only")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the config file on change")

	historyCmd.Flags().StringVar(&historySession, "session", "", "show the blocks of one session")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "maximum rows to print (0 means all)")

	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(playCmd, serveCmd, historyCmd, configCmd)
}

// loadConfig reads (or creates) the configuration and installs the logger.
func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, created, err := config.LoadOrCreate(configPath)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", configPath, err)
	}
	cfg = loaded
	l, err := newLogger(cfg, cmd.ErrOrStderr(), "", false)
	if err != nil {
		return err
	}
	logger = l.Logger
	slog.SetDefault(logger)
	if created {
		logger.Info("wrote default configuration", slog.String("path", configPath))
	}
	return nil
}

// newLogger builds a logger from the logging section. service names the
// log file under Logging.Dir; "" disables the file.
func newLogger(c *config.Config, w io.Writer, service string, quiet bool) (*logging.Logger, error) {
	lc := logging.Config{
		Level:   c.SlogLevel(),
		Format:  c.Logging.Format,
		Service: service,
		Quiet:   quiet,
		Writer:  w,
	}
	if service != "" {
		lc.Dir = c.Logging.Dir
	}
	return logging.New(lc)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !configInitForce {
		return fmt.Errorf("%w: %s (use --force to overwrite)", ErrConfigExists, configPath)
	}
	if err := config.CreateDefault(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", configPath)
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
