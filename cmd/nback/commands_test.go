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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DualNBack/services/nback/config"
	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/storage"
)

// execute runs rootCmd with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	playSetup, playEphemeral = false, false
	serveAddr, serveEphemeral, serveNoWatch = "", false, false
	historySession, historyLimit = "", 0
	configInitForce = false

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

// writeConfig saves a default configuration whose storage lives in dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "nback.yaml")
	c := config.DefaultConfig()
	c.Storage.Path = filepath.Join(dir, "results")
	require.NoError(t, c.Save(path))
	return path
}

func TestCommandTree(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"play", "serve", "history", "config"} {
		assert.True(t, names[want], "missing command %q", want)
	}

	sub := make(map[string]bool)
	for _, c := range configCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["init"])
	assert.True(t, sub["show"])

	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, playCmd.Flags().Lookup("setup"))
	assert.NotNil(t, serveCmd.Flags().Lookup("addr"))
	assert.NotNil(t, historyCmd.Flags().Lookup("session"))
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "nback.yaml")

	out, err := execute(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	_, err = config.Load(path)
	require.NoError(t, err)

	_, err = execute(t, "config", "init", "--config", path)
	assert.ErrorIs(t, err, ErrConfigExists)

	_, err = execute(t, "config", "init", "--config", path, "--force")
	assert.NoError(t, err)
}

func TestConfigShow_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nback.yaml")

	out, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "# "+path)
	assert.Contains(t, out, "audio_mode: tone")
	assert.Contains(t, out, "trials_per_block: 20")

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestConfigShow_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nback.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presentation:\n  audio_mode: kazoo\n"), 0o644))

	_, err := execute(t, "config", "show", "--config", path)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestHistory_Empty(t *testing.T) {
	path := writeConfig(t, t.TempDir())

	out, err := execute(t, "history", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions stored yet")
}

func TestHistory_SessionsAndBlocks(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir)

	db, err := storage.OpenDB(storage.DefaultConfig(filepath.Join(dir, "results")))
	require.NoError(t, err)
	store, err := storage.NewResultStore(db, nil)
	require.NoError(t, err)

	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	for i, n := range []int{2, 3} {
		begin := start.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.SaveBlock(context.Background(), engine.BlockResult{
			SessionID: "morning",
			Block:     i + 1,
			N:         n,
			NextN:     n + 1,
			Decision:  engine.DecisionAdvance,
			Trials:    20,
			Tally:     engine.Tally{PosHits: 5, PosMisses: 1, SndHits: 4, SndMisses: 2},
			Accuracy:  0.75,
			StartedAt: begin,
			EndedAt:   begin.Add(50 * time.Second),
		}))
	}
	require.NoError(t, db.Close())

	out, err := execute(t, "history", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "morning")

	out, err = execute(t, "history", "--config", path, "--session", "morning")
	require.NoError(t, err)
	assert.Contains(t, out, "BLOCK")
	assert.Contains(t, out, "5/1/0")
	assert.Contains(t, out, "2 blocks, 40 trials")

	out, err = execute(t, "history", "--config", path, "--session", "evening")
	require.NoError(t, err)
	assert.Contains(t, out, "No blocks stored for session evening")
}

func TestPlay_RequiresTerminal(t *testing.T) {
	if isTerminal(os.Stdin) && isTerminal(os.Stdout) {
		t.Skip("running attached to a terminal")
	}
	path := writeConfig(t, t.TempDir())

	_, err := execute(t, "play", "--config", path)
	assert.ErrorIs(t, err, ErrNotTerminal)
}

func TestLimitRows(t *testing.T) {
	rows := []int{1, 2, 3, 4}
	assert.Equal(t, []int{3, 4}, limitRows(rows, 2))
	assert.Equal(t, rows, limitRows(rows, 0))
	assert.Equal(t, rows, limitRows(rows, 10))
}
