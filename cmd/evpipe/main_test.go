package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
	"github.com/eliteGoblin/focusd/evpipe/internal/infra"
)

func TestPrepareDirs(t *testing.T) {
	home := t.TempDir()
	fs := infra.NewFileSystemWithHome(home)

	cfg := domain.DefaultConfig()
	cfg.LogPath = filepath.Join(home, "logs", "events.log")
	cfg.StatsDir = filepath.Join(home, "stats")
	cfg.DiagLogPath = filepath.Join(home, "diag", "evpipe.log")

	require.NoError(t, prepareDirs(fs, cfg))

	assert.True(t, fs.Exists(filepath.Join(home, "logs")))
	assert.False(t, fs.Exists(cfg.StatsDir))
	assert.True(t, fs.Exists(filepath.Join(home, "diag")))
	assert.False(t, fs.Exists(cfg.LogPath), "only directories are created")
}

func TestPrepareDirs_FileInTheWay(t *testing.T) {
	home := t.TempDir()
	fs := infra.NewFileSystemWithHome(home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "logs"), nil, 0644))

	cfg := domain.DefaultConfig()
	cfg.LogPath = filepath.Join(home, "logs", "events.log")

	assert.Error(t, prepareDirs(fs, cfg))
}
