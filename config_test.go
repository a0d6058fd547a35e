package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("socket_path: /tmp/test.sock\nterminate_on_trap: false\nguestfs_roots:\n  - /srv/guest\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guestmon.yaml"), yaml, 0o644))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	cfg, err := loadConfig()
	require.NoError(t, err)

	// Values from the file.
	assert.Equal(t, "/tmp/test.sock", cfg.SocketPath)
	assert.False(t, cfg.TerminateOnTrap)
	assert.Equal(t, []string{"/srv/guest"}, cfg.GuestFSRoots)

	// Unset keys fall back to defaults.
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.WebListenAddr)
	assert.Equal(t, "rules", cfg.RulesDir)
	assert.Equal(t, "vmlinux", cfg.KernelImage)
	assert.Equal(t, 256, cfg.ImageCacheSize)
	assert.True(t, cfg.TerminateOnSegfault)
	assert.False(t, cfg.DropPrivileges)
}

func TestLoadConfigMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guestmon.yaml"), []byte("socket_path: [unclosed"), 0o644))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(cwd)

	_, err = loadConfig()
	assert.Error(t, err)
}
