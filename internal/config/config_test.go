package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().DefaultShell, cfg.DefaultShell)
	assert.False(t, cfg.ExitOnLastSessionTerminate)
}

func TestLoad_PartialOverlayKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default_shell: /bin/zsh\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/bin/zsh", cfg.DefaultShell)
	assert.False(t, cfg.ExitOnLastSessionTerminate)
}

func TestLoad_Profiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "profiles:\n  work:\n    program: /usr/bin/tmux\n    args: [\"new\"]\n    env:\n      FOO: bar\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, cfg.Profiles, "work")
	assert.Equal(t, "/usr/bin/tmux", cfg.Profiles["work"].Program)
	assert.Equal(t, []string{"new"}, cfg.Profiles["work"].Args)
	assert.Equal(t, "bar", cfg.Profiles["work"].Env["FOO"])
}

func TestSocketPath_OverrideRelativeIsAbsolutised(t *testing.T) {
	got, err := SocketPath("rel/sock")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))
}

func TestSocketPath_OverrideAbsoluteIsUnchanged(t *testing.T) {
	got, err := SocketPath("/custom/sock")
	require.NoError(t, err)
	assert.Equal(t, "/custom/sock", got)
}

func TestSocketPath_FallsBackThroughEnv(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	got, err := SocketPath("")
	require.NoError(t, err)
	assert.Equal(t, "/run/user/1000/mnmx", got)

	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("TMPDIR", "/tmp/x")
	t.Setenv("USER", "alice")
	got, err = SocketPath("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x/mnmxalice", got)

	t.Setenv("TMPDIR", "")
	got, err = SocketPath("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/mnmx", got)
}
