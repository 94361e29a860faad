package pty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnmxhq/mnmx/internal/proto"
)

func spawnEcho() proto.SpawnOptions {
	return proto.SpawnOptions{
		Program: "/bin/echo",
		Args:    []string{"hi"},
	}
}

func TestApplyEnv_SetOverridesAndAppends(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/root"}
	got := applyEnv(base, [][2]string{{"PATH", "/opt/bin"}, {"NEW", "1"}}, nil)

	assert.Contains(t, got, "PATH=/opt/bin")
	assert.NotContains(t, got, "PATH=/usr/bin")
	assert.Contains(t, got, "HOME=/root")
	assert.Contains(t, got, "NEW=1")
}

func TestApplyEnv_Unset(t *testing.T) {
	base := []string{"PATH=/usr/bin", "SECRET=x"}
	got := applyEnv(base, nil, []string{"SECRET"})

	assert.Contains(t, got, "PATH=/usr/bin")
	assert.NotContains(t, got, "SECRET=x")
	for _, kv := range got {
		assert.NotContains(t, kv, "SECRET=")
	}
}

func TestApplyEnv_UnsetWinsOverSet(t *testing.T) {
	base := []string{"PATH=/usr/bin"}
	got := applyEnv(base, [][2]string{{"TMP", "1"}}, []string{"TMP"})
	assert.NotContains(t, got, "TMP=1")
}

func TestSpawn_EchoProducesOutputThenExits(t *testing.T) {
	proc, err := Spawn(spawnEcho(), t.TempDir(), []string{"TERM=xterm"}, 24, 80)
	require.NoError(t, err)
	defer proc.Close()

	var out []byte
	for i := 0; i < 200 && len(out) < 3; i++ {
		chunk, _ := proc.Read.Read(4096)
		out = append(out, chunk...)
		if len(chunk) == 0 {
			waitForExit(t, proc)
		}
	}
	assert.Contains(t, string(out), "hi")
}

func waitForExit(t *testing.T, proc *Process) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if r := proc.ReapIfDead(); r.Dead {
			return
		}
	}
}
