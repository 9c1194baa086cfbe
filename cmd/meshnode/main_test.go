package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-mesh/pkg/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "version: dev")
}

func TestKeygen(t *testing.T) {
	key := filepath.Join(t.TempDir(), "keys", "node.pem")

	out, err := run(t, "keygen", "--key", key, "--json")
	require.NoError(t, err)
	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, true, first["created"])
	assert.Len(t, first["peer_id"], 16)

	info, err := os.Stat(key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	out, err = run(t, "keygen", "--key", key, "--json")
	require.NoError(t, err)
	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.Equal(t, false, second["created"])
	assert.Equal(t, first["peer_id"], second["peer_id"])

	out, err = run(t, "keygen", "--key", key, "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "created: true")
	assert.NotContains(t, out, first["peer_id"].(string))
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mesh:\n  nickname: printed\n"), 0600))

	out, err := run(t, "config", "--config", path, "--log-level", "debug")
	require.NoError(t, err)
	assert.Contains(t, out, "nickname: printed")
	assert.Contains(t, out, "level: debug")

	_, err = run(t, "config", "--log-level", "chatty")
	assert.Error(t, err)
}

func TestServeFlagsApply(t *testing.T) {
	cmd := newServeCmd()
	require.NoError(t, cmd.ParseFlags([]string{
		"--listen", "/ip4/127.0.0.1/tcp/5001",
		"--mtu", "185",
		"--nickname", "flagged",
		"--no-api",
	}))

	cfg := config.Default()
	var flags serveFlags
	flags.listenAddrs, _ = cmd.Flags().GetStringSlice("listen")
	flags.mtu, _ = cmd.Flags().GetInt("mtu")
	flags.nickname, _ = cmd.Flags().GetString("nickname")
	flags.noAPI, _ = cmd.Flags().GetBool("no-api")
	flags.apply(cmd, &cfg)

	assert.Equal(t, []string{"/ip4/127.0.0.1/tcp/5001"}, cfg.Transport.ListenAddrs)
	assert.Equal(t, 185, cfg.Transport.MTU)
	assert.Equal(t, "flagged", cfg.Mesh.Nickname)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, config.Default().Transport.Bootstrap, cfg.Transport.Bootstrap, "unchanged flags keep the config value")
	assert.True(t, strings.HasPrefix(cfg.API.Listen, "127.0.0.1"))
}
