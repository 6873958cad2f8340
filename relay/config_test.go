package relay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadConfig(t *testing.T) {
	configYaml := `
listen_addr: ":9090"
store_path: "/var/lib/relay"
history_replay_count: 25
liveness_tick_timeout: 45s
responder:
  enabled: true
  display_name: "helper"
  model: "gpt-4o"
`
	path := filepath.Join(t.TempDir(), "relay.yml")
	assert.Equal(t, os.WriteFile(path, []byte(configYaml), 0644), nil)

	config, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.ListenAddr, ":9090")
	assert.Equal(t, config.StorePath, "/var/lib/relay")
	assert.Equal(t, config.HistoryReplayCount, 25)
	assert.Equal(t, config.LivenessTickTimeout.Or(time.Minute), 45*time.Second)
	assert.Equal(t, config.Responder.Enabled, true)
	assert.Equal(t, config.Responder.DisplayName, "helper")
	assert.Equal(t, config.Responder.Model, "gpt-4o")
	// unset values keep defaults
	assert.Equal(t, config.JwtSecretEnv, "RELAY_JWT_SECRET")
	assert.Equal(t, config.Responder.ApiKeyEnv, "OPENAI_API_KEY")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.NotEqual(t, err, nil)
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yml")
	assert.Equal(t, os.WriteFile(path, []byte("liveness_tick_timeout: soon\n"), 0644), nil)

	_, err := LoadConfig(path)
	assert.NotEqual(t, err, nil)
}

func TestDurationOr(t *testing.T) {
	var zero Duration
	assert.Equal(t, zero.Or(30*time.Second), 30*time.Second)
	assert.Equal(t, Duration(time.Second).Or(30*time.Second), time.Second)
}
