package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses yaml values like "30s" or "1m".
type Duration time.Duration

func (self *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", raw, err)
	}
	*self = Duration(parsed)
	return nil
}

func (self Duration) Or(fallback time.Duration) time.Duration {
	if self == 0 {
		return fallback
	}
	return time.Duration(self)
}

type ResponderConfig struct {
	Enabled     bool   `yaml:"enabled"`
	DisplayName string `yaml:"display_name"`
	Model       string `yaml:"model"`
	BaseUrl     string `yaml:"base_url"`
	// name of the environment variable holding the api key. The key itself
	// never lives in the config file.
	ApiKeyEnv string `yaml:"api_key_env"`
}

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	// empty means the in-memory store
	StorePath string `yaml:"store_path"`
	// name of the environment variable holding the jwt signing secret
	JwtSecretEnv string `yaml:"jwt_secret_env"`

	HistoryReplayCount  int      `yaml:"history_replay_count"`
	LivenessTickTimeout Duration `yaml:"liveness_tick_timeout"`

	Responder ResponderConfig `yaml:"responder"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8080",
		JwtSecretEnv: "RELAY_JWT_SECRET",
		Responder: ResponderConfig{
			DisplayName: "assistant",
			ApiKeyEnv:   "OPENAI_API_KEY",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	configYaml, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(configYaml, config); err != nil {
		return nil, fmt.Errorf("bad config %s: %w", path, err)
	}
	return config, nil
}
