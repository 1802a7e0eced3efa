package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9191
  read_timeout: 30s
log:
  format: json
  level: debug
auth:
  keys:
    - name: team-a
      secret: sk-team-a
providers:
  - name: openai
    dialects: [chat]
    endpoints:
      chat: https://api.openai.example/v1
    auth:
      type: bearer
      secret: ${TEST_OPENAI_KEY}
    models:
      - name: gpt-test
        input_cost_per_1m: 2.5
        output_cost_per_1m: 10
  - name: anthropic
    dialects: [messages]
    endpoints:
      messages: https://api.anthropic.example/v1
    auth:
      type: x-api-key
      secret: sk-ant
    discount: 0.5
    models:
      - name: claude-test
        input_cost_per_1m: 3
        output_cost_per_1m: 15
aliases:
  - id: default
    aliases: [fast]
    strategy: in_order
    targets:
      - provider: openai
        model: gpt-test
      - provider: anthropic
        model: claude-test
cooldown:
  defaults:
    rate_limit: 90s
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-live-123")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "json", cfg.Log.Format)

	require.Len(t, cfg.Providers, 2)
	p, ok := cfg.Provider("openai")
	require.True(t, ok)
	// ${VAR} secrets expand from the environment.
	assert.Equal(t, "sk-live-123", p.Auth.Secret)
	assert.Equal(t, "https://api.openai.example/v1", p.Endpoints["chat"])
	assert.True(t, p.SupportsDialect("chat"))
	assert.False(t, p.SupportsDialect("messages"))

	require.Len(t, cfg.Aliases, 1)
	assert.Equal(t, "in_order", cfg.Aliases[0].Strategy)
	require.Len(t, cfg.Aliases[0].Targets, 2)

	assert.Equal(t, 90*time.Second, cfg.Cooldown.Defaults["rate_limit"])
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "providers: []\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultMetricsWindow, cfg.Metrics.Window)
	assert.Equal(t, DefaultWatchdogTimeout, cfg.Stream.WatchdogTimeout)
	assert.Equal(t, DefaultMinCooldown, cfg.Cooldown.MinDuration)
	assert.Equal(t, DefaultMaxCooldown, cfg.Cooldown.MaxDuration)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "x")
	t.Setenv("LLMGATEWAY_SERVER_PORT", "7070")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"empty provider name": `
providers:
  - name: ""
`,
		"duplicate provider": `
providers:
  - name: a
  - name: a
`,
		"empty alias id": `
aliases:
  - id: ""
`,
		"unknown target provider": `
providers:
  - name: a
aliases:
  - id: x
    targets:
      - provider: missing
        model: m
`,
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, yaml))
			assert.Error(t, err)
		})
	}
}

func TestModelCost(t *testing.T) {
	p := ProviderConfig{
		Models: []ModelConfig{{Name: "m", InputCostPer1M: 3, OutputCostPer1M: 15}},
	}
	assert.Equal(t, 18.0, p.ModelCost("m"))
	assert.Equal(t, 0.0, p.ModelCost("absent"))

	p.Discount = 0.5
	assert.Equal(t, 9.0, p.ModelCost("m"))
}

func TestRequestCost(t *testing.T) {
	p := ProviderConfig{
		Models: []ModelConfig{{Name: "m", InputCostPer1M: 2, OutputCostPer1M: 10}},
	}
	// 1M input + 500k output.
	assert.InDelta(t, 7.0, p.RequestCost("m", 1_000_000, 500_000), 1e-9)
	assert.Equal(t, 0.0, p.RequestCost("absent", 100, 100))
}

func TestActiveFlags(t *testing.T) {
	off := false
	assert.True(t, ProviderConfig{}.Active())
	assert.False(t, ProviderConfig{Enabled: &off}.Active())
	assert.True(t, TargetConfig{}.Active())
	assert.False(t, TargetConfig{Enabled: &off}.Active())
	assert.False(t, APIKey{Name: "k"}.Active())
	assert.True(t, APIKey{Name: "k", Secret: "s"}.Active())
	assert.False(t, APIKey{Name: "k", Secret: "s", Enabled: &off}.Active())
}

func TestHasBehavior(t *testing.T) {
	a := AliasConfig{Behaviors: []string{"strip_adaptive_thinking"}}
	assert.True(t, a.HasBehavior("strip_adaptive_thinking"))
	assert.False(t, a.HasBehavior("other"))
}

func TestManagerReload(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "x")
	path := writeConfig(t, sampleYAML)
	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 9191, m.Current().Server.Port)

	var observed int
	m.OnChange(func(cfg *Config) { observed = cfg.Server.Port })

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9292\n"), 0o644))
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, 9292, cfg.Server.Port)
	assert.Equal(t, 9292, m.Current().Server.Port)
	assert.Equal(t, 9292, observed)
}

func TestManagerReloadKeepsSnapshotOnError(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "x")
	path := writeConfig(t, sampleYAML)
	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("providers:\n  - name: a\n  - name: a\n"), 0o644))
	_, err = m.Reload()
	require.Error(t, err)
	assert.Equal(t, 9191, m.Current().Server.Port)
}

func TestManagerSave(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "x")
	path := writeConfig(t, sampleYAML)
	m, err := NewManager(path, slog.Default())
	require.NoError(t, err)

	next := m.Current()
	next.Server.Port = 6060
	require.NoError(t, m.Save(next))

	// The saved file round-trips through Load.
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6060, reloaded.Server.Port)
	assert.Equal(t, 6060, m.Current().Server.Port)
}
