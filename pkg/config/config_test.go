package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayTestConfig struct {
	Web struct {
		Port int    `mapstructure:"port" validate:"required,min=1,max=65535"`
		Mode string `mapstructure:"mode" validate:"oneof=debug release test"`
	} `mapstructure:"web"`
	Discord struct {
		BotToken  string        `mapstructure:"bot_token" validate:"required"`
		ChannelID string        `mapstructure:"channel_id"`
		Timeout   time.Duration `mapstructure:"timeout"`
	} `mapstructure:"discord"`
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestManagerLoadFileAndUnmarshal(t *testing.T) {
	path := writeConfigFile(t, `
web:
  port: 3000
  mode: release
discord:
  bot_token: "abc"
  channel_id: "42"
  timeout: 5s
`)

	mgr := NewManager()
	require.NoError(t, mgr.LoadFile(path))

	var cfg relayTestConfig
	require.NoError(t, mgr.Unmarshal(&cfg))
	assert.Equal(t, 3000, cfg.Web.Port)
	assert.Equal(t, "abc", cfg.Discord.BotToken)
	assert.Equal(t, 5*time.Second, cfg.Discord.Timeout)
	assert.True(t, mgr.IsSet("discord.channel_id"))
	assert.Equal(t, "42", mgr.GetString("discord.channel_id"))
}

func TestManagerLoadFileMissing(t *testing.T) {
	mgr := NewManager()
	err := mgr.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestManagerEnvOverridesDefaults(t *testing.T) {
	t.Setenv("THREATRELAY_WEB_PORT", "8081")
	t.Setenv("DISCORD_BOT_TOKEN", "legacy-token")

	mgr := NewManager(WithDefaults(map[string]any{
		"web.port":          3000,
		"web.mode":          "release",
		"discord.bot_token": "",
	}))
	mgr.BindEnv("THREATRELAY")
	require.NoError(t, mgr.BindEnvAlias("discord.bot_token", "THREATRELAY_DISCORD_BOT_TOKEN", "DISCORD_BOT_TOKEN"))

	var cfg relayTestConfig
	require.NoError(t, mgr.Unmarshal(&cfg))
	assert.Equal(t, 8081, cfg.Web.Port)
	assert.Equal(t, "release", cfg.Web.Mode)
	assert.Equal(t, "legacy-token", cfg.Discord.BotToken)
}

func TestManagerUnmarshalKey(t *testing.T) {
	mgr := NewManager()
	mgr.SetDefault("discord.timeout", "10s")
	mgr.SetDefault("discord.channel_id", "7")

	var discord struct {
		ChannelID string        `mapstructure:"channel_id"`
		Timeout   time.Duration `mapstructure:"timeout"`
	}
	require.NoError(t, mgr.UnmarshalKey("discord", &discord))
	assert.Equal(t, "7", discord.ChannelID)
	assert.Equal(t, 10*time.Second, discord.Timeout)
}

func TestManagerWatchRequiresFile(t *testing.T) {
	mgr := NewManager()
	assert.ErrorIs(t, mgr.Watch(func(string) {}), ErrConfigFileNotFound)

	path := writeConfigFile(t, "web:\n  port: 1\n")
	require.NoError(t, mgr.LoadFile(path))
	assert.NoError(t, mgr.Watch(func(string) {}))
}

func TestMergeConfig(t *testing.T) {
	type inner struct {
		Path string
		Size int
	}
	type cfg struct {
		Name    string
		Enabled bool
		Tags    []string
		Labels  map[string]string
		Inner   inner
		Ptr     *inner
	}

	dst := &cfg{
		Name:   "relay",
		Tags:   []string{"a"},
		Labels: map[string]string{"env": "dev"},
		Inner:  inner{Path: "/tmp", Size: 1},
	}
	src := &cfg{
		Enabled: true,
		Tags:    []string{"b", "c"},
		Labels:  map[string]string{"region": "eu"},
		Inner:   inner{Size: 5},
		Ptr:     &inner{Path: "/var"},
	}

	merged, err := MergeConfig(dst, src)
	require.NoError(t, err)
	assert.Same(t, dst, merged)
	assert.Equal(t, "relay", merged.Name)
	assert.True(t, merged.Enabled)
	assert.Equal(t, []string{"b", "c"}, merged.Tags)
	assert.Equal(t, map[string]string{"env": "dev", "region": "eu"}, merged.Labels)
	assert.Equal(t, inner{Path: "/tmp", Size: 5}, merged.Inner)
	require.NotNil(t, merged.Ptr)
	assert.Equal(t, "/var", merged.Ptr.Path)
}

func TestMergeConfigNil(t *testing.T) {
	type cfg struct{ A int }
	a := &cfg{A: 1}

	got, err := MergeConfig(a, nil)
	require.NoError(t, err)
	assert.Same(t, a, got)

	got, err = MergeConfig(nil, a)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = MergeConfig[cfg](nil, nil)
	assert.ErrorIs(t, err, ErrNilConfig)
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	var cfg relayTestConfig
	cfg.Web.Port = 3000
	cfg.Web.Mode = "release"
	cfg.Discord.BotToken = "x"
	assert.NoError(t, v.Validate(&cfg))

	cfg.Discord.BotToken = ""
	cfg.Web.Port = 70000
	err := v.Validate(&cfg)
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "field 'bot_token' is required")
	assert.Contains(t, err.Error(), "field 'port' must be at most 65535")

	assert.ErrorIs(t, v.Validate(nil), ErrNilConfig)
}
