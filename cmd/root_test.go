package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thr3a/discord-bot2/rolebot"
)

func assertLogLevel(t testing.TB, expected slog.Level, actual any) {
	t.Helper()
	switch v := actual.(type) {
	case *slog.LevelVar:
		assert.Equal(t, expected, v.Level())
	case string:
		lvl, err := getLogLevel(v)
		require.NoError(t, err)
		assert.Equal(t, expected, lvl)
	default:
		t.Errorf("unexpected log level type %T (%v)", actual, actual)
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				os.Setenv(parts[0], parts[1])
			}
		},
	)
	os.Clearenv()

	tmpdir := t.TempDir()
	envFile := filepath.Join(tmpdir, "test.env")

	envContent := `
# General/database config

RB_DATABASE=/home/foo/rolebot.sqlite3
RB_DATABASE_TYPE=sqlite
RB_DATABASE_LOG_LEVEL=INFO
RB_DATABASE_SLOW_THRESHOLD=200ms
RB_LOG_LEVEL=INFO
RB_MAX_HISTORY_LENGTH=30
RB_STARTUP_TIMEOUT=30s
RB_SHUTDOWN_TIMEOUT=60s

# OpenAI config

RB_OPENAI_TOKEN=your-openai-token
RB_OPENAI_MODEL=gpt-4o
RB_OPENAI_TEMPERATURE=0.5
RB_OPENAI_MAX_REQUESTS_PER_SECOND=2
RB_OPENAI_LOG_LEVEL=INFO

# Discord bot config

RB_DISCORD_TOKEN=your-discord-bot-token
RB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
RB_DISCORD_GUILD_ID=
RB_DISCORD_ALLOWED_CHANNEL_IDS=channel-1 channel-2
RB_DISCORD_CUSTOM_STATUS=roleplaying
RB_DISCORD_LOG_LEVEL=WARN
RB_DISCORD_DISCORDGO_LOG_LEVEL=WARN

# API server

RB_API_ENABLED=true
RB_API_LISTEN=127.0.0.1:5000
RB_API_LOG_LEVEL=DEBUG
RB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
RB_API_CORS_ALLOW_CREDENTIALS=true
RB_API_CORS_MAX_AGE=12h
RB_API_READ_TIMEOUT=5s
RB_API_READ_HEADER_TIMEOUT=5s
RB_API_WRITE_TIMEOUT=10s
RB_API_IDLE_TIMEOUT=30s
`

	require.NoError(t, os.WriteFile(envFile, []byte(envContent), 0644))

	rootCmd.SetArgs([]string{fmt.Sprintf("--env-file=%s", envFile), "version"})
	require.NoError(t, rootCmd.Execute())

	assert.Equal(t, "/home/foo/rolebot.sqlite3", cfg.Database)
	assert.Equal(t, "/home/foo/rolebot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "sqlite", viper.GetString("database_type"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("database_log_level"))
	assert.Equal(
		t, 200*time.Millisecond, viper.GetDuration("database_slow_threshold"),
	)
	assertLogLevel(t, slog.LevelInfo, viper.Get("log_level"))
	assert.Equal(t, 30, viper.GetInt("max_history_length"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("startup_timeout"))
	assert.Equal(t, 60*time.Second, viper.GetDuration("shutdown_timeout"))

	assert.Equal(t, "your-openai-token", viper.GetString("openai.token"))
	assert.Equal(t, "gpt-4o", viper.GetString("openai.model"))
	assertLogLevel(t, slog.LevelInfo, viper.Get("openai.log_level"))

	assert.Equal(t, "your-discord-bot-token", viper.GetString("discord.token"))
	assert.Equal(
		t, "your-discord-bot-app-id", viper.GetString("discord.application_id"),
	)
	assert.Equal(t, "", viper.GetString("discord.guild_id"))
	assert.Equal(
		t,
		[]string{"channel-1", "channel-2"},
		viper.GetStringSlice("discord.allowed_channel_ids"),
	)
	assert.Equal(t, "roleplaying", viper.GetString("discord.custom_status"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.log_level"))
	assertLogLevel(t, slog.LevelWarn, viper.Get("discord.discordgo_log_level"))

	assert.True(t, viper.GetBool("api.enabled"))
	assert.Equal(t, "127.0.0.1:5000", viper.GetString("api.listen"))
	assertLogLevel(t, slog.LevelDebug, viper.Get("api.log_level"))
	assert.Equal(t, slog.LevelDebug, cfg.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	assert.True(t, viper.GetBool("api.cors.allow_credentials"))
	assert.Equal(t, 12*time.Hour, viper.GetDuration("api.cors.max_age"))
	assert.Equal(t, 5*time.Second, viper.GetDuration("api.read_timeout"))
	assert.Equal(t, 10*time.Second, viper.GetDuration("api.write_timeout"))
	assert.Equal(t, 30*time.Second, viper.GetDuration("api.idle_timeout"))

	var config rolebot.Config
	err := viper.Unmarshal(
		&config, viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				LevelToStringHookFunc(),
			),
		),
	)
	require.NoError(t, err)

	assert.Equal(t, "/home/foo/rolebot.sqlite3", config.Database)
	assert.Equal(t, "sqlite", config.DatabaseType)
	assert.Equal(t, slog.LevelInfo, config.DatabaseLogLevel.Level())
	assert.Equal(t, 200*time.Millisecond, config.DatabaseSlowThreshold)
	assert.Equal(t, slog.LevelInfo, config.LogLevel.Level())
	assert.Equal(t, 30, config.MaxHistoryLength)
	assert.Equal(t, 30*time.Second, config.StartupTimeout)
	assert.Equal(t, 60*time.Second, config.ShutdownTimeout)

	assert.Equal(t, "your-openai-token", config.OpenAI.Token)
	assert.Equal(t, "gpt-4o", config.OpenAI.Model)
	assert.Equal(t, float32(0.5), config.OpenAI.Temperature)
	assert.Equal(t, 2, config.OpenAI.MaxRequestsPerSecond)
	assert.Equal(t, slog.LevelInfo, config.OpenAI.LogLevel.Level())

	assert.Equal(t, "your-discord-bot-token", config.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", config.Discord.ApplicationID)
	assert.Equal(t, "", config.Discord.GuildID)
	assert.Equal(
		t, []string{"channel-1", "channel-2"}, config.Discord.AllowedChannelIDs,
	)
	assert.Equal(t, "roleplaying", config.Discord.CustomStatus)
	assert.Equal(t, slog.LevelWarn, config.Discord.LogLevel.Level())
	assert.Equal(t, slog.LevelWarn, config.Discord.DiscordGoLogLevel.Level())

	assert.True(t, config.API.Enabled)
	assert.Equal(t, "127.0.0.1:5000", config.API.Listen)
	assert.Equal(t, slog.LevelDebug, config.API.LogLevel.Level())
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		config.API.CORS.AllowOrigins,
	)
	assert.True(t, config.API.CORS.AllowCredentials)
	assert.Equal(t, 12*time.Hour, config.API.CORS.MaxAge)
	assert.Equal(t, 5*time.Second, config.API.ReadTimeout)
	assert.Equal(t, 10*time.Second, config.API.WriteTimeout)
	assert.Equal(t, 30*time.Second, config.API.IdleTimeout)
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"DEBUG", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"ERROR", slog.LevelError, false},
		{"TRACE", slog.LevelInfo, true},
		{"info", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.input, func(t *testing.T) {
				got, err := getLogLevel(tt.input)
				if tt.wantErr {
					assert.Error(t, err)
				} else {
					assert.NoError(t, err)
				}
				assert.Equal(t, tt.want, got)
			},
		)
	}
}

func TestLevelStringToLevelVar(t *testing.T) {
	lvlVar, err := levelStringToLevelVar("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvlVar.Level())

	_, err = levelStringToLevelVar("bogus")
	require.Error(t, err)
}
