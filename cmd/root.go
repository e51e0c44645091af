package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/thr3a/discord-bot2/rolebot"
)

var (
	cfg        = rolebot.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "rolebot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes log level strings like "INFO" into
// *slog.LevelVar config fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func levelStringToLevelVar(level string) (*slog.LevelVar, error) {
	lvl, err := getLogLevel(level)
	if err != nil {
		return nil, err
	}
	lvlVar := &slog.LevelVar{}
	lvlVar.Set(lvl)
	return lvlVar, nil
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", rolebot.DefaultDatabase)
	viper.SetDefault("database_type", rolebot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		rolebot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		rolebot.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("max_history_length", rolebot.DefaultMaxHistoryLength)

	viper.SetDefault("log_level", rolebot.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", rolebot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", rolebot.DefaultShutdownTimeout)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.base_url", "")
	viper.SetDefault("openai.model", rolebot.DefaultOpenAIModel)
	viper.SetDefault("openai.temperature", rolebot.DefaultOpenAITemperature)
	viper.SetDefault(
		"openai.max_requests_per_second",
		rolebot.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.log_level", rolebot.DefaultOpenAILogLevel.String())

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.allowed_channel_ids", []string{})
	viper.SetDefault("discord.custom_status", rolebot.DefaultDiscordCustomStatus)
	viper.SetDefault(
		"discord.log_level",
		rolebot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		rolebot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		rolebot.DefaultDiscordGatewayIntent,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", rolebot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", rolebot.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", rolebot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		rolebot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", rolebot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", rolebot.DefaultIdleTimeout)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		rolebot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		rolebot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		rolebot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.max_age", rolebot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		rolebot.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(rolebot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = rolebot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"discord.allowed_channel_ids",
		viper.GetStringSlice("discord.allowed_channel_ids"),
	)
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"openai.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"env-file",
		"",
		"Load environment variables from this file",
	)
}
