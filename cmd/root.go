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

	"github.com/ValgulNecron/kasuki-sub002/kasuki"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = kasuki.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "kasuki [flags]",
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
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
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

	viper.SetDefault("database", kasuki.DefaultDatabase)
	viper.SetDefault("database_type", kasuki.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		kasuki.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		kasuki.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", kasuki.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", kasuki.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", kasuki.DefaultShutdownTimeout)

	// Sync config
	viper.SetDefault("sync.interval", kasuki.DefaultSyncInterval)
	viper.SetDefault("sync.member_page_size", kasuki.DefaultMemberPageSize)
	viper.SetDefault("sync.guild_concurrency", kasuki.DefaultGuildConcurrency)
	viper.SetDefault(
		"sync.member_fetch_timeout",
		kasuki.DefaultMemberFetchTimeout,
	)
	viper.SetDefault(
		"sync.avatar_fetch_timeout",
		kasuki.DefaultAvatarFetchTimeout,
	)
	viper.SetDefault(
		"sync.avatar_requests_per_second",
		kasuki.DefaultAvatarRequestsPerSecond,
	)
	viper.SetDefault(
		"sync.avatar_request_burst",
		kasuki.DefaultAvatarRequestBurst,
	)

	// Blacklist config
	viper.SetDefault(
		"blacklist.refresh_interval",
		kasuki.DefaultBlacklistRefreshInterval,
	)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault(
		"discord.log_level",
		kasuki.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		kasuki.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		kasuki.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.startup_message",
		kasuki.DefaultDiscordStartupMessage,
	)
	viper.SetDefault("discord.custom_status", kasuki.DefaultDiscordCustomStatus)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", kasuki.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", kasuki.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", kasuki.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		kasuki.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", kasuki.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", kasuki.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		kasuki.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		kasuki.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		kasuki.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", kasuki.DefaultCORSMaxAgeDuration)
	viper.SetDefault(
		"api.cors.allow_credentials",
		kasuki.DefaultCORSAllowCreds,
	)

	envPrefix := os.Getenv(kasuki.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = kasuki.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
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

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
