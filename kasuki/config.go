//nolint:lll // struct tags can't be split
package kasuki

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "KASUKI_ENV_PREFIX"
	DefaultEnvPrefix   = "KASUKI"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "kasuki.sqlite3"
	DefaultLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultSyncInterval is how often the bulk color sync runs.
	DefaultSyncInterval = time.Hour

	// DefaultMemberPageSize is the guild member page size. Discord caps
	// member pagination at 1000 per request.
	DefaultMemberPageSize = 1000

	// DefaultGuildConcurrency bounds how many guilds are enumerated at
	// once during a bulk pass.
	DefaultGuildConcurrency = 8

	// DefaultMemberFetchTimeout bounds the enumeration of one guild, so
	// an unresponsive guild can't stall the bulk pass.
	DefaultMemberFetchTimeout = 2 * time.Minute

	// DefaultAvatarFetchTimeout bounds a single avatar download.
	DefaultAvatarFetchTimeout = 30 * time.Second

	// DefaultAvatarRequestsPerSecond and DefaultAvatarRequestBurst
	// rate-limit avatar downloads toward the Discord CDN.
	DefaultAvatarRequestsPerSecond = 4
	DefaultAvatarRequestBurst      = 8

	DefaultBlacklistRefreshInterval = 5 * time.Minute

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers

	DefaultDiscordCustomStatus   = "watching the colors drift"
	DefaultDiscordStartupMessage = "I'm here!"

	DefaultAPIListen          = "127.0.0.1:5000"
	DefaultAPITLSMinVersion   = tls.VersionTLS12
	defaultListenNetwork      = "tcp"
	DefaultReadTimeout        = 5 * time.Second
	DefaultReadHeaderTimeout  = 5 * time.Second
	DefaultWriteTimeout       = 10 * time.Second
	DefaultIdleTimeout        = 30 * time.Second
	DefaultAPILogLevel        = slog.LevelInfo
	DefaultDiscordLogLevel    = slog.LevelWarn
	DefaultDiscordgoLogLevel  = slog.LevelWarn
	DefaultDatabaseLogLevel   = slog.LevelInfo
	DefaultCORSAllowCreds     = true
	DefaultCORSMaxAgeDuration = 12 * time.Hour

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodHead,
		http.MethodOptions,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		"Accept-Encoding",
		"Last-Modified",
	}
)

type Config struct {
	// Database connection string
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Sync configures the avatar color pipeline
	Sync *SyncConfig `yaml:"sync" mapstructure:"sync" json:"sync"`

	// Blacklist configures the exclusion list refresh
	Blacklist *BlacklistConfig `yaml:"blacklist" mapstructure:"blacklist" json:"blacklist"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the read-only status/color API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// SyncConfig configures the member avatar color pipeline.
type SyncConfig struct {
	// Interval between bulk passes over all guild members
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval" binding:"min=1m"`

	// MemberPageSize is the guild member page size (Discord max: 1000)
	MemberPageSize int `yaml:"member_page_size" mapstructure:"member_page_size" json:"member_page_size" binding:"min=1,max=1000"`

	// GuildConcurrency bounds concurrent guild enumerations
	GuildConcurrency int `yaml:"guild_concurrency" mapstructure:"guild_concurrency" json:"guild_concurrency" binding:"min=1"`

	// MemberFetchTimeout bounds the full enumeration of one guild
	MemberFetchTimeout time.Duration `yaml:"member_fetch_timeout" mapstructure:"member_fetch_timeout" json:"member_fetch_timeout" binding:"min=1s"`

	// AvatarFetchTimeout bounds a single avatar download
	AvatarFetchTimeout time.Duration `yaml:"avatar_fetch_timeout" mapstructure:"avatar_fetch_timeout" json:"avatar_fetch_timeout" binding:"min=1s"`

	// AvatarRequestsPerSecond rate-limits avatar downloads toward the CDN
	AvatarRequestsPerSecond float64 `yaml:"avatar_requests_per_second" mapstructure:"avatar_requests_per_second" json:"avatar_requests_per_second" binding:"min=0"`

	// AvatarRequestBurst is the rate limiter burst size
	AvatarRequestBurst int `yaml:"avatar_request_burst" mapstructure:"avatar_request_burst" json:"avatar_request_burst" binding:"min=1"`
}

// BlacklistConfig configures the exclusion list refresh.
type BlacklistConfig struct {
	// RefreshInterval between wholesale snapshot replacements
	RefreshInterval time.Duration `yaml:"refresh_interval" mapstructure:"refresh_interval" json:"refresh_interval" binding:"min=1s"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// If NotificationChannelID is set, the bot will send StartupMessage
	// to that channel whenever it connects to the discord gateway.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is set as the bot's status on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. Guild and guild member intents are
	// required for member enumeration and membership events.
	// See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// APIConfig configures the read-only status/color API server.
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"hostname_port|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// If true, pprof endpoints are registered on the API server
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAgeDuration,
		AllowCredentials: DefaultCORSAllowCreds,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Sync: &SyncConfig{
			Interval:                DefaultSyncInterval,
			MemberPageSize:          DefaultMemberPageSize,
			GuildConcurrency:        DefaultGuildConcurrency,
			MemberFetchTimeout:      DefaultMemberFetchTimeout,
			AvatarFetchTimeout:      DefaultAvatarFetchTimeout,
			AvatarRequestsPerSecond: DefaultAvatarRequestsPerSecond,
			AvatarRequestBurst:      DefaultAvatarRequestBurst,
		},
		Blacklist: &BlacklistConfig{
			RefreshInterval: DefaultBlacklistRefreshInterval,
		},
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		API: &APIConfig{
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
