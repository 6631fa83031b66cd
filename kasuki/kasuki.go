package kasuki

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/ValgulNecron/kasuki-sub002/kasuki.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Kasuki represents the main application struct for the bot. It
// encapsulates the configuration, database, Discord integration, the
// exclusion list, and the avatar color pipeline state.
type Kasuki struct {
	config *Config

	// Pointer to the GORM connection
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. When using
	// sqlite, a mutex serializes writes.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Read-only status/color API
	api *API

	// Client used for avatar downloads
	httpClient *http.Client

	// blacklist is the active exclusion snapshot, swapped wholesale on
	// each refresh
	blacklist *Blacklist

	// blacklistSource provides the full exclusion list on each refresh.
	// Defaults to the blacklisted_users table; injectable for tests.
	blacklistSource BlacklistSource

	// avatarLimiter rate-limits avatar downloads toward the CDN
	avatarLimiter *rate.Limiter

	// syncLocks serializes racing syncs of the same user between the
	// bulk and on-demand paths
	syncLocks *keyedMutex

	// bulkSyncRunning guards against overlapping bulk passes
	bulkSyncRunning atomic.Bool

	// signalStop enables an explicit stop signal to be sent to the bot
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished
	// initializing: database opened and migrated, blacklist loaded,
	// API started, discord session opened, watchers running
	signalReady chan struct{}

	// A signal is sent on this channel when shutdown finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// The time Run was called
	startedAt time.Time

	membersSynced      atomic.Int64
	bulkSyncsCompleted atomic.Int64
}

func (k *Kasuki) getLogger(ctx context.Context) (
	context.Context,
	*slog.Logger,
) {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = k.logger
		if logger == nil {
			logger = slog.Default()
		}
		ctx = WithLogger(ctx, logger)
	}
	return ctx, logger
}

// New creates and initializes a new Kasuki instance from the given
// configuration: validates the config, sets up logging, the HTTP client
// used for avatar downloads, the rate limiter, the Discord integration
// and the API server. Database connections are opened by [Kasuki.Run].
func New(config *Config) (*Kasuki, error) {
	var errs []error

	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.SetTagName("binding")
	if err := validate.Struct(config); err != nil {
		errs = append(errs, err)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	k := &Kasuki{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		signalStop:    make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
		httpClient:    config.HTTPClient,
		blacklist:     NewBlacklist(),
		syncLocks:     newKeyedMutex(),
	}

	k.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	k.logger = slog.New(k.logHandler)
	slog.SetDefault(k.logger)

	limit := rate.Limit(config.Sync.AvatarRequestsPerSecond)
	if limit <= 0 {
		limit = rate.Inf
	}
	k.avatarLimiter = rate.NewLimiter(limit, config.Sync.AvatarRequestBurst)

	discord, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	} else {
		discord.k = k
		discord.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "discord")
		k.discord = discord
	}

	api, err := newAPI(k, config.API)
	if err != nil {
		errs = append(errs, err)
	} else {
		api.logger = slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.API.LogLevel,
					AddSource: true,
				},
			),
		).With(loggerNameKey, "api")
		k.api = api
	}

	return k, errors.Join(errs...)
}

// Run starts the bot and blocks until the given context is canceled, a
// stop signal is received, or startup fails.
//
// Startup order: open and migrate the database, load the initial
// blacklist snapshot, open the discord gateway session, start the
// blacklist and color sync watchers, start the API server. A value is
// sent on signalReady once all of this is done.
func (k *Kasuki) Run(ctx context.Context) error {
	k.runMu.Lock()
	defer k.runMu.Unlock()

	k.startedAt = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = WithLogger(ctx, k.logger)

	startupCtx, startupCancel := context.WithTimeout(
		ctx,
		k.config.StartupTimeout,
	)
	defer startupCancel()

	db, err := CreateDB(startupCtx, k.config.DatabaseType, k.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	k.db = db
	k.writeDB = NewDatabase(
		db,
		k.logger,
		k.config.DatabaseType == dbTypePostgres,
	)

	if k.blacklistSource == nil {
		k.blacklistSource = gormBlacklistSource{db: db}
	}
	if err = k.refreshBlacklist(startupCtx); err != nil {
		// Not fatal - the watcher retries, and an empty snapshot just
		// means no members are excluded until the first refresh lands.
		k.logger.WarnContext(
			startupCtx,
			"unable to load initial blacklist",
			tint.Err(err),
		)
	}

	session, err := k.discord.newSession()
	if err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	k.discord.session = session
	discordgo.Logger = discordgoLoggerFunc(ctx, k.logHandler)
	k.discord.registerHandlers(ctx)

	if err = k.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		k.watchBlacklist(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		k.watchMemberColors(ctx)
	}()

	apiErrCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		apiErrCh <- k.api.Serve(ctx)
	}()

	k.logger.InfoContext(ctx, "started", "config", k.config)
	select {
	case k.signalReady <- struct{}{}:
	default:
	}

	var runErr error
	select {
	case <-ctx.Done():
		k.logger.InfoContext(ctx, "context canceled, shutting down")
	case <-k.signalStop:
		k.logger.InfoContext(ctx, "got stop signal, shutting down")
	case runErr = <-apiErrCh:
		if runErr != nil {
			k.logger.ErrorContext(ctx, "api server failed", tint.Err(runErr))
		}
	}

	cancel()
	k.shutdown(wg)
	return runErr
}

// Stop signals a running bot to shut down.
func (k *Kasuki) Stop() {
	select {
	case k.signalStop <- struct{}{}:
	default:
	}
}

// shutdown closes the discord session and waits for background
// goroutines, bounded by [Config.ShutdownTimeout].
func (k *Kasuki) shutdown(wg *sync.WaitGroup) {
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		k.config.ShutdownTimeout,
	)
	defer cancel()

	for _, removeHandler := range k.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if k.discord.session != nil {
		if err := k.discord.session.Close(); err != nil {
			k.logger.Warn("error closing discord session", tint.Err(err))
		}
	}

	done := make(chan struct{}, 1)
	go func() {
		wg.Wait()
		done <- struct{}{}
	}()

	select {
	case <-done:
		k.logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		k.logger.Warn("shutdown timed out waiting on goroutines")
	}

	select {
	case k.eventShutdown <- struct{}{}:
	default:
	}
}
