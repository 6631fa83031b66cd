package kasuki

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// API provides the read-only HTTP surface over the bot: stored member
// colors, and health/status. Presentation features (profile embeds,
// composed guild images) read computed colors from here instead of
// touching the database directly.
type API struct {
	config     *APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	k          *Kasuki
}

func newAPI(k *Kasuki, config *APIConfig) (*API, error) {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	api := &API{
		config: config,
		engine: engine,
		logger: slog.Default().With(loggerNameKey, "api"),
		k:      k,
	}

	engine.Use(gin.Recovery())
	engine.Use(cors.New(config.CORS.GINConfig()))
	if config.Development {
		pprof.Register(engine)
	}

	engine.GET("/healthz", api.getHealth)
	engine.GET("/api/colors", api.getMemberColors)
	engine.GET("/api/colors/:user_id", api.getMemberColor)
	engine.POST("/api/sync", api.postBulkSync)
	engine.POST("/api/sync/:user_id", api.postSyncMember)

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           engine,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
	}

	return api, nil
}

// Serve starts the API server, optionally with TLS, until the given
// context is canceled.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	a.listener = listener

	if a.config.SSL.Cert != "" && a.config.SSL.Key != "" {
		tlsCfg, tlsErr := tlsConfig(
			a.config.SSL.Cert,
			a.config.SSL.Key,
			a.config.SSL.TLSMinVersion,
		)
		if tlsErr != nil {
			return tlsErr
		}
		a.httpServer.TLSConfig = tlsCfg
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			5*time.Second,
		)
		defer cancel()
		if shutdownErr := a.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Warn("error shutting down api server", tint.Err(shutdownErr))
		}
	}()

	a.logger.Info("starting api server", "listen", a.config.Listen)
	if a.httpServer.TLSConfig != nil {
		err = a.httpServer.ServeTLS(listener, "", "")
	} else {
		err = a.httpServer.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

type healthResponse struct {
	Status           string `json:"status"`
	DiscordConnected bool   `json:"discord_connected"`
	StartedAt        string `json:"started_at"`
	MembersSynced    int64  `json:"members_synced"`
	BulkSyncs        int64  `json:"bulk_syncs_completed"`
	Version          string `json:"version"`
}

func (a *API) getHealth(c *gin.Context) {
	c.JSON(
		http.StatusOK, healthResponse{
			Status:           "ok",
			DiscordConnected: a.k.discord.connected.Load(),
			StartedAt:        a.k.startedAt.Format(time.RFC3339),
			MembersSynced:    a.k.membersSynced.Load(),
			BulkSyncs:        a.k.bulkSyncsCompleted.Load(),
			Version:          Version,
		},
	)
}

func (a *API) getMemberColors(c *gin.Context) {
	records, err := a.k.writeDB.ListMemberColors(c.Request.Context())
	if err != nil {
		a.logger.Error("error listing member colors", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error listing member colors"},
		)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (a *API) getMemberColor(c *gin.Context) {
	userID := c.Param("user_id")
	record, err := a.k.writeDB.GetMemberColor(c.Request.Context(), userID)
	if err != nil {
		a.logger.Error(
			"error getting member color",
			"user_id", userID,
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error getting member color"},
		)
		return
	}
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no color for user"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// postBulkSync triggers a bulk pass in the background. Returns 409 if one
// is already running.
func (a *API) postBulkSync(c *gin.Context) {
	if a.k.bulkSyncRunning.Load() {
		c.JSON(
			http.StatusConflict,
			gin.H{"error": ErrSyncInProgress.Error()},
		)
		return
	}
	go func() {
		if err := a.k.RunBulkSync(context.Background()); err != nil {
			a.logger.Warn("triggered bulk sync had errors", tint.Err(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

// postSyncMember runs the single-member pipeline synchronously, so the
// caller learns whether the sync succeeded and can retry.
func (a *API) postSyncMember(c *gin.Context) {
	userID := c.Param("user_id")
	guildID := c.Query("guild_id")
	avatarURL := c.Query("avatar_url")
	if avatarURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "avatar_url is required"})
		return
	}

	if err := a.k.SyncOne(
		c.Request.Context(), guildID, userID, avatarURL,
	); err != nil {
		a.logger.Warn(
			"on-demand sync failed",
			"user_id", userID,
			tint.Err(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}
