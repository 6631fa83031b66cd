package kasuki

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Discord represents the Discord integration for Kasuki.
//
// It manages the gateway session and the membership event handlers that
// feed the on-demand sync path, and exposes the guild/member read surface
// the bulk pipeline consumes.
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	k                           *Kasuki
}

// DiscordSessionHandler is the subset of the discordgo session surface
// the bot uses. [DiscordSession] implements it for 'real' sessions; tests
// substitute fixtures.
type DiscordSessionHandler interface {
	Open() error
	Close() error

	// ListGuilds returns the IDs of the guilds the bot currently
	// serves, from the gateway state cache.
	ListGuilds() []string

	// GuildMembers requests one page of up to limit members for the
	// given guild, starting after the given user ID ("" for the first
	// page).
	GuildMembers(
		guildID string,
		after string,
		limit int,
		options ...discordgo.RequestOption,
	) ([]*discordgo.Member, error)

	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	UpdateCustomStatus(state string) error
	AddHandler(handler any) func()
	SetLogLevel(level slog.Level) error
}

// DiscordSession wraps a discordgo.Session, implementing
// [DiscordSessionHandler].
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (s DiscordSession) Open() error {
	return s.session.Open()
}

func (s DiscordSession) Close() error {
	return s.session.Close()
}

func (s DiscordSession) ListGuilds() []string {
	state := s.session.State
	if state == nil {
		return nil
	}
	state.RLock()
	defer state.RUnlock()
	guildIDs := make([]string, 0, len(state.Guilds))
	for _, g := range state.Guilds {
		guildIDs = append(guildIDs, g.ID)
	}
	return guildIDs
}

func (s DiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	options ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	return s.session.GuildMembers(guildID, after, limit, options...)
}

func (s DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return s.session.ChannelMessageSend(channelID, content, options...)
}

func (s DiscordSession) UpdateCustomStatus(state string) error {
	return s.session.UpdateCustomStatus(state)
}

func (s DiscordSession) AddHandler(handler any) func() {
	return s.session.AddHandler(handler)
}

func (s DiscordSession) SetLogLevel(level slog.Level) error {
	switch level {
	case slog.LevelDebug:
		s.session.LogLevel = discordgo.LogDebug
	case slog.LevelInfo:
		s.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		s.session.LogLevel = discordgo.LogWarning
	case slog.LevelError:
		s.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("unknown log level: %s", level)
	}
	return nil
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("discord token not set")
	}
	return &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}, nil
}

// newSession initializes a new gateway session for the Discord struct.
// Gateway state tracking stays enabled: the state's guild cache is the
// membership cache the bulk pipeline reads its guild list from.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{
		logger: d.logger.With(loggerNameKey, "discord_session_handler"),
	}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.Identify.Intents = d.config.GatewayIntents
	disc.StateEnabled = true
	session.session = disc
	if d.config.httpClient != nil {
		disc.Client = d.config.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}

	return session, nil
}

// registerHandlers adds the gateway event handlers and records their
// removal funcs for shutdown.
func (d *Discord) registerHandlers(ctx context.Context) {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerReady(ctx)),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerGuildCreate(ctx)),
		d.session.AddHandler(d.handlerGuildMemberAdd(ctx)),
		d.session.AddHandler(d.handlerGuildMemberUpdate(ctx)),
		d.session.AddHandler(d.handlerUserUpdate(ctx)),
	)
}

// handlerReady logs the session identity and kicks off an initial bulk
// pass. Ready fires once the state's guild list is populated, which is
// the earliest point a full pass can see every guild. On reconnects the
// overlap guard and the change-detection gate make the extra pass cheap.
func (d *Discord) handlerReady(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
		go func() {
			if err := d.k.RunBulkSync(ctx); err != nil {
				d.logger.WarnContext(
					ctx,
					"initial bulk sync had errors",
					tint.Err(err),
				)
			}
		}()
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if d.config.CustomStatus != "" {
			if err := d.session.UpdateCustomStatus(d.config.CustomStatus); err != nil {
				d.logger.Warn("unable to set custom status", tint.Err(err))
			}
		}

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		d.metricDisconnects.Add(1)
		d.connected.Store(false)
		d.logger.Warn("Disconnected from discord gateway")
	}
}

func (d *Discord) handlerGuildCreate(ctx context.Context) func(
	s *discordgo.Session,
	g *discordgo.GuildCreate,
) {
	return func(_ *discordgo.Session, g *discordgo.GuildCreate) {
		d.logger.InfoContext(
			ctx,
			"guild available",
			"guild_id", g.ID,
			slog.Int("member_count", g.MemberCount),
		)
	}
}

// handlerGuildMemberAdd syncs the color of a member as soon as they join
// a guild, so presentation features have a record before the next bulk
// pass.
func (d *Discord) handlerGuildMemberAdd(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.GuildMemberAdd,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		if m.Member == nil || m.Member.User == nil {
			return
		}
		member := Member{
			GuildID:   m.GuildID,
			UserID:    m.Member.User.ID,
			AvatarURL: memberAvatarURL(m.GuildID, m.Member),
		}
		go func() {
			if err := d.k.syncMember(ctx, member); err != nil {
				d.logger.WarnContext(
					ctx,
					"member join sync failed",
					slog.Group("member", memberLogAttrs(member)...),
					tint.Err(err),
				)
			}
		}()
	}
}

// handlerUserUpdate re-syncs a user when their global profile changes.
// Global avatar changes arrive as user updates rather than guild member
// updates. The guild ID is unknown here and unused by the pipeline.
func (d *Discord) handlerUserUpdate(ctx context.Context) func(
	s *discordgo.Session,
	u *discordgo.UserUpdate,
) {
	return func(_ *discordgo.Session, u *discordgo.UserUpdate) {
		if u.User == nil || u.User.Avatar == "" {
			return
		}
		member := Member{
			UserID:    u.User.ID,
			AvatarURL: u.User.AvatarURL("1024"),
		}
		go func() {
			if err := d.k.syncMember(ctx, member); err != nil {
				d.logger.WarnContext(
					ctx,
					"user update sync failed",
					slog.Group("member", memberLogAttrs(member)...),
					tint.Err(err),
				)
			}
		}()
	}
}

// handlerGuildMemberUpdate re-syncs a member when their profile changes
// (avatar updates arrive as member updates). The change-detection gate
// turns no-op updates into reuses, so reacting to every update is cheap.
func (d *Discord) handlerGuildMemberUpdate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.GuildMemberUpdate,
) {
	return func(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
		if m.Member == nil || m.Member.User == nil {
			return
		}
		member := Member{
			GuildID:   m.GuildID,
			UserID:    m.Member.User.ID,
			AvatarURL: memberAvatarURL(m.GuildID, m.Member),
		}
		go func() {
			if err := d.k.syncMember(ctx, member); err != nil {
				d.logger.WarnContext(
					ctx,
					"member update sync failed",
					slog.Group("member", memberLogAttrs(member)...),
					tint.Err(err),
				)
			}
		}()
	}
}
