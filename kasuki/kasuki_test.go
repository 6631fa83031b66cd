package kasuki

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// newTestKasuki returns a Kasuki wired for tests: a fresh sqlite database
// in a temp dir, the given (usually mock) discord session, no avatar rate
// limiting, and error-level logging.
func newTestKasuki(t testing.TB, session DiscordSessionHandler) *Kasuki {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "kasuki_test.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"

	ctx := context.Background()
	db, err := CreateDB(ctx, dbTypeSQLite, cfg.Database)
	require.NoError(t, err)

	logger := slog.New(
		tint.NewHandler(
			os.Stdout,
			&tint.Options{Level: slog.LevelError},
		),
	)

	k := &Kasuki{
		config:        cfg,
		db:            db,
		writeDB:       NewDatabase(db, logger, false),
		logger:        logger,
		httpClient:    http.DefaultClient,
		blacklist:     NewBlacklist(),
		syncLocks:     newKeyedMutex(),
		avatarLimiter: rate.NewLimiter(rate.Inf, 1),
		signalReady:   make(chan struct{}, 1),
		signalStop:    make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}
	k.blacklistSource = gormBlacklistSource{db: db}
	k.discord = &Discord{
		session: session,
		config:  cfg.Discord,
		logger:  logger,
		k:       k,
	}
	return k
}

// newAvatarServer serves the given images by URL path and counts every
// request it receives. Unknown paths return 404.
func newAvatarServer(t testing.TB, images map[string][]byte) (
	*httptest.Server,
	*atomic.Int64,
) {
	t.Helper()
	requests := &atomic.Int64{}
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				data, ok := images[r.URL.Path]
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", "image/png")
				_, _ = w.Write(data)
			},
		),
	)
	t.Cleanup(srv.Close)
	return srv, requests
}

// rewriteTransport redirects every outgoing request to the given test
// server, keeping the original path and query. Lets the pipeline follow
// CDN-shaped avatar URLs without leaving the test process.
type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = rt.target.Scheme
	req.URL.Host = rt.target.Host
	return rt.base.RoundTrip(req)
}

func newRewriteClient(t testing.TB, srv *httptest.Server) *http.Client {
	t.Helper()
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &http.Client{
		Transport: rewriteTransport{
			target: target,
			base:   http.DefaultTransport,
		},
	}
}

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

// redBlueSquare returns a 2x2 image with a red top row and a blue bottom
// row. Its channel means truncate to #7f007f.
func redBlueSquare() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	red := color.NRGBA{R: 255, A: 255}
	blue := color.NRGBA{B: 255, A: 255}
	img.SetNRGBA(0, 0, red)
	img.SetNRGBA(1, 0, red)
	img.SetNRGBA(0, 1, blue)
	img.SetNRGBA(1, 1, blue)
	return img
}

var colorWhite = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

func solidSquare(c color.NRGBA, size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

// mockDiscordSession is a DiscordSessionHandler fixture serving canned
// guilds and members, with optional per-guild page failures.
type mockDiscordSession struct {
	mu     sync.Mutex
	guilds []string

	// members per guild, in pagination order
	members map[string][]*discordgo.Member

	// failOnPage fails the Nth page request (1-based) for a guild
	failOnPage map[string]int

	// pageRequests counts page fetches per guild
	pageRequests map[string]int

	statusUpdates []string
	sentMessages  []string
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		members:      map[string][]*discordgo.Member{},
		failOnPage:   map[string]int{},
		pageRequests: map[string]int{},
	}
}

func (m *mockDiscordSession) Open() error {
	return nil
}

func (m *mockDiscordSession) Close() error {
	return nil
}

func (m *mockDiscordSession) ListGuilds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	guildIDs := make([]string, len(m.guilds))
	copy(guildIDs, m.guilds)
	return guildIDs
}

func (m *mockDiscordSession) GuildMembers(
	guildID string,
	after string,
	limit int,
	_ ...discordgo.RequestOption,
) ([]*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pageRequests[guildID]++
	if failPage := m.failOnPage[guildID]; failPage > 0 &&
		m.pageRequests[guildID] >= failPage {
		return nil, fmt.Errorf("guild %s unavailable", guildID)
	}

	all := m.members[guildID]
	start := 0
	if after != "" {
		for i, member := range all {
			if member.User != nil && member.User.ID == after {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start >= len(all) {
		return nil, nil
	}
	return all[start:end], nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	_ string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentMessages = append(m.sentMessages, content)
	return &discordgo.Message{Content: content}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusUpdates = append(m.statusUpdates, state)
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

// guildMember builds a member with only a global avatar hash set.
func guildMember(userID string, avatarHash string) *discordgo.Member {
	return &discordgo.Member{
		User: &discordgo.User{ID: userID, Avatar: avatarHash},
	}
}

func TestNew(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "test-app"

	k, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, k)
	assert.NotNil(t, k.discord)
	assert.NotNil(t, k.api)
	assert.NotNil(t, k.blacklist)
	assert.NotNil(t, k.avatarLimiter)
	assert.NotNil(t, k.syncLocks)
}

func TestNew_MissingToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discord.ApplicationID = "test-app"

	_, err := New(cfg)
	require.Error(t, err)
}
