package kasuki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

// ErrMemberPageFetch indicates a guild member page could not be fetched.
// Enumeration of that guild stops, but members accumulated from earlier
// pages are still returned.
var ErrMemberPageFetch = errors.New("error fetching guild member page")

// Member associates a user with one guild they belong to, for a single
// pass of the pipeline. Members are produced by guild enumeration (or
// synthesized from a membership event), consumed once, and discarded.
type Member struct {
	GuildID   string `json:"guild_id"`
	UserID    string `json:"user_id"`
	AvatarURL string `json:"avatar_url"`
}

func memberLogAttrs(m Member) []any {
	return []any{
		"guild_id", m.GuildID,
		"user_id", m.UserID,
		"avatar_url", m.AvatarURL,
	}
}

// memberAvatarURL returns the avatar URL for a guild member, preferring
// the guild-specific avatar over the user's global avatar. Members with
// neither return an empty string and are skipped by the pipeline.
func memberAvatarURL(guildID string, m *discordgo.Member) string {
	if m == nil || m.User == nil {
		return ""
	}
	if m.Avatar != "" {
		return fmt.Sprintf(
			"https://cdn.discordapp.com/guilds/%s/users/%s/avatars/%s.png?size=1024",
			guildID,
			m.User.ID,
			m.Avatar,
		)
	}
	if m.User.Avatar == "" {
		return ""
	}
	return m.User.AvatarURL("1024")
}

// guildMembers pages through the complete member list for the given
// guild.
//
// Pages are requested with [SyncConfig.MemberPageSize] (Discord caps this
// at 1000). The first request carries no cursor; each subsequent request
// uses the user ID of the last member on the previous page. Enumeration
// stops as soon as a page comes back shorter than the requested size - a
// full page always triggers one more request, since Discord returns exact
// full pages until the final one.
//
// On a page fetch error, enumeration for this guild stops and whatever
// was accumulated is returned along with the error, so one bad guild
// can't block the rest of a bulk pass.
//
// The returned slice is free of duplicate user IDs within this guild.
func (k *Kasuki) guildMembers(ctx context.Context, guildID string) (
	[]Member,
	error,
) {
	ctx, log := k.getLogger(ctx)
	log = log.With("guild_id", guildID)

	pageSize := k.config.Sync.MemberPageSize
	seen := map[string]struct{}{}
	var members []Member
	after := ""

	for {
		if ctx.Err() != nil {
			return members, fmt.Errorf(
				"%w: %s", ErrMemberPageFetch, ctx.Err().Error(),
			)
		}

		page, err := k.discord.session.GuildMembers(guildID, after, pageSize)
		if err != nil {
			return members, fmt.Errorf(
				"%w: guild %s after %q: %s",
				ErrMemberPageFetch, guildID, after, err.Error(),
			)
		}

		for _, m := range page {
			if m == nil || m.User == nil {
				continue
			}
			if _, ok := seen[m.User.ID]; ok {
				continue
			}
			seen[m.User.ID] = struct{}{}
			members = append(
				members, Member{
					GuildID:   guildID,
					UserID:    m.User.ID,
					AvatarURL: memberAvatarURL(guildID, m),
				},
			)
		}

		if len(page) < pageSize {
			break
		}
		last := page[len(page)-1]
		if last == nil || last.User == nil {
			log.WarnContext(ctx, "last member of full page has no user, stopping")
			break
		}
		after = last.User.ID
	}

	log.DebugContext(ctx, "enumerated guild", slog.Int("members", len(members)))
	return members, nil
}

// allGuildMembers enumerates every guild the bot currently serves and
// merges the results into one flat, deduplicated member list.
//
// Guild fetches are independent and I/O bound, so they run concurrently,
// bounded by [SyncConfig.GuildConcurrency]. Each fetch carries its own
// timeout so a single unresponsive guild can't stall the whole pass. A
// guild whose enumeration fails contributes whatever it accumulated
// before the failure (usually nothing) and is logged; the merge always
// completes once every guild has either succeeded or failed.
//
// A user belonging to several guilds appears once in the merged list, at
// their first-seen guild. Per-member ordering carries no meaning - the
// downstream pipeline is order-independent.
func (k *Kasuki) allGuildMembers(ctx context.Context) []Member {
	ctx, log := k.getLogger(ctx)

	guildIDs := k.discord.session.ListGuilds()

	mu := &sync.Mutex{}
	var merged []Member
	seen := map[string]struct{}{}

	g := &errgroup.Group{}
	g.SetLimit(k.config.Sync.GuildConcurrency)

	for _, guildID := range guildIDs {
		guildID := guildID
		g.Go(
			func() error {
				fetchCtx, cancel := context.WithTimeout(
					ctx,
					k.config.Sync.MemberFetchTimeout,
				)
				defer cancel()

				members, err := k.guildMembers(fetchCtx, guildID)
				if err != nil {
					log.WarnContext(
						ctx,
						"guild enumeration failed, continuing without it",
						"guild_id", guildID,
						slog.Int("partial_members", len(members)),
						tint.Err(err),
					)
				}

				mu.Lock()
				defer mu.Unlock()
				for _, m := range members {
					if _, ok := seen[m.UserID]; ok {
						continue
					}
					seen[m.UserID] = struct{}{}
					merged = append(merged, m)
				}
				return nil
			},
		)
	}
	_ = g.Wait()

	log.InfoContext(
		ctx,
		"merged guild members",
		slog.Int("guilds", len(guildIDs)),
		slog.Int("members", len(merged)),
	)
	return merged
}
