package kasuki

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberAvatarURL(t *testing.T) {
	testCases := []struct {
		name     string
		member   *discordgo.Member
		expected string
	}{
		{
			name:     "nil member",
			member:   nil,
			expected: "",
		},
		{
			name:     "nil user",
			member:   &discordgo.Member{},
			expected: "",
		},
		{
			name: "no avatar at all",
			member: &discordgo.Member{
				User: &discordgo.User{ID: "u1"},
			},
			expected: "",
		},
		{
			name: "global avatar only",
			member: &discordgo.Member{
				User: &discordgo.User{ID: "u1", Avatar: "hash1"},
			},
			expected: "https://cdn.discordapp.com/avatars/u1/hash1.png?size=1024",
		},
		{
			name: "guild avatar preferred over global",
			member: &discordgo.Member{
				Avatar: "guildhash",
				User:   &discordgo.User{ID: "u1", Avatar: "hash1"},
			},
			expected: "https://cdn.discordapp.com/guilds/g1/users/u1/avatars/guildhash.png?size=1024",
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, memberAvatarURL("g1", tc.member))
			},
		)
	}
}

func TestGuildMembers_Pagination(t *testing.T) {
	session := newMockDiscordSession()
	session.guilds = []string{"g1"}
	for i := 0; i < 5; i++ {
		session.members["g1"] = append(
			session.members["g1"],
			guildMember(fmt.Sprintf("u%d", i), fmt.Sprintf("hash%d", i)),
		)
	}

	k := newTestKasuki(t, session)
	k.config.Sync.MemberPageSize = 2

	members, err := k.guildMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, members, 5)

	// two full pages, then the short final page
	assert.Equal(t, 3, session.pageRequests["g1"])

	seen := map[string]int{}
	for _, m := range members {
		seen[m.UserID]++
		assert.Equal(t, "g1", m.GuildID)
		assert.NotEmpty(t, m.AvatarURL)
	}
	for userID, count := range seen {
		assert.Equalf(t, 1, count, "user %s appeared %d times", userID, count)
	}
}

// A member count that's an exact multiple of the page size requires one
// extra (empty) page request to detect the end.
func TestGuildMembers_ExactPageMultiple(t *testing.T) {
	session := newMockDiscordSession()
	session.guilds = []string{"g1"}
	for i := 0; i < 4; i++ {
		session.members["g1"] = append(
			session.members["g1"],
			guildMember(fmt.Sprintf("u%d", i), fmt.Sprintf("hash%d", i)),
		)
	}

	k := newTestKasuki(t, session)
	k.config.Sync.MemberPageSize = 2

	members, err := k.guildMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Len(t, members, 4)
	assert.Equal(t, 3, session.pageRequests["g1"])
}

func TestGuildMembers_EmptyGuild(t *testing.T) {
	session := newMockDiscordSession()
	session.guilds = []string{"g1"}

	k := newTestKasuki(t, session)

	members, err := k.guildMembers(context.Background(), "g1")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Equal(t, 1, session.pageRequests["g1"])
}

// A failed page fetch stops enumeration for the guild, but earlier pages
// are still returned with the error.
func TestGuildMembers_PageFetchError(t *testing.T) {
	session := newMockDiscordSession()
	session.guilds = []string{"g1"}
	for i := 0; i < 5; i++ {
		session.members["g1"] = append(
			session.members["g1"],
			guildMember(fmt.Sprintf("u%d", i), fmt.Sprintf("hash%d", i)),
		)
	}
	session.failOnPage["g1"] = 2

	k := newTestKasuki(t, session)
	k.config.Sync.MemberPageSize = 2

	members, err := k.guildMembers(context.Background(), "g1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMemberPageFetch)
	assert.Len(t, members, 2)
}

func TestAllGuildMembers(t *testing.T) {
	session := newMockDiscordSession()
	session.guilds = []string{"g1", "g2", "g3"}
	session.members["g1"] = []*discordgo.Member{
		guildMember("u1", "hash1"),
		guildMember("u2", "hash2"),
	}
	session.members["g2"] = []*discordgo.Member{
		// u2 is also in g1 and should only appear once in the merge
		guildMember("u2", "hash2"),
		guildMember("u3", "hash3"),
	}
	session.members["g3"] = []*discordgo.Member{
		guildMember("u4", "hash4"),
	}

	k := newTestKasuki(t, session)

	members := k.allGuildMembers(context.Background())
	assert.Len(t, members, 4)

	seen := map[string]struct{}{}
	for _, m := range members {
		_, dup := seen[m.UserID]
		assert.Falsef(t, dup, "user %s appeared more than once", m.UserID)
		seen[m.UserID] = struct{}{}
	}
	for _, userID := range []string{"u1", "u2", "u3", "u4"} {
		assert.Contains(t, seen, userID)
	}
}

// One failing guild doesn't block the others from being merged.
func TestAllGuildMembers_PartialFailure(t *testing.T) {
	session := newMockDiscordSession()
	session.guilds = []string{"g1", "g2"}
	session.members["g1"] = []*discordgo.Member{
		guildMember("u1", "hash1"),
	}
	session.members["g2"] = []*discordgo.Member{
		guildMember("u2", "hash2"),
	}
	session.failOnPage["g2"] = 1

	k := newTestKasuki(t, session)

	members := k.allGuildMembers(context.Background())
	require.Len(t, members, 1)
	assert.Equal(t, "u1", members[0].UserID)
}

func TestAllGuildMembers_NoGuilds(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())
	assert.Empty(t, k.allGuildMembers(context.Background()))
}
