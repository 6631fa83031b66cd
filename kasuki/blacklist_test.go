package kasuki

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklist(t *testing.T) {
	b := NewBlacklist("u1", "u2")
	assert.Equal(t, 2, b.Len())
	assert.True(t, b.Contains("u1"))
	assert.True(t, b.Contains("u2"))
	assert.False(t, b.Contains("u3"))
}

// Replace swaps the snapshot wholesale: entries absent from the new list
// are gone, no per-entry removal needed.
func TestBlacklist_Replace(t *testing.T) {
	b := NewBlacklist("u1", "u2")

	b.Replace([]string{"u2", "u3"})
	assert.Equal(t, 2, b.Len())
	assert.False(t, b.Contains("u1"))
	assert.True(t, b.Contains("u2"))
	assert.True(t, b.Contains("u3"))

	b.Replace(nil)
	assert.Equal(t, 0, b.Len())
	assert.False(t, b.Contains("u2"))
}

func TestBlacklist_ConcurrentReads(t *testing.T) {
	b := NewBlacklist("u1")

	wg := &sync.WaitGroup{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if n%2 == 0 {
					b.Replace([]string{"u1", "u2"})
				} else {
					_ = b.Contains("u1")
					_ = b.Len()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.True(t, b.Contains("u1"))
}

func TestGormBlacklistSource(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())
	ctx := context.Background()

	for _, userID := range []string{"u1", "u2"} {
		_, err := k.writeDB.Create(
			ctx,
			&BlacklistedUser{UserID: userID, Reason: "test"},
		)
		require.NoError(t, err)
	}

	userIDs, err := k.blacklistSource.FetchBlacklist(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, userIDs)
}

func TestRefreshBlacklist(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())
	ctx := context.Background()

	_, err := k.writeDB.Create(ctx, &BlacklistedUser{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, k.refreshBlacklist(ctx))
	assert.True(t, k.blacklist.Contains("u1"))

	// removal upstream disappears on the next refresh
	_, err = k.writeDB.Delete(&BlacklistedUser{}, "user_id = ?", "u1")
	require.NoError(t, err)

	require.NoError(t, k.refreshBlacklist(ctx))
	assert.False(t, k.blacklist.Contains("u1"))
}

type failingBlacklistSource struct{}

func (failingBlacklistSource) FetchBlacklist(_ context.Context) (
	[]string,
	error,
) {
	return nil, errors.New("source unavailable")
}

// A failed refresh keeps the previous snapshot intact.
func TestRefreshBlacklist_SourceFailure(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())
	k.blacklist.Replace([]string{"u1"})
	k.blacklistSource = failingBlacklistSource{}

	err := k.refreshBlacklist(context.Background())
	require.Error(t, err)
	assert.True(t, k.blacklist.Contains("u1"))
	assert.Equal(t, 1, k.blacklist.Len())
}
