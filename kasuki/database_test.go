package kasuki

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDB_UnsupportedType(t *testing.T) {
	_, err := CreateDB(context.Background(), "mysql", "whatever")
	require.Error(t, err)
}

func TestCreateDB_SQLiteCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "kasuki.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	require.NoError(t, err)
	require.NotNil(t, db)
	assert.FileExists(t, dbPath)
}

func TestGetMemberColor_Missing(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())

	record, err := k.writeDB.GetMemberColor(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestUpsertMemberColor(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())
	ctx := context.Background()

	record := NewMemberColor(
		"u1",
		"https://cdn/a.png",
		"#7f007f",
		pngDataURIPrefix+"aGVsbG8=",
	)
	rowsAffected, err := k.writeDB.UpsertMemberColor(ctx, record)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rowsAffected)

	stored, err := k.writeDB.GetMemberColor(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "#7f007f", stored.Color)
	assert.Equal(t, "https://cdn/a.png", stored.AvatarURL)
}

// A second upsert for the same user overwrites the whole row rather than
// creating a second one.
func TestUpsertMemberColor_Overwrite(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())
	ctx := context.Background()

	first := NewMemberColor("u1", "https://cdn/a.png", "#7f007f", "imageA")
	_, err := k.writeDB.UpsertMemberColor(ctx, first)
	require.NoError(t, err)

	second := NewMemberColor("u1", "https://cdn/b.png", "#ffffff", "imageB")
	second.ComputedAt = first.ComputedAt + 1000
	_, err = k.writeDB.UpsertMemberColor(ctx, second)
	require.NoError(t, err)

	stored, err := k.writeDB.GetMemberColor(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "https://cdn/b.png", stored.AvatarURL)
	assert.Equal(t, "#ffffff", stored.Color)
	assert.Equal(t, "imageB", stored.Image)
	assert.Equal(t, second.ComputedAt, stored.ComputedAt)

	records, err := k.writeDB.ListMemberColors(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// Concurrent upserts for the same user resolve last-write-wins at the row
// level, never as a torn row mixing fields from both writers.
func TestUpsertMemberColor_ConcurrentSameUser(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())
	ctx := context.Background()

	variants := map[string]*MemberColor{
		"https://cdn/a.png": NewMemberColor(
			"u1", "https://cdn/a.png", "#111111", "imageA",
		),
		"https://cdn/b.png": NewMemberColor(
			"u1", "https://cdn/b.png", "#222222", "imageB",
		),
	}

	done := make(chan error, len(variants))
	for _, record := range variants {
		record := record
		go func() {
			_, err := k.writeDB.UpsertMemberColor(ctx, record)
			done <- err
		}()
	}
	for range variants {
		require.NoError(t, <-done)
	}

	stored, err := k.writeDB.GetMemberColor(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)

	winner, ok := variants[stored.AvatarURL]
	require.Truef(t, ok, "unexpected stored avatar URL %q", stored.AvatarURL)
	assert.Equal(t, winner.Color, stored.Color)
	assert.Equal(t, winner.Image, stored.Image)
}

func TestUpsertMemberColor_RevivesSoftDeletedRow(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())
	ctx := context.Background()

	_, err := k.writeDB.UpsertMemberColor(
		ctx,
		NewMemberColor("u1", "https://cdn/a.png", "#7f007f", "imageA"),
	)
	require.NoError(t, err)

	_, err = k.writeDB.Delete(&MemberColor{}, "user_id = ?", "u1")
	require.NoError(t, err)
	gone, err := k.writeDB.GetMemberColor(ctx, "u1")
	require.NoError(t, err)
	require.Nil(t, gone)

	_, err = k.writeDB.UpsertMemberColor(
		ctx,
		NewMemberColor("u1", "https://cdn/b.png", "#ffffff", "imageB"),
	)
	require.NoError(t, err)

	stored, err := k.writeDB.GetMemberColor(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "https://cdn/b.png", stored.AvatarURL)
}

func TestListMemberColors_NewestFirst(t *testing.T) {
	k := newTestKasuki(t, newMockDiscordSession())
	ctx := context.Background()

	now := time.Now().UTC().UnixMilli()
	for i, userID := range []string{"u1", "u2", "u3"} {
		record := NewMemberColor(
			userID,
			"https://cdn/"+userID+".png",
			"#000000",
			"image",
		)
		record.ComputedAt = now + int64(i*1000)
		_, err := k.writeDB.UpsertMemberColor(ctx, record)
		require.NoError(t, err)
	}

	records, err := k.writeDB.ListMemberColors(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "u3", records[0].UserID)
	assert.Equal(t, "u2", records[1].UserID)
	assert.Equal(t, "u1", records[2].UserID)
}
