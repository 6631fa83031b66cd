package kasuki

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Blacklist is a replaceable snapshot of user IDs excluded from the avatar
// color pipeline.
//
// The snapshot is swapped wholesale on every refresh - readers always see
// either the previous complete set or the new complete set, never a
// partially updated one. Entries removed upstream simply vanish on the
// next replacement.
type Blacklist struct {
	snapshot atomic.Pointer[map[string]struct{}]
}

// NewBlacklist returns a Blacklist seeded with the given user IDs.
func NewBlacklist(userIDs ...string) *Blacklist {
	b := &Blacklist{}
	b.Replace(userIDs)
	return b
}

// Replace atomically swaps the current snapshot for one containing
// exactly the given user IDs.
func (b *Blacklist) Replace(userIDs []string) {
	snapshot := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		snapshot[id] = struct{}{}
	}
	b.snapshot.Store(&snapshot)
}

// Contains reports whether the given user ID is in the current snapshot.
func (b *Blacklist) Contains(userID string) bool {
	snapshot := b.snapshot.Load()
	if snapshot == nil {
		return false
	}
	_, ok := (*snapshot)[userID]
	return ok
}

// Len returns the size of the current snapshot.
func (b *Blacklist) Len() int {
	snapshot := b.snapshot.Load()
	if snapshot == nil {
		return 0
	}
	return len(*snapshot)
}

// BlacklistSource provides the full exclusion list. The source is injected
// into [Kasuki] so tests can substitute fixtures, and is polled wholesale
// on [BlacklistConfig.RefreshInterval].
type BlacklistSource interface {
	FetchBlacklist(ctx context.Context) ([]string, error)
}

// BlacklistedUser is a persisted exclusion entry. Users present in this
// table are skipped entirely by the pipeline: no reads, no writes, no
// recomputation, even when their stored color is stale or absent.
type BlacklistedUser struct {
	// UserID is the Discord user ID
	UserID string `json:"user_id" gorm:"primaryKey;unique;type:string"`

	// Reason is an optional operator note
	Reason string `json:"reason" gorm:"type:string"`

	ModelUnixTime
}

// gormBlacklistSource reads the exclusion list from the blacklisted_users
// table. This is the default BlacklistSource.
type gormBlacklistSource struct {
	db *gorm.DB
}

func (s gormBlacklistSource) FetchBlacklist(ctx context.Context) (
	[]string,
	error,
) {
	var userIDs []string
	err := s.db.WithContext(ctx).Model(&BlacklistedUser{}).Pluck(
		columnMemberColorUserID,
		&userIDs,
	).Error
	return userIDs, err
}

// refreshBlacklist fetches the full exclusion list from the configured
// source and swaps it into the active snapshot.
func (k *Kasuki) refreshBlacklist(ctx context.Context) error {
	userIDs, err := k.blacklistSource.FetchBlacklist(ctx)
	if err != nil {
		return err
	}
	k.blacklist.Replace(userIDs)
	return nil
}

// watchBlacklist polls the blacklist source on a fixed interval until the
// context is canceled, replacing the active snapshot on each tick. A
// failed refresh keeps the previous snapshot.
func (k *Kasuki) watchBlacklist(ctx context.Context) {
	log := k.logger.With(loggerNameKey, "blacklist")
	interval := k.config.Blacklist.RefreshInterval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.InfoContext(ctx, "watching blacklist", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "stopping blacklist refresh")
			return
		case <-ticker.C:
			if err := k.refreshBlacklist(ctx); err != nil {
				log.WarnContext(
					ctx,
					"blacklist refresh failed, keeping previous snapshot",
					tint.Err(err),
				)
				continue
			}
			log.DebugContext(
				ctx,
				"refreshed blacklist",
				slog.Int("size", k.blacklist.Len()),
			)
		}
	}
}
