package kasuki

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

var (
	// ErrAvatarFetch indicates an avatar image could not be downloaded
	// from the CDN. The affected member is skipped; the pass continues.
	ErrAvatarFetch = errors.New("error fetching avatar")

	// ErrSyncInProgress is returned by [Kasuki.RunBulkSync] when a bulk
	// pass is already running.
	ErrSyncInProgress = errors.New("bulk sync already in progress")
)

// keyedMutex provides per-user mutual exclusion for the sync pipeline, so
// a bulk pass and an event-driven sync racing on the same user don't
// redundantly fetch and recompute the same avatar. Locks are created on
// demand and removed once no goroutine holds or awaits them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		k.mu.Unlock()
		panic(fmt.Sprintf("unlock of unlocked key %q", key))
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}

// needsRecompute implements the change-detection rule for the avatar
// pipeline: recompute iff no record is stored for the member, or the
// stored record was computed from a different avatar URL than the one the
// member currently has. The avatar URL is the sole cache-validity key -
// Discord changes it exactly when the image it references changes.
func needsRecompute(member Member, stored *MemberColor) bool {
	return stored == nil || stored.AvatarURL != member.AvatarURL
}

// fetchAvatar downloads the avatar at the given URL.
//
// Requests toward the CDN pass through the shared rate limiter, and each
// carries its own timeout so a stalled download is treated as a skip
// rather than a pipeline stall.
func (k *Kasuki) fetchAvatar(ctx context.Context, url string) ([]byte, error) {
	if err := k.avatarLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAvatarFetch, err.Error())
	}

	reqCtx, cancel := context.WithTimeout(ctx, k.config.Sync.AvatarFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAvatarFetch, err.Error())
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrAvatarFetch, url, err.Error())
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf(
			"%w: %s: status %d", ErrAvatarFetch, url, resp.StatusCode,
		)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrAvatarFetch, url, err.Error())
	}
	return data, nil
}

// syncMember runs the shared per-member pipeline: blacklist check, then
// change detection against the stored record, then (only when stale)
// fetch, compute and upsert. Both the bulk pass and the event-driven path
// go through here, so the two always produce identical stored results for
// the same member state.
//
// Skips - blacklisted member, member without an avatar, or an up-to-date
// stored record - return nil.
func (k *Kasuki) syncMember(ctx context.Context, member Member) error {
	ctx, log := k.getLogger(ctx)
	log = log.With(slog.Group("member", memberLogAttrs(member)...))
	ctx = WithLogger(ctx, log)

	if k.blacklist.Contains(member.UserID) {
		log.DebugContext(ctx, "member is blacklisted, skipping")
		return nil
	}

	if member.AvatarURL == "" {
		log.DebugContext(ctx, "member has no avatar, skipping")
		return nil
	}

	// Serialize racing recomputes of the same user. The loser of the race
	// re-reads the stored record and usually turns into a reuse.
	k.syncLocks.Lock(member.UserID)
	defer k.syncLocks.Unlock(member.UserID)

	stored, err := k.writeDB.GetMemberColor(ctx, member.UserID)
	if err != nil {
		return fmt.Errorf(
			"error loading stored color for user %s: %w", member.UserID, err,
		)
	}

	if !needsRecompute(member, stored) {
		log.DebugContext(ctx, "avatar unchanged, reusing stored color")
		return nil
	}

	data, err := k.fetchAvatar(ctx, member.AvatarURL)
	if err != nil {
		return fmt.Errorf("user %s: %w", member.UserID, err)
	}

	result, err := computeAvatarColor(data)
	if err != nil {
		return fmt.Errorf("user %s: %w", member.UserID, err)
	}

	record := NewMemberColor(
		member.UserID,
		member.AvatarURL,
		result.Hex,
		result.Image,
	)
	if _, err = k.writeDB.UpsertMemberColor(ctx, record); err != nil {
		return fmt.Errorf(
			"error saving color for user %s: %w", member.UserID, err,
		)
	}

	k.membersSynced.Add(1)
	log.InfoContext(
		ctx,
		"updated member color",
		columnMemberColorColor, result.Hex,
	)
	return nil
}

// SyncOne runs the per-member pipeline for exactly one member, outside of
// any bulk pass. It's invoked by membership event handlers (member
// joined, avatar changed) and by the API.
//
// The returned error reports a fetch, decode or store failure for this
// member, so the caller can decide whether to retry.
func (k *Kasuki) SyncOne(
	ctx context.Context,
	guildID string,
	userID string,
	avatarURL string,
) error {
	return k.syncMember(
		ctx, Member{
			GuildID:   guildID,
			UserID:    userID,
			AvatarURL: avatarURL,
		},
	)
}

// RunBulkSync enumerates every guild, merges the member lists, and runs
// the per-member pipeline over the result, one member at a time. The
// computation is CPU-bound and avatar fetches are rate-sensitive toward
// the CDN, so member-level work is intentionally not fanned out further.
//
// Only one bulk pass runs at a time; a second call while one is running
// returns [ErrSyncInProgress]. A storage connection that can't be reached
// at all aborts the pass up front - silently completing with zero writes
// would look like success. Per-member failures are collected and returned
// joined together once the pass completes; they never abort it.
func (k *Kasuki) RunBulkSync(ctx context.Context) error {
	if !k.bulkSyncRunning.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	defer k.bulkSyncRunning.Store(false)

	ctx, log := k.getLogger(ctx)
	log = log.With(loggerNameKey, "bulk_sync")
	ctx = WithLogger(ctx, log)

	sqlDB, err := k.db.DB()
	if err != nil {
		return fmt.Errorf("error getting database handle: %w", err)
	}
	if err = sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable, aborting bulk sync: %w", err)
	}

	startedAt := time.Now()
	members := k.allGuildMembers(ctx)

	var errs []error
	for _, member := range members {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if syncErr := k.syncMember(ctx, member); syncErr != nil {
			errs = append(errs, syncErr)
			log.WarnContext(
				ctx,
				"member sync failed, continuing",
				slog.Group("member", memberLogAttrs(member)...),
				tint.Err(syncErr),
			)
		}
	}

	k.bulkSyncsCompleted.Add(1)
	log.InfoContext(
		ctx,
		"bulk sync finished",
		slog.Int("members", len(members)),
		slog.Int("failed", len(errs)),
		"elapsed", time.Since(startedAt),
	)
	return errors.Join(errs...)
}

// watchMemberColors drives the bulk path on a fixed interval until the
// context is canceled. Failures are logged, never propagated - the next
// tick gets a fresh attempt.
func (k *Kasuki) watchMemberColors(ctx context.Context) {
	log := k.logger.With(loggerNameKey, "color_sync")
	interval := k.config.Sync.Interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.InfoContext(ctx, "scheduling bulk color sync", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			log.InfoContext(ctx, "stopping bulk color sync")
			return
		case <-ticker.C:
			if err := k.RunBulkSync(ctx); err != nil {
				log.WarnContext(ctx, "bulk sync had errors", tint.Err(err))
			}
		}
	}
}
