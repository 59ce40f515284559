package data

import (
	"context"
	"testing"
	"time"

	"Breakwater/internal/conf"
	"Breakwater/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

func newTestStore(t *testing.T, preferOpen bool) (*RedisStateStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := &conf.Resilience{
		Sync: &conf.Resilience_Sync{PreferOpenOnTie: preferOpen},
	}
	return NewStateStore(rdb, c, log.DefaultLogger), mr
}

func record(state string, ts int64, instance string) *model.BreakerRecord {
	return &model.BreakerRecord{
		State:            state,
		FailureCount:     3,
		LastTransitionAt: ts,
		InstanceID:       instance,
		TTLSeconds:       120,
	}
}

func TestStateStore_SetAndGet(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.StateOpen, rec.State)
	assert.Equal(t, int64(1000), rec.LastTransitionAt)
	assert.Equal(t, "replica-a", rec.InstanceID)
	assert.Equal(t, 3, rec.FailureCount)
}

func TestStateStore_GetMissingRecord(t *testing.T) {
	store, _ := newTestStore(t, true)

	rec, err := store.GetBreakerRecord(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, rec, "missing record should be (nil, nil), not an error")
}

func TestStateStore_RejectsOlderWrite(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 2000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, applied)

	// An older closed record from a lagging replica must lose.
	applied, err = store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateClosed, 1500, "replica-b"), 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, applied)

	rec, err := store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, rec.State)
	assert.Equal(t, "replica-a", rec.InstanceID)
}

func TestStateStore_AcceptsNewerWrite(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateHalfOpen, 3000, "replica-b"), 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, applied)

	rec, err := store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, model.StateHalfOpen, rec.State)
	assert.Equal(t, "replica-b", rec.InstanceID)
}

func TestStateStore_TiePrefersOpen(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, applied)

	// Same timestamp, closed state: open must win the tie.
	applied, err = store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateClosed, 1000, "replica-b"), 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, applied)

	// Same timestamp, open overwriting closed: allowed.
	require.NoError(t, store.rdb.Del(ctx, breakerKey("payments")).Err())
	store.cache.Purge()
	applied, err = store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateClosed, 1000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, applied)
	applied, err = store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "replica-b"), 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestStateStore_TieWithoutBiasRejects(t *testing.T) {
	store, _ := newTestStore(t, false)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateClosed, 1000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, applied)

	// Without the open bias the first writer wins equal-timestamp conflicts.
	applied, err = store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "replica-b"), 2*time.Minute)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestStateStore_SameStateRefreshKeepsTTLAlive(t *testing.T) {
	store, mr := newTestStore(t, true)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "replica-a"), 30*time.Second)
	require.NoError(t, err)
	require.True(t, applied)

	mr.FastForward(20 * time.Second)

	// An identical refresh (same timestamp, same state) must be applied so
	// the TTL restarts.
	applied, err = store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "replica-a"), 30*time.Second)
	require.NoError(t, err)
	assert.True(t, applied)

	mr.FastForward(20 * time.Second)
	assert.True(t, mr.Exists(breakerKey("payments")), "record should survive past the original TTL after refresh")
}

func TestStateStore_RecordExpires(t *testing.T) {
	store, mr := newTestStore(t, true)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "replica-a"), 10*time.Second)
	require.NoError(t, err)
	require.True(t, applied)

	mr.FastForward(11 * time.Second)
	store.cache.Purge()

	rec, err := store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)
	assert.Nil(t, rec, "unrefreshed records must expire")
}

func TestStateStore_ReadCacheServesRepeatReads(t *testing.T) {
	store, mr := newTestStore(t, true)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, applied)

	rec, err := store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)
	require.NotNil(t, rec)

	// Mutate the backing store directly; the cached record is served until
	// the cache TTL lapses.
	mr.Del(breakerKey("payments"))
	rec, err = store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)
	assert.NotNil(t, rec, "repeat read within the cache TTL is served locally")
}

func TestStateStore_ReadCacheTTLFollowsSyncInterval(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	// A sub-second reconciliation interval must shrink the cache TTL with
	// it, or peer transitions would be masked between reconciliations.
	c := &conf.Resilience{
		Sync: &conf.Resilience_Sync{
			Interval:        durationpb.New(250 * time.Millisecond),
			PreferOpenOnTie: true,
		},
	}
	store := NewStateStore(rdb, c, log.DefaultLogger)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateClosed, 1000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)

	// A peer replaces the record out of band; after a fraction of the
	// interval the cache entry has lapsed and the new state is visible.
	require.NoError(t, mr.Set(breakerKey("payments"), `{"state":"open","failureCount":9,"lastTransitionAt":2000,"instanceId":"replica-b","ttlSeconds":120}`))
	time.Sleep(80 * time.Millisecond)

	rec, err := store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.StateOpen, rec.State)
	assert.Equal(t, "replica-b", rec.InstanceID)
}

func TestStateStore_WriteInvalidatesCache(t *testing.T) {
	store, _ := newTestStore(t, true)
	ctx := context.Background()

	applied, err := store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateClosed, 1000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)

	applied, err = store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 2000, "replica-a"), 2*time.Minute)
	require.NoError(t, err)
	require.True(t, applied)

	rec, err := store.GetBreakerRecord(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, rec.State, "applied write must invalidate the read cache")
}

func TestStateStore_NilClientFailsAsSignal(t *testing.T) {
	c := &conf.Resilience{Sync: &conf.Resilience_Sync{PreferOpenOnTie: true}}
	store := NewStateStore(nil, c, log.DefaultLogger)
	ctx := context.Background()

	_, err := store.GetBreakerRecord(ctx, "payments")
	assert.Error(t, err)

	_, err = store.SetBreakerRecordIfNewer(ctx, "payments", record(model.StateOpen, 1000, "x"), time.Minute)
	assert.Error(t, err)
}
