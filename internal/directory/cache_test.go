package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agritrace-io/ledger-service/internal/kv"
	"github.com/agritrace-io/ledger-service/internal/model"
)

func newTestCache(store *kv.MemStore) *Cache {
	return NewCache(store, 3, time.Millisecond, zap.NewNop().Sugar())
}

func farmer(id, email string) *model.IdentityRecord {
	return &model.IdentityRecord{
		ID:             id,
		Email:          email,
		ExternalAuthID: "ext-" + id,
		WalletAddress:  "0x" + id,
		Role:           model.RoleFarmer,
		Name:           "Farmer " + id,
		AuthMethods:    []string{"password"},
	}
}

func seedIdentity(t *testing.T, store *kv.MemStore, rec *model.IdentityRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "identity:"+rec.ID, data))
}

func TestBootstrap_ReachesReady(t *testing.T) {
	store := kv.NewMemStore()
	seedIdentity(t, store, farmer("u1", "u1@farm.example"))
	c := newTestCache(store)

	require.NoError(t, c.Bootstrap(context.Background()))
	assert.Equal(t, Ready, c.State())

	rec, err := c.ByEmail(context.Background(), "u1@farm.example")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.ID)
}

func TestBootstrap_StoreLiveOnThirdProbe(t *testing.T) {
	store := kv.NewMemStore()
	seedIdentity(t, store, farmer("u1", "u1@farm.example"))
	store.FailOps(2) // first two probes fail, third sees the store

	c := newTestCache(store)
	require.NoError(t, c.Bootstrap(context.Background()))
	assert.Equal(t, Ready, c.State())

	rec, err := c.ByEmail(context.Background(), "u1@farm.example")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.ID)
}

func TestBootstrap_RewritesAlternateKeyIndices(t *testing.T) {
	store := kv.NewMemStore()
	seedIdentity(t, store, farmer("u1", "u1@farm.example"))
	c := newTestCache(store)
	require.NoError(t, c.Bootstrap(context.Background()))

	ctx := context.Background()
	for _, key := range []string{
		"identity-email:u1@farm.example",
		"identity-external:ext-u1",
		"identity-wallet:0xu1",
	} {
		val, err := store.Get(ctx, key)
		require.NoError(t, err, key)
		assert.Equal(t, "u1", string(val), key)
	}
}

func TestBootstrap_FailedDegradesToDirectReads(t *testing.T) {
	store := kv.NewMemStore()
	seedIdentity(t, store, farmer("u1", "u1@farm.example"))
	// a previous run left the email index behind
	require.NoError(t, store.Set(context.Background(), "identity-email:u1@farm.example", []byte("u1")))

	c := NewCache(store, 2, time.Millisecond, zap.NewNop().Sugar())
	store.FailOps(2) // both probes fail
	assert.Error(t, c.Bootstrap(context.Background()))
	assert.Equal(t, Failed, c.State())

	// the store is back; a Failed cache still answers via direct reads
	rec, err := c.ByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.ID)
	assert.Equal(t, Failed, c.State())

	byEmail, err := c.ByEmail(context.Background(), "u1@farm.example")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.ID)
}

func TestLookup_EmptyMirrorWhileReadyRebootstraps(t *testing.T) {
	store := kv.NewMemStore()
	c := newTestCache(store)
	require.NoError(t, c.Bootstrap(context.Background()))
	assert.Equal(t, Ready, c.State())

	// the record arrives after the (empty) bootstrap
	seedIdentity(t, store, farmer("u1", "u1@farm.example"))

	rec, err := c.ByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.ID)
}

func TestUpsert_WritesThroughAndServesAllKeys(t *testing.T) {
	store := kv.NewMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))

	rec := farmer("u1", "u1@farm.example")
	require.NoError(t, c.Upsert(ctx, rec))
	assert.NotZero(t, rec.CreatedAt)

	// persisted, not just mirrored
	_, err := store.Get(ctx, "identity:u1")
	require.NoError(t, err)

	byID, err := c.ByID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@farm.example", byID.Email)

	byExt, err := c.ByExternalAuthID(ctx, "ext-u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byExt.ID)

	byWallet, err := c.ByWallet(ctx, "0xu1")
	require.NoError(t, err)
	assert.Equal(t, "u1", byWallet.ID)
}

func TestUpsert_ReleasesOldAlternateKeys(t *testing.T) {
	store := kv.NewMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))

	rec := farmer("u1", "old@farm.example")
	require.NoError(t, c.Upsert(ctx, rec))

	updated := farmer("u1", "new@farm.example")
	require.NoError(t, c.Upsert(ctx, updated))

	_, err := c.ByEmail(ctx, "old@farm.example")
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	byNew, err := c.ByEmail(ctx, "new@farm.example")
	require.NoError(t, err)
	assert.Equal(t, "u1", byNew.ID)

	_, err = store.Get(ctx, "identity-email:old@farm.example")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestLookup_IndexFallsBackToMirrorAndRepairs(t *testing.T) {
	store := kv.NewMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))
	require.NoError(t, c.Upsert(ctx, farmer("u1", "u1@farm.example")))

	// lose the persisted email index; the mirror still knows the mapping
	require.NoError(t, store.Delete(ctx, "identity-email:u1@farm.example"))

	rec, err := c.ByEmail(ctx, "u1@farm.example")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.ID)

	// and the index got repaired
	val, err := store.Get(ctx, "identity-email:u1@farm.example")
	require.NoError(t, err)
	assert.Equal(t, "u1", string(val))
}

func TestLookup_StaleMirrorEntryIsEvicted(t *testing.T) {
	store := kv.NewMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))
	require.NoError(t, c.Upsert(ctx, farmer("u1", "u1@farm.example")))

	// the record disappears from the store behind the cache's back
	require.NoError(t, store.Delete(ctx, "identity:u1"))
	require.NoError(t, store.Delete(ctx, "identity-email:u1@farm.example"))

	_, err := c.ByEmail(ctx, "u1@farm.example")
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	// evicted: the second lookup misses without consulting the store twice
	_, err = c.ByEmail(ctx, "u1@farm.example")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestLookup_DanglingIndexEntryIsDropped(t *testing.T) {
	store := kv.NewMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))

	require.NoError(t, store.Set(ctx, "identity-email:ghost@farm.example", []byte("ghost")))

	_, err := c.ByEmail(ctx, "ghost@farm.example")
	assert.ErrorIs(t, err, ErrIdentityNotFound)

	_, err = store.Get(ctx, "identity-email:ghost@farm.example")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestConcurrentUpsert_SameEmailLastWriterWins(t *testing.T) {
	store := kv.NewMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec := farmer(fmt.Sprintf("u%d", n), "shared@farm.example")
			_ = c.Upsert(ctx, rec)
		}(i)
	}
	wg.Wait()

	rec, err := c.ByEmail(ctx, "shared@farm.example")
	require.NoError(t, err)
	winner := rec.ID
	assert.Contains(t, []string{"u0", "u1"}, winner)

	// a self-heal pass (fresh bootstrap) keeps a single owner
	c2 := newTestCache(store)
	require.NoError(t, c2.Bootstrap(ctx))
	again, err := c2.ByEmail(ctx, "shared@farm.example")
	require.NoError(t, err)
	assert.Contains(t, []string{"u0", "u1"}, again.ID)
}

func TestBootstrap_SingleInFlightRun(t *testing.T) {
	store := kv.NewMemStore()
	seedIdentity(t, store, farmer("u1", "u1@farm.example"))
	c := newTestCache(store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Bootstrap(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, Ready, c.State())
}

func TestConcurrentUpsert_ReleasesKeysAcrossRebootstrap(t *testing.T) {
	store := kv.NewMemStore()
	c := newTestCache(store)
	ctx := context.Background()
	require.NoError(t, c.Bootstrap(ctx))

	// Alternating emails for one identity while re-bootstraps swap the
	// mirror maps underneath the released-key cleanup.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			rec := farmer("u1", fmt.Sprintf("v%d@farm.example", i%2))
			assert.NoError(t, c.Upsert(ctx, rec))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			assert.NoError(t, c.Bootstrap(ctx))
		}
	}()
	wg.Wait()

	// The last written email resolves; the released one does not survive a
	// fresh self-heal pass.
	rec, err := c.ByID(ctx, "u1")
	require.NoError(t, err)
	c2 := newTestCache(store)
	require.NoError(t, c2.Bootstrap(ctx))
	got, err := c2.ByEmail(ctx, rec.Email)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
}
