package walletindex

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	*memstore.WalletRepo
	finds   int
	findErr error
	// afterGetActive runs once the active snapshot has been read.
	afterGetActive func()
}

func (r *countingRepo) GetActive(ctx context.Context, network model.Network) ([]model.Wallet, error) {
	wallets, err := r.WalletRepo.GetActive(ctx, network)
	if r.afterGetActive != nil {
		r.afterGetActive()
	}
	return wallets, err
}

func (r *countingRepo) FindByAddress(ctx context.Context, network model.Network, address string) (*model.Wallet, error) {
	r.finds++
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.WalletRepo.FindByAddress(ctx, network, address)
}

func newTestIndex(t *testing.T, addrs ...string) (*Index, *countingRepo) {
	t.Helper()
	repo := &countingRepo{WalletRepo: memstore.New().Wallets()}
	for i, a := range addrs {
		require.NoError(t, repo.Upsert(context.Background(), &model.Wallet{
			Address: a, UserID: fmt.Sprintf("user-%d", i), Network: model.NetworkTestnet, IsActive: true,
		}))
	}
	idx := New(repo, model.NetworkTestnet, Config{ExpectedWallets: 1000, CacheCapacity: 100, CacheTTL: time.Minute})
	return idx, repo
}

func TestIndex_BloomRejectsUnknownWithoutRepository(t *testing.T) {
	idx, repo := newTestIndex(t, "GALPHA")
	n, err := idx.Reload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w, err := idx.Lookup(context.Background(), "GUNKNOWN")
	require.NoError(t, err)
	assert.Nil(t, w)
	assert.Zero(t, repo.finds)
}

func TestIndex_ReloadServesFromCache(t *testing.T) {
	idx, repo := newTestIndex(t, "GALPHA", "GBETA")
	_, err := idx.Reload(context.Background())
	require.NoError(t, err)

	w, err := idx.Lookup(context.Background(), "GBETA")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "user-1", w.UserID)
	assert.Zero(t, repo.finds)
}

func TestIndex_RepositoryFallbackCachesResult(t *testing.T) {
	idx, repo := newTestIndex(t, "GALPHA")
	_, err := idx.Reload(context.Background())
	require.NoError(t, err)
	idx.cache.purge()

	for i := 0; i < 3; i++ {
		w, err := idx.Lookup(context.Background(), "GALPHA")
		require.NoError(t, err)
		require.NotNil(t, w)
	}
	assert.Equal(t, 1, repo.finds)
}

func TestIndex_RepositoryErrorIsReturned(t *testing.T) {
	idx, repo := newTestIndex(t, "GALPHA")
	_, err := idx.Reload(context.Background())
	require.NoError(t, err)
	idx.cache.purge()
	repo.findErr = errors.New("connection refused")

	w, err := idx.Lookup(context.Background(), "GALPHA")
	require.Error(t, err)
	assert.Nil(t, w)

	// A failed lookup is not cached as a negative answer.
	repo.findErr = nil
	w, err = idx.Lookup(context.Background(), "GALPHA")
	require.NoError(t, err)
	assert.NotNil(t, w)
}

func TestIndex_LinkIsVisibleImmediately(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.Reload(context.Background())
	require.NoError(t, err)

	require.NoError(t, idx.Link(context.Background(), &model.Wallet{Address: "GNEW", UserID: "u", IsActive: true}))

	w, err := idx.Lookup(context.Background(), "GNEW")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, model.NetworkTestnet, w.Network)
}

func TestIndex_LinkDuringReloadSurvivesFilterSwap(t *testing.T) {
	idx, repo := newTestIndex(t, "GALPHA")
	ctx := context.Background()
	repo.afterGetActive = func() {
		require.NoError(t, idx.Link(ctx, &model.Wallet{Address: "GLATE", UserID: "user-late", IsActive: true}))
	}

	n, err := idx.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w, err := idx.Lookup(ctx, "GLATE")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "user-late", w.UserID)
	assert.Equal(t, 1, repo.finds, "answered by the repository after the cache purge")

	repo.afterGetActive = nil
	_, err = idx.Reload(ctx)
	require.NoError(t, err)
	w, err = idx.Lookup(ctx, "GLATE")
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestBloom_NoFalseNegatives(t *testing.T) {
	b := newBloom(500, 0.01)
	for i := 0; i < 500; i++ {
		b.add(fmt.Sprintf("G%055d", i))
	}
	for i := 0; i < 500; i++ {
		assert.True(t, b.mayContain(fmt.Sprintf("G%055d", i)))
	}
}

func TestTTLLRU_ExpiryAndEviction(t *testing.T) {
	now := time.Unix(0, 0)
	c := newTTLLRU[string, int](2, time.Second)
	c.now = func() time.Time { return now }

	c.put("a", 1)
	c.put("b", 2)
	c.get("a")
	c.put("c", 3)

	_, ok := c.get("b")
	assert.False(t, ok, "least recently used entry evicted")
	v, ok := c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	_, ok = c.get("a")
	assert.False(t, ok, "expired")
	assert.Equal(t, 1, c.len())
}
