// Package walletindex answers "is this address a linked wallet?" for the
// indexer and the initiate path.
//
// Lookups go through three tiers:
//
//	bloom filter  definite negatives
//	TTL LRU       recent positive and negative answers
//	repository    authoritative, result cached
package walletindex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenpay/lumenpay/internal/domain/model"
	"github.com/lumenpay/lumenpay/internal/metrics"
	"github.com/lumenpay/lumenpay/internal/store"
)

type Config struct {
	ExpectedWallets int
	BloomFPR        float64
	CacheCapacity   int
	CacheTTL        time.Duration
}

type Index struct {
	repo    store.WalletRepository
	network model.Network
	cfg     Config
	filter  atomic.Pointer[bloom]
	cache   *ttlLRU[string, *model.Wallet] // nil value caches a negative answer

	mu        sync.Mutex
	reloading bool
	linked    []string // addresses linked while a reload reads the repository
}

func New(repo store.WalletRepository, network model.Network, cfg Config) *Index {
	if cfg.ExpectedWallets <= 0 {
		cfg.ExpectedWallets = 1_000_000
	}
	if cfg.BloomFPR <= 0 {
		cfg.BloomFPR = 0.001
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 50_000
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	idx := &Index{
		repo:    repo,
		network: network,
		cfg:     cfg,
		cache:   newTTLLRU[string, *model.Wallet](cfg.CacheCapacity, cfg.CacheTTL),
	}
	idx.filter.Store(newBloom(cfg.ExpectedWallets, cfg.BloomFPR))
	return idx
}

// Lookup returns the active wallet for address, nil when the address is not
// linked. A repository failure is returned so callers do not mistake it for
// a negative answer.
func (i *Index) Lookup(ctx context.Context, address string) (*model.Wallet, error) {
	network := string(i.network)
	if !i.filter.Load().mayContain(address) {
		metrics.WalletIndexHits.WithLabelValues(network, "bloom").Inc()
		return nil, nil
	}
	if w, ok := i.cache.get(address); ok {
		metrics.WalletIndexHits.WithLabelValues(network, "cache").Inc()
		return w, nil
	}

	w, err := i.repo.FindByAddress(ctx, i.network, address)
	if err != nil {
		return nil, fmt.Errorf("wallet lookup %s: %w", address, err)
	}
	metrics.WalletIndexHits.WithLabelValues(network, "repository").Inc()
	i.cache.put(address, w)
	return w, nil
}

// Link persists w and makes it visible to lookups immediately.
func (i *Index) Link(ctx context.Context, w *model.Wallet) error {
	w.Network = i.network
	if err := i.repo.Upsert(ctx, w); err != nil {
		return err
	}
	i.mu.Lock()
	i.filter.Load().add(w.Address)
	if i.reloading {
		i.linked = append(i.linked, w.Address)
	}
	if w.IsActive {
		cp := *w
		i.cache.put(w.Address, &cp)
	} else {
		i.cache.put(w.Address, nil)
	}
	i.mu.Unlock()
	return nil
}

// Reload rebuilds the filter from the repository and drops cached answers.
// Addresses linked while the repository is read are carried into the new
// filter. Reloads are expected to run one at a time.
func (i *Index) Reload(ctx context.Context) (int, error) {
	i.mu.Lock()
	i.reloading = true
	i.linked = nil
	i.mu.Unlock()

	wallets, err := i.repo.GetActive(ctx, i.network)
	if err != nil {
		i.mu.Lock()
		i.reloading = false
		i.linked = nil
		i.mu.Unlock()
		return 0, fmt.Errorf("reload wallet index: %w", err)
	}
	expected := i.cfg.ExpectedWallets
	if len(wallets) > expected {
		expected = len(wallets) * 2
	}
	next := newBloom(expected, i.cfg.BloomFPR)
	for _, w := range wallets {
		next.add(w.Address)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	linked := make(map[string]struct{}, len(i.linked))
	for _, addr := range i.linked {
		next.add(addr)
		linked[addr] = struct{}{}
	}
	i.reloading = false
	i.linked = nil
	i.filter.Store(next)
	i.cache.purge()
	for idx := range wallets {
		w := wallets[idx]
		// The snapshot may predate a link; the repository answers those.
		if _, ok := linked[w.Address]; ok {
			continue
		}
		i.cache.put(w.Address, &w)
	}
	return len(wallets), nil
}

// RunPeriodic reloads the index every interval until ctx is done.
func (i *Index) RunPeriodic(ctx context.Context, interval time.Duration, onError func(error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := i.Reload(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
