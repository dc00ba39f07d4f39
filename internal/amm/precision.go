package amm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clmmrun/strategy-runtime/infrastructure/cache"
)

// precisionTTL is long enough to be effectively permanent for a process's
// lifetime; infrastructure/cache.Cache treats a zero TTL as its 5-minute
// default, which is too short for values that never actually change.
const precisionTTL = 10 * 365 * 24 * time.Hour

// tokenDecimals is how many decimal places a mint's raw integer amounts use.
type tokenDecimals struct {
	X int
	Y int
}

// PrecisionCache memoizes a pool's token decimals for the lifetime of the
// process, generalizing a TTL-keyed cache
// (infrastructure/cache/cache.go) with a populate-once guard per mint pair:
// concurrent first-readers of the same pool block on a single chain read
// instead of racing it.
type PrecisionCache struct {
	cache *cache.Cache

	mu    sync.Mutex
	once  map[string]*sync.Once
	ready map[string]chan struct{}
}

// NewPrecisionCache constructs a PrecisionCache. Entries never expire
// (DefaultTTL is effectively "forever" for this process's lifetime), since a
// pool's token decimals are immutable.
func NewPrecisionCache() *PrecisionCache {
	return &PrecisionCache{
		cache: cache.NewCache(cache.CacheConfig{DefaultTTL: precisionTTL, MaxSize: 10000}),
		once:  make(map[string]*sync.Once),
		ready: make(map[string]chan struct{}),
	}
}

// Get returns the cached decimals for poolAddress, populating it via fetch on
// the first call and blocking concurrent callers on that single fetch.
func (p *PrecisionCache) Get(ctx context.Context, poolAddress string, fetch func(ctx context.Context) (decimalsX, decimalsY int, err error)) (decimalsX, decimalsY int, err error) {
	if v, ok := p.cache.Get(poolAddress); ok {
		d := v.(tokenDecimals)
		return d.X, d.Y, nil
	}

	p.mu.Lock()
	once, exists := p.once[poolAddress]
	if !exists {
		once = &sync.Once{}
		p.once[poolAddress] = once
		p.ready[poolAddress] = make(chan struct{})
	}
	ready := p.ready[poolAddress]
	p.mu.Unlock()

	var fetchErr error
	once.Do(func() {
		defer close(ready)
		x, y, ferr := fetch(ctx)
		if ferr != nil {
			fetchErr = ferr
			// allow a future call to retry after a failed populate
			p.mu.Lock()
			delete(p.once, poolAddress)
			delete(p.ready, poolAddress)
			p.mu.Unlock()
			return
		}
		p.cache.Set(poolAddress, tokenDecimals{X: x, Y: y}, precisionTTL)
	})

	select {
	case <-ready:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}

	if fetchErr != nil {
		return 0, 0, fmt.Errorf("amm: fetch decimals for %s: %w", poolAddress, fetchErr)
	}

	v, ok := p.cache.Get(poolAddress)
	if !ok {
		return 0, 0, fmt.Errorf("amm: decimals for %s missing after populate", poolAddress)
	}
	d := v.(tokenDecimals)
	return d.X, d.Y, nil
}

// Invalidate forces the next Get to re-fetch.
func (p *PrecisionCache) Invalidate(poolAddress string) {
	p.cache.Invalidate(poolAddress)
	p.mu.Lock()
	delete(p.once, poolAddress)
	delete(p.ready, poolAddress)
	p.mu.Unlock()
}
