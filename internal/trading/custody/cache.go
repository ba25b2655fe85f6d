package custody

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/vietddude/custody/internal/core/domain"
)

const lockStripes = 64

// entry owns the plaintext secrets of one cached wallet. Secrets are kept as
// byte slices so they can be zeroed on eviction.
type entry struct {
	address    string
	network    domain.Network
	kind       domain.WalletKind
	autonomous bool
	privateKey []byte
	mnemonic   []byte
	scrubbed   bool
}

func newEntry(w domain.DecryptedWallet) *entry {
	return &entry{
		address:    w.Address,
		network:    w.Network,
		kind:       w.Kind,
		autonomous: w.IsAutonomous,
		privateKey: []byte(w.PrivateKey),
		mnemonic:   []byte(w.Mnemonic),
	}
}

func (e *entry) wallet() domain.DecryptedWallet {
	return domain.DecryptedWallet{
		Address:      e.address,
		PrivateKey:   string(e.privateKey),
		Mnemonic:     string(e.mnemonic),
		Network:      e.network,
		Kind:         e.kind,
		IsAutonomous: e.autonomous,
	}
}

func (e *entry) scrub() {
	clear(e.privateKey)
	clear(e.mnemonic)
	e.privateKey, e.mnemonic = nil, nil
	e.scrubbed = true
}

// walletCache is the TTL-bounded decrypted-wallet cache. Every read, write
// and scrub of an entry happens under the lock stripe of its key.
//
// go-cache runs OnEvicted synchronously in the goroutine calling Delete, so
// Delete must never be called while a stripe is held.
//
// Each stripe carries a generation bumped by every eviction. A loader takes
// the generation before reading the store and its write is dropped if an
// eviction happened in between, so a deleted wallet never re-enters the cache.
type walletCache struct {
	c     *cache.Cache
	locks [lockStripes]sync.Mutex
	gens  [lockStripes]uint64

	ttl       time.Duration
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// newWalletCache starts the expiry sweep. close stops it.
func newWalletCache(ttl time.Duration) *walletCache {
	wc := &walletCache{
		// no go-cache janitor: the sweep below is owned and stopped by close
		c:    cache.New(ttl, 0),
		ttl:  ttl,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	wc.c.OnEvicted(func(key string, v any) {
		e, ok := v.(*entry)
		if !ok {
			return
		}
		mu := wc.lock(key)
		mu.Lock()
		e.scrub()
		mu.Unlock()
	})
	go wc.sweep()
	return wc
}

func (wc *walletCache) sweep() {
	defer close(wc.done)
	ticker := time.NewTicker(max(wc.ttl/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-wc.stop:
			return
		case <-ticker.C:
			wc.c.DeleteExpired()
		}
	}
}

func cacheKey(userID, address string) string {
	return userID + ":" + address
}

// lookupKey folds EVM hex addresses so checksummed and lowercase forms share an entry.
func lookupKey(userID, address string) string {
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		return cacheKey(userID, strings.ToLower(address))
	}
	return cacheKey(userID, address)
}

func stripe(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockStripes
}

func (wc *walletCache) lock(key string) *sync.Mutex {
	return &wc.locks[stripe(key)]
}

// generation returns the eviction generation of key's stripe.
func (wc *walletCache) generation(key string) uint64 {
	i := stripe(key)
	wc.locks[i].Lock()
	defer wc.locks[i].Unlock()
	return wc.gens[i]
}

// get returns a copy of the cached wallet.
func (wc *walletCache) get(key string) (domain.DecryptedWallet, bool) {
	mu := wc.lock(key)
	mu.Lock()
	defer mu.Unlock()

	v, ok := wc.c.Get(key)
	if !ok {
		return domain.DecryptedWallet{}, false
	}
	e := v.(*entry)
	if e.scrubbed {
		return domain.DecryptedWallet{}, false
	}
	return e.wallet(), true
}

// put stores w, scrubbing any entry it replaces. go-cache does not call
// OnEvicted on overwrite.
func (wc *walletCache) put(key string, w domain.DecryptedWallet) {
	mu := wc.lock(key)
	mu.Lock()
	defer mu.Unlock()
	wc.store(key, w)
}

// putIfCurrent stores w only if no eviction hit key's stripe since gen was taken.
func (wc *walletCache) putIfCurrent(key string, w domain.DecryptedWallet, gen uint64) bool {
	i := stripe(key)
	wc.locks[i].Lock()
	defer wc.locks[i].Unlock()
	if wc.gens[i] != gen {
		return false
	}
	wc.store(key, w)
	return true
}

// store must be called with key's stripe held.
func (wc *walletCache) store(key string, w domain.DecryptedWallet) {
	old, found := wc.c.Get(key)
	wc.c.SetDefault(key, newEntry(w))
	if found {
		old.(*entry).scrub()
	}
}

// setAutonomous updates the flag on a cached entry, if present.
func (wc *walletCache) setAutonomous(key string, enabled bool) {
	mu := wc.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if v, ok := wc.c.Get(key); ok {
		v.(*entry).autonomous = enabled
	}
}

// evict removes key. OnEvicted scrubs the entry.
func (wc *walletCache) evict(key string) {
	i := stripe(key)
	wc.locks[i].Lock()
	wc.gens[i]++
	wc.locks[i].Unlock()

	wc.c.Delete(key)
}

func (wc *walletCache) len() int {
	return wc.c.ItemCount()
}

// flush evicts every entry through OnEvicted. cache.Flush skips the callback.
func (wc *walletCache) flush() {
	for i := range wc.locks {
		wc.locks[i].Lock()
		wc.gens[i]++
		wc.locks[i].Unlock()
	}
	for key := range wc.c.Items() {
		wc.c.Delete(key)
	}
}

// close stops the expiry sweep and scrubs every entry.
func (wc *walletCache) close() {
	wc.closeOnce.Do(func() {
		close(wc.stop)
		<-wc.done
		wc.flush()
	})
}
