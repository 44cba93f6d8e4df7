package dnsd

import (
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/miekg/dns"
)

// floorTTL is the expiry floor applied when every record contributing to a
// stored message has a non-positive TTL (see Design Notes, "empty TTL
// handling").
const floorTTL = 60 * time.Second

var defaultSweepInterval = time.Minute

type cacheKey struct {
	name  string
	qtype uint16
}

func newCacheKey(name string, qtype uint16) cacheKey {
	return cacheKey{name: normalizeName(name), qtype: qtype}
}

type cacheEntry struct {
	msg    *dns.Msg
	expiry time.Time
}

func (ce *cacheEntry) expired(clk clock.Clock) bool {
	return !clk.Now().Before(ce.expiry)
}

// minTTL computes the cache expiry duration for msg: the minimum TTL across
// its answer, authority, and additional sections. The 60s floor applies
// only when every contributing record has TTL<=0.
func minTTL(msg *dns.Msg) time.Duration {
	var min uint32
	have := false
	allNonPositive := true

	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			ttl := rr.Header().Ttl
			if ttl <= 0 {
				continue
			}
			allNonPositive = false
			if !have || ttl < min {
				min = ttl
				have = true
			}
		}
	}
	if !have || allNonPositive {
		return floorTTL
	}
	return time.Duration(min) * time.Second
}

// Cache is a thread-safe, TTL-aware store of previously observed DNS
// responses, keyed by (normalized qname, qtype). All reads and writes
// execute under a single mutex; CNAME stitching performs both of its map
// probes under that same critical section, never invoking resolution while
// holding the lock.
type Cache struct {
	mu    sync.Mutex
	cache map[cacheKey]*cacheEntry
	clk   clock.Clock
}

// NewCache returns an empty Cache using clk as its time source (pass
// clock.Default() in production, clock.NewFake() in tests) and starts its
// background sweeper.
func NewCache(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Default()
	}
	c := &Cache{cache: make(map[cacheKey]*cacheEntry), clk: clk}
	go c.sweepForever()
	return c
}

func (c *Cache) sweepForever() {
	t := time.NewTicker(defaultSweepInterval)
	for range t.C {
		c.Sweep()
	}
}

// Store admits msg into the cache under (qname, qtype). Messages with an
// RCODE other than NOERROR, or with empty answer and authority sections,
// are rejected. Store overwrites any existing entry for the same key.
func (c *Cache) Store(qname string, qtype uint16, msg *dns.Msg) {
	if msg.Rcode != dns.RcodeSuccess {
		return
	}
	if len(msg.Answer) == 0 && len(msg.Ns) == 0 {
		return
	}
	key := newCacheKey(qname, qtype)
	entry := &cacheEntry{msg: msg.Copy(), expiry: c.clk.Now().Add(minTTL(msg))}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = entry
}

// Lookup returns a message answering (qname, qtype) if one is cached and
// unexpired. Failing a direct hit, it attempts a single CNAME hop: if
// (qname, CNAME) and (cname-target, qtype) are both cached and unexpired,
// it synthesizes a reply whose answer section is the CNAME followed by the
// target's answer records. Deeper chains are not stitched; they fall
// through to a cache miss and are re-resolved.
func (c *Cache) Lookup(qname string, qtype uint16) *dns.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.getLocked(newCacheKey(qname, qtype)); ok {
		return entry.msg.Copy()
	}
	if qtype == dns.TypeCNAME {
		return nil
	}

	cnameEntry, ok := c.getLocked(newCacheKey(qname, dns.TypeCNAME))
	if !ok || len(cnameEntry.msg.Answer) == 0 {
		return nil
	}
	cname, ok := cnameEntry.msg.Answer[0].(*dns.CNAME)
	if !ok {
		return nil
	}
	targetEntry, ok := c.getLocked(newCacheKey(cname.Target, qtype))
	if !ok {
		return nil
	}

	combined := cnameEntry.msg.Copy()
	combined.Answer = append(append([]dns.RR{}, cnameEntry.msg.Answer...), targetEntry.msg.Answer...)
	return combined
}

// getLocked returns the unexpired entry for key, dropping it from the map
// first if it has expired. Callers must hold c.mu.
func (c *Cache) getLocked(key cacheKey) (*cacheEntry, bool) {
	entry, ok := c.cache[key]
	if !ok {
		return nil, false
	}
	if entry.expired(c.clk) {
		delete(c.cache, key)
		return nil, false
	}
	return entry, true
}

// Sweep removes every expired entry from the cache. Lookups double-check
// expiry on their own, so correctness never depends on Sweep running
// promptly.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.cache {
		if e.expired(c.clk) {
			delete(c.cache, k)
		}
	}
}
