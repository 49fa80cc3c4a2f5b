package cache

import (
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/https-dns/pkg/dnsutils"
	"github.com/pmkol/https-dns/pkg/lru"
	"github.com/pmkol/https-dns/pkg/utils"
)

const (
	shardNum = 64

	defaultSize            = 4096
	defaultNegativeTTL     = 30 * time.Second
	defaultCleanerInterval = time.Minute
)

var nopLogger = zap.NewNop()

// Key identifies a cached response. Name is always lower case and fully
// qualified.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// KeyOf returns the cache key of m. Only messages that carry exactly one
// question have a key.
func KeyOf(m *dns.Msg) (Key, bool) {
	if len(m.Question) != 1 {
		return Key{}, false
	}
	q := m.Question[0]
	return Key{
		Name:   dns.CanonicalName(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
	}, true
}

func (k Key) String() string {
	return dnsutils.QuestionString(dns.Question{Name: k.Name, Qtype: k.Qtype, Qclass: k.Qclass})
}

type Opts struct {
	// Size is the maximum number of entries. Default is 4096.
	Size int

	// NegativeTTL is how long a NOERROR or NXDOMAIN response without any
	// answer is cached. Zero means the default (30s). A negative value
	// disables caching of such responses.
	NegativeTTL time.Duration

	// CleanerInterval is the interval of the background sweep of expired
	// entries. Zero means the default (1m). A negative value disables the
	// cleaner, expired entries are then only removed by Get or evicted.
	CleanerInterval time.Duration

	// MetricsReg registers the cache metrics. Optional.
	MetricsReg prometheus.Registerer

	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger
}

func (opts *Opts) init() {
	utils.SetDefaultNum(&opts.Size, defaultSize)
	utils.SetDefaultNum(&opts.NegativeTTL, defaultNegativeTTL)
	utils.SetDefaultNum(&opts.CleanerInterval, defaultCleanerInterval)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Cache is a response cache that honours dns ttl. It is safe for
// concurrent use.
//
// An entry expires after the minimal ttl of its answer records. Get never
// returns an expired entry: it is removed by the lookup that finds it, or
// earlier by the cleaner.
type Cache struct {
	opts Opts
	now  func() time.Time

	closeOnce   sync.Once
	closeNotify chan struct{}

	lru *lru.ShardedLRU[Key, *elem]
}

type elem struct {
	packet []byte
	expire time.Time
}

func New(opts Opts) *Cache {
	opts.init()
	sizePerShard := opts.Size / shardNum
	if sizePerShard < 1 {
		sizePerShard = 1
	}

	c := &Cache{
		opts:        opts,
		now:         time.Now,
		closeNotify: make(chan struct{}),
		lru:         lru.NewShardedLRU[Key, *elem](shardNum, sizePerShard, nil),
	}

	if reg := opts.MetricsReg; reg != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cache_size",
			Help: "Current number of cached responses",
		}, func() float64 { return float64(c.Len()) }))
	}

	if opts.CleanerInterval > 0 {
		go c.cleanerLoop(opts.CleanerInterval)
	}
	return c
}

// Get returns a copy of the cached response of q.
func (c *Cache) Get(q *dns.Msg) (*dns.Msg, bool) {
	key, ok := KeyOf(q)
	if !ok {
		return nil, false
	}

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expire) {
		// Only remove e itself, a concurrent Put may already have replaced it.
		c.lru.DelIf(key, func(v *elem) bool { return v == e })
		return nil, false
	}

	r := new(dns.Msg)
	if err := r.Unpack(e.packet); err != nil {
		c.opts.Logger.Error("failed to unpack cached response", zap.Stringer("key", key), zap.Error(err))
		c.lru.Del(key)
		return nil, false
	}
	return r, true
}

// Put stores r under the key of its own question section. It reports whether
// r was stored. Responses that are truncated, failed (rcode other than
// NOERROR and NXDOMAIN), or whose minimal answer ttl is 0 are never stored.
// Responses without answers are stored for Opts.NegativeTTL.
func (c *Cache) Put(r *dns.Msg) bool {
	key, ok := KeyOf(r)
	if !ok {
		return false
	}
	ttl, ok := c.ttlOf(r)
	if !ok {
		return false
	}

	packet, err := r.Pack()
	if err != nil {
		c.opts.Logger.Warn("failed to pack response", zap.Stringer("key", key), zap.Error(err))
		return false
	}
	c.lru.Add(key, &elem{
		packet: packet,
		expire: c.now().Add(ttl),
	})
	return true
}

func (c *Cache) ttlOf(r *dns.Msg) (time.Duration, bool) {
	if r.Truncated {
		return 0, false
	}
	switch r.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError:
	default:
		return 0, false
	}

	if ttl, ok := dnsutils.GetMinimalAnswerTTL(r); ok {
		if ttl == 0 {
			return 0, false
		}
		return time.Duration(ttl) * time.Second, true
	}

	if c.opts.NegativeTTL < 0 {
		return 0, false
	}
	return c.opts.NegativeTTL, true
}

// Len returns the number of entries, including expired ones that were not
// removed yet.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Flush removes all entries.
func (c *Cache) Flush() {
	c.lru.Flush()
}

// Close stops the cleaner.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.closeNotify)
	})
	return nil
}

func (c *Cache) cleanerLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeNotify:
			return
		case <-ticker.C:
			if removed := c.clean(); removed > 0 {
				c.opts.Logger.Debug("expired responses removed", zap.Int("removed", removed))
			}
		}
	}
}

func (c *Cache) clean() int {
	now := c.now()
	return c.lru.Clean(func(_ Key, e *elem) bool {
		return !now.Before(e.expire)
	})
}
