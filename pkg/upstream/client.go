// Package upstream implements the DoH upstream client: responses are served
// from the cache when possible and fetched from the DoH server otherwise.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/https-dns/pkg/bootstrap"
	"github.com/pmkol/https-dns/pkg/cache"
	"github.com/pmkol/https-dns/pkg/upstream/doh"
	"github.com/pmkol/https-dns/pkg/upstream/doh3"
)

var (
	ErrNotHTTPS    = doh.ErrNotHTTPS
	ErrMissingHost = errors.New("upstream url has no host")
)

var nopLogger = zap.NewNop()

type Opts struct {
	// URL of the DoH server, e.g. "https://dns.google/dns-query". Required.
	URL string

	// Bootstrap is the DoH endpoint used to resolve the host of URL.
	// Empty means bootstrap.DefaultEndpoint. Not used if the host of URL
	// is an IP literal.
	Bootstrap string

	// HTTP3 sends queries over HTTP/3 instead of h2 or http/1.1.
	HTTP3 bool

	// TLSConfig for connections to the DoH and the bootstrap server. Optional.
	TLSConfig *tls.Config

	// Timeout of an exchange. Default is doh.DefaultTimeout.
	Timeout time.Duration

	Cache cache.Opts

	// MetricsReg registers the client and cache metrics. Optional.
	MetricsReg prometheus.Registerer

	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger
}

// Client forwards queries to one DoH server. All fields are immutable after
// NewClient, a Client is safe for concurrent use.
type Client struct {
	logger     *zap.Logger
	url        *url.URL
	pinnedAddr netip.Addr
	upstream   *doh.Upstream
	cache      *cache.Cache
	sf         singleflight.Group

	queryTotal      prometheus.Counter
	cacheHitTotal   prometheus.Counter
	errTotal        prometheus.Counter
	responseLatency prometheus.Histogram
}

// NewClient builds a Client for opts.URL. If the host of the url is not an
// IP literal, it is resolved once with the bootstrap resolver and then
// pinned for the lifetime of the Client.
func NewClient(ctx context.Context, opts Opts) (*Client, error) {
	lg := opts.Logger
	if lg == nil {
		lg = nopLogger
	}

	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream url %s: %w", opts.URL, ErrNotHTTPS)
	}
	host := u.Hostname()
	if len(host) == 0 {
		return nil, fmt.Errorf("invalid upstream url %s: %w", opts.URL, ErrMissingHost)
	}

	topts := doh.TransportOpts{TLSConfig: opts.TLSConfig}
	if _, err := netip.ParseAddr(host); err != nil {
		br, err := bootstrap.New(bootstrap.Opts{TLSConfig: opts.TLSConfig, Timeout: opts.Timeout, Logger: lg})
		if err != nil {
			return nil, fmt.Errorf("failed to init bootstrap resolver: %w", err)
		}
		addr, err := br.Bootstrap(ctx, host, opts.Bootstrap)
		br.Close()
		if err != nil {
			return nil, err
		}
		topts.PinnedHost = host
		topts.PinnedAddr = addr
	}

	var t http.RoundTripper
	if opts.HTTP3 {
		t = doh3.NewTransport(topts)
	} else {
		t, err = doh.NewTransport(topts)
		if err != nil {
			return nil, err
		}
	}

	if opts.Cache.Logger == nil {
		opts.Cache.Logger = lg
	}
	if opts.Cache.MetricsReg == nil {
		opts.Cache.MetricsReg = opts.MetricsReg
	}

	c := &Client{
		logger:     lg,
		url:        u,
		pinnedAddr: topts.PinnedAddr,
		upstream:   doh.NewUpstream(u, t, doh.UpstreamOpts{Timeout: opts.Timeout}),
		cache:      cache.New(opts.Cache),
		queryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_query_total",
			Help: "The total number of queries processed by the upstream client",
		}),
		cacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_cache_hit_total",
			Help: "The total number of queries answered from the cache",
		}),
		errTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_err_total",
			Help: "The total number of queries that failed",
		}),
		responseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upstream_response_latency_millisecond",
			Help:    "The response latency of the DoH server in millisecond",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
		}),
	}
	if reg := opts.MetricsReg; reg != nil {
		for _, collector := range [...]prometheus.Collector{c.queryTotal, c.cacheHitTotal, c.errTotal, c.responseLatency} {
			if err := reg.Register(collector); err != nil {
				c.Close()
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
		}
	}

	fields := []zap.Field{zap.Stringer("upstream", u), zap.Bool("http3", opts.HTTP3)}
	if c.pinnedAddr.IsValid() {
		fields = append(fields, zap.Stringer("addr", c.pinnedAddr))
	}
	lg.Info("connected to upstream", fields...)
	return c, nil
}

// Process returns the response of q. A cached response is returned if there
// is a live one, otherwise q is sent to the DoH server and the response is
// cached. The id of the returned message is always q.Id. The returned message
// is owned by the caller.
func (c *Client) Process(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	c.queryTotal.Inc()

	if r, ok := c.cache.Get(q); ok {
		c.cacheHitTotal.Inc()
		r.Id = q.Id
		return r, nil
	}

	r, err := c.fetch(ctx, q)
	if err != nil {
		c.errTotal.Inc()
		return nil, err
	}
	r.Id = q.Id
	return r, nil
}

// fetch exchanges q with the server. Concurrent fetches of the same
// question share one exchange. The shared exchange is not cancelled with
// ctx, it is bounded by the upstream timeout and its response is cached
// even if every caller has gone.
func (c *Client) fetch(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	key, ok := cache.KeyOf(q)
	if !ok {
		return c.exchange(ctx, q)
	}

	sharedCtx := context.WithoutCancel(ctx)
	resC := c.sf.DoChan(key.String(), func() (any, error) {
		return c.exchange(sharedCtx, q)
	})
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case res := <-resC:
		if res.Err != nil {
			return nil, res.Err
		}
		r := res.Val.(*dns.Msg)
		if res.Shared {
			r = r.Copy()
		}
		return r, nil
	}
}

func (c *Client) exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	start := time.Now()
	r, err := c.upstream.ExchangeContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", c.url, err)
	}
	c.responseLatency.Observe(float64(time.Since(start).Milliseconds()))
	c.cache.Put(r)
	return r, nil
}

// PinnedAddr returns the bootstrapped address of the upstream host. It is
// invalid if the host is an IP literal.
func (c *Client) PinnedAddr() netip.Addr {
	return c.pinnedAddr
}

// Cache returns the response cache of c.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// Close closes idle connections and stops the cache cleaner.
func (c *Client) Close() error {
	err := c.upstream.Close()
	c.cache.Close()
	return err
}
