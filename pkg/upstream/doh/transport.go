package doh

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/pmkol/https-dns/pkg/utils"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultIdleTimeout = 90 * time.Second
)

type TransportOpts struct {
	// TLSConfig is cloned and used for every connection. Optional.
	TLSConfig *tls.Config

	// PinnedHost, if not empty, is always dialed at PinnedAddr instead of
	// being resolved. TLS still verifies the certificate against PinnedHost.
	PinnedHost string
	PinnedAddr netip.Addr

	DialTimeout time.Duration
	IdleTimeout time.Duration
}

func (opts *TransportOpts) init() {
	utils.SetDefaultNum(&opts.DialTimeout, defaultDialTimeout)
	utils.SetDefaultNum(&opts.IdleTimeout, defaultIdleTimeout)
}

// DialAddr rewrites a "host:port" address to the pinned address if host
// is the pinned host.
func (opts *TransportOpts) DialAddr(addr string) string {
	if len(opts.PinnedHost) == 0 || !opts.PinnedAddr.IsValid() {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || !strings.EqualFold(host, opts.PinnedHost) {
		return addr
	}
	return net.JoinHostPort(opts.PinnedAddr.String(), port)
}

// ClientTLSConfig returns a copy of opts.TLSConfig with safe defaults.
func (opts *TransportOpts) ClientTLSConfig() *tls.Config {
	var c *tls.Config
	if opts.TLSConfig != nil {
		c = opts.TLSConfig.Clone()
	} else {
		c = new(tls.Config)
	}
	if c.MinVersion == 0 {
		c.MinVersion = tls.VersionTLS12
	}
	if c.ClientSessionCache == nil {
		c.ClientSessionCache = tls.NewLRUClientSessionCache(64)
	}
	return c
}

// NewTransport returns a pooled https transport that speaks h2 when the
// server supports it and http/1.1 otherwise. Compression is left to the
// caller, see Upstream.
func NewTransport(opts TransportOpts) (*http.Transport, error) {
	opts.init()
	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, opts.DialAddr(addr))
		},
		TLSClientConfig:     opts.ClientTLSConfig(),
		TLSHandshakeTimeout: opts.DialTimeout,
		IdleConnTimeout:     opts.IdleTimeout,
		MaxIdleConnsPerHost: 16,
		DisableCompression:  true,
	}

	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		return nil, fmt.Errorf("failed to configure h2 transport: %w", err)
	}
	h2.ReadIdleTimeout = 30 * time.Second
	h2.PingTimeout = 5 * time.Second
	return t, nil
}
