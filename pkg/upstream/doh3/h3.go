package doh3

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/pmkol/https-dns/pkg/upstream/doh"
)

const (
	keepAlivePeriod    = 15 * time.Second
	defaultIdleTimeout = 90 * time.Second
)

// NewTransport returns a HTTP/3 transport that can be used by doh.NewUpstream.
// Pinning in opts rewrites the QUIC dial address. The server name used for
// certificate verification is not changed.
func NewTransport(opts doh.TransportOpts) *http3.Transport {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &http3.Transport{
		TLSClientConfig: opts.ClientTLSConfig(),
		QUICConfig: &quic.Config{
			MaxIdleTimeout:  idle,
			KeepAlivePeriod: keepAlivePeriod,
		},
		Dial: func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
			return quic.DialAddrEarly(ctx, opts.DialAddr(addr), tlsCfg, cfg)
		},
		DisableCompression: true,
	}
}
