// Package bootstrap resolves the hostname of a DoH server with DoH itself,
// through an endpoint that is addressed by an IP literal.
package bootstrap

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
	"go.uber.org/zap"

	"github.com/pmkol/https-dns/pkg/dnsutils"
	"github.com/pmkol/https-dns/pkg/upstream/doh"
	"github.com/pmkol/https-dns/pkg/utils"
)

// DefaultEndpoint is used when no endpoint is given to Bootstrap.
const DefaultEndpoint = "https://1.0.0.1/dns-query"

var (
	ErrNoAnswer         = errors.New("the response doesn't contain any answer")
	ErrUnexpectedRecord = errors.New("the first answer is neither A nor AAAA")
)

type Opts struct {
	// TLSConfig for connections to bootstrap endpoints. Optional.
	TLSConfig *tls.Config

	// Timeout of a bootstrap exchange. Default is doh.DefaultTimeout.
	Timeout time.Duration

	// Logger, nil disables logging.
	Logger *zap.Logger
}

type Resolver struct {
	opts      Opts
	logger    *zap.Logger
	transport *http.Transport
}

func New(opts Opts) (*Resolver, error) {
	t, err := doh.NewTransport(doh.TransportOpts{TLSConfig: opts.TLSConfig})
	if err != nil {
		return nil, err
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Resolver{opts: opts, logger: lg, transport: t}, nil
}

// Bootstrap queries the A record of hostname from endpoint, or
// DefaultEndpoint if endpoint is empty, and returns the address of the
// first answer.
func (r *Resolver) Bootstrap(ctx context.Context, hostname, endpoint string) (netip.Addr, error) {
	utils.SetDefaultString(&endpoint, DefaultEndpoint)
	u, err := url.Parse(endpoint)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid bootstrap endpoint: %w", err)
	}
	if u.Scheme != "https" {
		return netip.Addr{}, fmt.Errorf("invalid bootstrap endpoint %s: %w", endpoint, doh.ErrNotHTTPS)
	}

	q, err := dnsutils.NewQuery(hostname, dns.TypeA)
	if err != nil {
		return netip.Addr{}, err
	}

	up := doh.NewUpstream(u, r.transport, doh.UpstreamOpts{Timeout: r.opts.Timeout, SetAccept: true})
	resp, err := up.ExchangeContext(ctx, q)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("bootstrap exchange with %s failed: %w", endpoint, err)
	}

	addr, err := firstAddr(resp)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to bootstrap %s: %w", hostname, err)
	}
	r.logger.Info("bootstrapped", zap.String("host", hostname), zap.Stringer("addr", addr), zap.String("endpoint", endpoint))
	return addr, nil
}

func firstAddr(m *dns.Msg) (netip.Addr, error) {
	if len(m.Answer) == 0 {
		return netip.Addr{}, ErrNoAnswer
	}
	var addr netip.Addr
	var ok bool
	switch rr := m.Answer[0].(type) {
	case *dns.A:
		addr, ok = netip.AddrFromSlice(rr.A.To4())
	case *dns.AAAA:
		addr, ok = netip.AddrFromSlice(rr.AAAA)
	default:
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrUnexpectedRecord, dns.TypeToString[rr.Header().Rrtype])
	}
	if !ok {
		return netip.Addr{}, ErrUnexpectedRecord
	}
	return addr, nil
}

// Close closes idle connections to bootstrap endpoints.
func (r *Resolver) Close() error {
	r.transport.CloseIdleConnections()
	return nil
}
