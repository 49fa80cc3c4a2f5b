package doh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/miekg/dns"

	C "github.com/pmkol/https-dns/constant"
	"github.com/pmkol/https-dns/pkg/pool"
)

const (
	dnsContentType = "application/dns-message"

	// DefaultTimeout bounds a whole exchange, including reading the body.
	DefaultTimeout = 10 * time.Second
)

var defaultUserAgent = fmt.Sprintf("https-dns/%s", C.Version)

var (
	ErrEmptyResponse    = errors.New("empty response")
	ErrResponseTooLarge = errors.New("response too large")
	ErrNotHTTPS         = errors.New("url scheme is not https")
)

// Upstream sends RFC 8484 POST queries over a http.RoundTripper.
// The RoundTripper can be a *http.Transport from NewTransport or a
// *http3.Transport.
type Upstream struct {
	urlStr    string
	transport http.RoundTripper
	timeout   time.Duration
	accept    bool
}

type UpstreamOpts struct {
	// Timeout of one exchange. Default is DefaultTimeout.
	Timeout time.Duration

	// SetAccept adds the "Accept: application/dns-message" header.
	SetAccept bool
}

func NewUpstream(u *url.URL, transport http.RoundTripper, opts UpstreamOpts) *Upstream {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Upstream{
		urlStr:    u.String(),
		transport: transport,
		timeout:   opts.Timeout,
		accept:    opts.SetAccept,
	}
}

// ExchangeContext sends q and returns the decoded response. q is not
// modified. The id of q is sent as 0 and the response id is whatever the
// server replied.
func (u *Upstream) ExchangeContext(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	wireQ := *q
	wireQ.Id = 0
	wire, buf, err := pool.PackBuffer(&wireQ)
	if err != nil {
		return nil, fmt.Errorf("failed to pack query: %w", err)
	}
	defer buf.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.urlStr, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dnsContentType)
	if u.accept {
		req.Header.Set("Accept", dnsContentType)
	}
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("User-Agent", defaultUserAgent)

	res, err := u.transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("http %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, dnsContentType) {
		return nil, fmt.Errorf("invalid content-type: %s", ct)
	}

	body, err := decodeBody(res)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	b, err := io.ReadAll(io.LimitReader(body, dns.MaxMsgSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(b) == 0 {
		return nil, ErrEmptyResponse
	}
	if len(b) > dns.MaxMsgSize {
		return nil, ErrResponseTooLarge
	}

	r := new(dns.Msg)
	if err := r.Unpack(b); err != nil {
		return nil, fmt.Errorf("failed to unpack response: %w", err)
	}
	return r, nil
}

func decodeBody(res *http.Response) (io.ReadCloser, error) {
	switch enc := strings.ToLower(strings.TrimSpace(res.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return io.NopCloser(res.Body), nil
	case "gzip":
		gr, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		return gr, nil
	case "br":
		return io.NopCloser(brotli.NewReader(res.Body)), nil
	default:
		return nil, fmt.Errorf("unsupported content-encoding: %s", enc)
	}
}

// Close closes idle connections of the transport.
func (u *Upstream) Close() error {
	if c, ok := u.transport.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	if c, ok := u.transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
