package doh

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/https-dns/pkg/dnstest"
)

func newTestUpstream(t *testing.T, rawURL string, tlsConfig *tls.Config, opts TransportOpts) *Upstream {
	t.Helper()
	opts.TLSConfig = tlsConfig
	tr, err := NewTransport(opts)
	require.NoError(t, err)
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	up := NewUpstream(u, tr, UpstreamOpts{SetAccept: true})
	t.Cleanup(func() { up.Close() })
	return up
}

func TestUpstream_ExchangeContext(t *testing.T) {
	s := dnstest.NewDoHServer(t, dnstest.StaticA(300, "192.0.2.1"))
	u := newTestUpstream(t, s.URL+"/dns-query", s.TLSConfig(), TransportOpts{})

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 1234

	r, err := u.ExchangeContext(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, uint16(1234), q.Id, "query must not be modified")
	assert.Equal(t, uint16(0), r.Id, "query id should be 0 on the wire")
	assert.Equal(t, q.Question, r.Question)
	require.Len(t, r.Answer, 1)
	assert.Equal(t, "192.0.2.1", r.Answer[0].(*dns.A).A.String())
	assert.Equal(t, 1, s.Count())
}

func TestUpstream_Headers(t *testing.T) {
	var got http.Header
	s := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = req.Header.Clone()
		b, _ := io.ReadAll(req.Body)
		q := new(dns.Msg)
		_ = q.Unpack(b)
		r := new(dns.Msg)
		r.SetReply(q)
		wire, _ := r.Pack()
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(wire)
	}))
	defer s.Close()

	u := newTestUpstream(t, s.URL, s.Client().Transport.(*http.Transport).TLSClientConfig, TransportOpts{})
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	_, err := u.ExchangeContext(context.Background(), q)
	require.NoError(t, err)

	assert.Equal(t, "application/dns-message", got.Get("Content-Type"))
	assert.Equal(t, "application/dns-message", got.Get("Accept"))
	assert.Equal(t, "gzip, br", got.Get("Accept-Encoding"))
	assert.Contains(t, got.Get("User-Agent"), "https-dns/")
}

func newRawServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, *Upstream) {
	s := httptest.NewTLSServer(h)
	t.Cleanup(s.Close)
	return s, newTestUpstream(t, s.URL, s.Client().Transport.(*http.Transport).TLSClientConfig, TransportOpts{})
}

func packedReply(t *testing.T) []byte {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	r := new(dns.Msg)
	r.SetReply(q)
	r.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: "example.com.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   net.IPv4(192, 0, 2, 7),
	}}
	b, err := r.Pack()
	require.NoError(t, err)
	return b
}

func TestUpstream_ContentEncoding(t *testing.T) {
	wire := packedReply(t)

	compress := map[string]func([]byte) []byte{
		"gzip": func(b []byte) []byte {
			buf := new(bytes.Buffer)
			w := gzip.NewWriter(buf)
			w.Write(b)
			w.Close()
			return buf.Bytes()
		},
		"br": func(b []byte) []byte {
			buf := new(bytes.Buffer)
			w := brotli.NewWriter(buf)
			w.Write(b)
			w.Close()
			return buf.Bytes()
		},
		"identity": func(b []byte) []byte { return b },
	}

	for enc, f := range compress {
		t.Run(enc, func(t *testing.T) {
			_, u := newRawServer(t, func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("Content-Type", "application/dns-message")
				w.Header().Set("Content-Encoding", enc)
				w.Write(f(wire))
			})
			q := new(dns.Msg)
			q.SetQuestion("example.com.", dns.TypeA)
			r, err := u.ExchangeContext(context.Background(), q)
			require.NoError(t, err)
			require.Len(t, r.Answer, 1)
			assert.Equal(t, "192.0.2.7", r.Answer[0].(*dns.A).A.String())
		})
	}
}

func TestUpstream_BadResponses(t *testing.T) {
	wire := packedReply(t)
	tests := []struct {
		name    string
		h       http.HandlerFunc
		wantErr error
	}{
		{"status", func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusBadGateway)
		}, nil},
		{"content type", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Write(wire)
		}, nil},
		{"empty", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/dns-message")
		}, ErrEmptyResponse},
		{"too large", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/dns-message")
			w.Write(make([]byte, dns.MaxMsgSize+1))
		}, ErrResponseTooLarge},
		{"malformed", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/dns-message")
			w.Write(wire[:len(wire)-3])
		}, nil},
		{"encoding", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/dns-message")
			w.Header().Set("Content-Encoding", "zstd")
			w.Write(wire)
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, u := newRawServer(t, tt.h)
			q := new(dns.Msg)
			q.SetQuestion("example.com.", dns.TypeA)
			_, err := u.ExchangeContext(context.Background(), q)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}

func TestUpstream_Timeout(t *testing.T) {
	done := make(chan struct{})
	s := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-done:
		case <-req.Context().Done():
		}
	}))
	defer s.Close()
	defer close(done)

	tr, err := NewTransport(TransportOpts{TLSConfig: s.Client().Transport.(*http.Transport).TLSClientConfig})
	require.NoError(t, err)
	u, _ := url.Parse(s.URL)
	up := NewUpstream(u, tr, UpstreamOpts{Timeout: 100 * time.Millisecond})
	defer up.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	start := time.Now()
	_, err = up.ExchangeContext(context.Background(), q)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestTransport_Pinning(t *testing.T) {
	s := dnstest.NewDoHServer(t, dnstest.StaticA(300, "192.0.2.1"))

	// "example.com" is never resolved, it is pinned to the test server.
	u := newTestUpstream(t, "https://example.com:"+s.Port()+"/dns-query", s.TLSConfig(), TransportOpts{
		PinnedHost: "example.com",
		PinnedAddr: netip.MustParseAddr("127.0.0.1"),
	})
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	_, err := u.ExchangeContext(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Count())
}

func TestTransportOpts_DialAddr(t *testing.T) {
	opts := TransportOpts{PinnedHost: "dns.google", PinnedAddr: netip.MustParseAddr("2001:4860:4860::8888")}
	assert.Equal(t, "[2001:4860:4860::8888]:443", opts.DialAddr("dns.google:443"))
	assert.Equal(t, "[2001:4860:4860::8888]:443", opts.DialAddr("DNS.google:443"))
	assert.Equal(t, "example.com:443", opts.DialAddr("example.com:443"))
	assert.Equal(t, "garbage", opts.DialAddr("garbage"))

	var empty TransportOpts
	assert.Equal(t, "dns.google:443", empty.DialAddr("dns.google:443"))
}
