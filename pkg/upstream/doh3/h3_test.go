package doh3

import (
	"context"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/https-dns/pkg/upstream/doh"
)

func TestNewTransport(t *testing.T) {
	tr := NewTransport(doh.TransportOpts{PinnedHost: "dns.google", PinnedAddr: netip.MustParseAddr("8.8.8.8")})
	defer tr.Close()

	assert.True(t, tr.DisableCompression)
	require.NotNil(t, tr.TLSClientConfig)
	require.NotNil(t, tr.QUICConfig)
	assert.Equal(t, defaultIdleTimeout, tr.QUICConfig.MaxIdleTimeout)
	assert.NotNil(t, tr.Dial)
}

func TestUpstream_Unreachable(t *testing.T) {
	// Nothing listens on the discard port, the exchange must fail within
	// the exchange timeout.
	tr := NewTransport(doh.TransportOpts{
		PinnedHost: "dns.example",
		PinnedAddr: netip.MustParseAddr("127.0.0.1"),
	})
	u, err := url.Parse("https://dns.example:9/dns-query")
	require.NoError(t, err)
	up := doh.NewUpstream(u, tr, doh.UpstreamOpts{Timeout: 300 * time.Millisecond})
	defer up.Close()

	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	_, err = up.ExchangeContext(context.Background(), q)
	assert.Error(t, err)
}
