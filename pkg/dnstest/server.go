// Package dnstest provides a DNS-over-HTTPS server simulator for tests.
package dnstest

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/miekg/dns"
)

// Handler returns the response for q. A nil response makes the server reply
// with http 500.
type Handler func(q *dns.Msg) *dns.Msg

// DoHServer is a RFC 8484 POST only DoH server backed by httptest.
type DoHServer struct {
	*httptest.Server

	count atomic.Int64
}

// NewDoHServer starts a TLS DoH server that serves h on any path. The server
// speaks h2 and http/1.1 and is closed when the test ends.
func NewDoHServer(t testing.TB, h Handler) *DoHServer {
	s := new(DoHServer)
	s.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.count.Add(1)
		if req.Method != http.MethodPost || req.Header.Get("Content-Type") != "application/dns-message" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		q := new(dns.Msg)
		if err := q.Unpack(body); err != nil {
			t.Errorf("dnstest: invalid query: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r := h(q)
		if r == nil {
			http.Error(w, "no response", http.StatusInternalServerError)
			return
		}
		b, err := r.Pack()
		if err != nil {
			t.Errorf("dnstest: failed to pack response: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/dns-message")
		_, _ = w.Write(b)
	}))
	s.EnableHTTP2 = true
	s.StartTLS()
	t.Cleanup(s.Close)
	return s
}

// Count returns the number of http requests the server received.
func (s *DoHServer) Count() int {
	return int(s.count.Load())
}

// Port returns the listening port of s.
func (s *DoHServer) Port() string {
	_, port, _ := net.SplitHostPort(s.Listener.Addr().String())
	return port
}

// TLSConfig returns a client config that trusts the server certificate.
// The certificate is valid for "example.com", 127.0.0.1 and ::1.
func (s *DoHServer) TLSConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(s.Certificate())
	return &tls.Config{RootCAs: pool}
}

// StaticA returns a Handler that answers every A query with ips.
// Other query types get an empty NOERROR response.
func StaticA(ttl uint32, ips ...string) Handler {
	return func(q *dns.Msg) *dns.Msg {
		r := new(dns.Msg)
		r.SetReply(q)
		if len(q.Question) != 1 || q.Question[0].Qtype != dns.TypeA {
			return r
		}
		for _, ip := range ips {
			r.Answer = append(r.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   net.ParseIP(ip),
			})
		}
		return r
	}
}
