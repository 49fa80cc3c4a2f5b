package dnsutils

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// NewQuery builds a recursive query for name and qtype with a random id.
// name must be a valid domain name, it will be made fully qualified.
func NewQuery(name string, qtype uint16) (*dns.Msg, error) {
	if _, ok := dns.IsDomainName(name); !ok || len(name) == 0 {
		return nil, &InvalidNameError{Name: name}
	}
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), qtype)
	q.Id = RandID()
	q.RecursionDesired = true
	return q, nil
}

// InvalidNameError is returned when a string cannot be used as a domain name.
type InvalidNameError struct {
	Name string
}

func (e *InvalidNameError) Error() string {
	return "invalid domain name " + strconv.Quote(e.Name)
}

// RandID returns a random dns message id.
func RandID() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// GetMinimalAnswerTTL returns the smallest TTL in the answer section.
// ok is false if the answer section is empty.
func GetMinimalAnswerTTL(m *dns.Msg) (ttl uint32, ok bool) {
	for i, rr := range m.Answer {
		if t := rr.Header().Ttl; i == 0 || t < ttl {
			ttl = t
		}
	}
	return ttl, len(m.Answer) > 0
}

// QuestionString formats q as "name class type".
func QuestionString(q dns.Question) string {
	var sb strings.Builder
	sb.Grow(len(q.Name) + 16)
	sb.WriteString(q.Name)
	sb.WriteByte(' ')
	sb.WriteString(QclassToString(q.Qclass))
	sb.WriteByte(' ')
	sb.WriteString(QtypeToString(q.Qtype))
	return sb.String()
}

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}
