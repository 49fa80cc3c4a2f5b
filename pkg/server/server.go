package server

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrServerClosed   = errors.New("server closed")
	errMissingHandler = errors.New("missing handler")
)

var nopLogger = zap.NewNop()

// Handler answers queries. A Handler must be safe for concurrent use.
// If Process returns an error, no reply will be sent.
type Handler interface {
	Process(ctx context.Context, q *dns.Msg) (*dns.Msg, error)
}

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// Handler is required.
	Handler Handler

	// MaxConcurrent limits the number of queries that are handled at the
	// same time. The read loop blocks when the limit is reached.
	// Zero means no limit.
	MaxConcurrent int

	// MetricsReg registers the server metrics. Optional.
	MetricsReg prometheus.Registerer
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.MaxConcurrent < 0 {
		opts.MaxConcurrent = 0
	}
}

type Server struct {
	opts ServerOpts
	sem  *semaphore.Weighted

	m             sync.Mutex
	closed        bool
	closerTracker map[io.Closer]struct{}
	wg            sync.WaitGroup

	datagramTotal   prometheus.Counter
	malformedTotal  prometheus.Counter
	replyTotal      prometheus.Counter
	handlerErrTotal prometheus.Counter
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	s := &Server{
		opts: opts,
		datagramTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_datagram_total",
			Help: "The total number of received datagrams",
		}),
		malformedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_malformed_total",
			Help: "The total number of datagrams that are not valid dns messages",
		}),
		replyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_reply_total",
			Help: "The total number of replies sent",
		}),
		handlerErrTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "server_handler_err_total",
			Help: "The total number of queries that the handler failed to answer",
		}),
	}
	if opts.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	if reg := opts.MetricsReg; reg != nil {
		reg.MustRegister(s.datagramTotal, s.malformedTotal, s.replyTotal, s.handlerErrTotal)
	}
	return s
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

// trackCloser adds or removes c to the Server and return true if Server is not closed.
// A tracked c is counted in s.wg until it is removed, so goroutines started by
// its serve loop can be added to s.wg while Close waits.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
		s.wg.Add(1)
	} else {
		delete(s.closerTracker, c)
		s.wg.Done()
	}
	return true
}

// Close closes the Server and all its inner listeners, then waits for the
// serve loops and in-flight queries.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true

	closers := make([]io.Closer, 0, len(s.closerTracker))
	for c := range s.closerTracker {
		closers = append(closers, c)
	}
	s.closerTracker = nil
	s.m.Unlock()

	// Closers may call back into the server, never close them with s.m held.
	for _, c := range closers {
		_ = c.Close()
	}
	s.wg.Wait()
}
