package coremain

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pmkol/https-dns/mlog"
	"github.com/pmkol/https-dns/pkg/cache"
	"github.com/pmkol/https-dns/pkg/safe_close"
	"github.com/pmkol/https-dns/pkg/server"
	"github.com/pmkol/https-dns/pkg/upstream"
)

// bootstrapTimeout bounds NewProxy when the upstream host has to be
// bootstrapped.
const bootstrapTimeout = 30 * time.Second

type Proxy struct {
	logger *zap.Logger

	client *upstream.Client
	server *server.Server
	conn   net.PacketConn

	apiAddr string
	apiMux  *chi.Mux

	metricsReg *prometheus.Registry

	sc *safe_close.SafeClose
}

// NewProxy builds the upstream client and binds the listener. Errors are
// fatal: bad config, bootstrap failure or bind failure.
func NewProxy(cfg *Config) (*Proxy, error) {
	return newProxy(cfg, nil)
}

func newProxy(cfg *Config, tlsConfig *tls.Config) (*Proxy, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	mlog.SetLogger(lg)

	p := &Proxy{
		logger:     lg,
		apiAddr:    cfg.API.HTTP,
		metricsReg: newMetricsReg(),
		sc:         safe_close.NewSafeClose(),
	}
	reg := p.GetMetricsReg()

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()
	p.client, err = upstream.NewClient(ctx, upstream.Opts{
		URL:       cfg.Upstream.URL,
		Bootstrap: cfg.Upstream.Bootstrap,
		HTTP3:     cfg.Upstream.HTTP3,
		TLSConfig: tlsConfig,
		Timeout:   cfg.Upstream.Timeout,
		Cache: cache.Opts{
			Size:            cfg.Cache.Size,
			NegativeTTL:     cfg.Cache.NegativeTTL,
			CleanerInterval: cfg.Cache.CleanerInterval,
			Logger:          lg.Named("cache"),
		},
		MetricsReg: reg,
		Logger:     lg.Named("upstream"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init upstream: %w", err)
	}

	p.conn, err = server.ListenUDP(context.Background(), cfg.Listen.Addr)
	if err != nil {
		p.client.Close()
		return nil, err
	}
	p.server = server.NewServer(server.ServerOpts{
		Logger:        lg.Named("server"),
		Handler:       p.client,
		MaxConcurrent: cfg.Listen.MaxConcurrent,
		MetricsReg:    reg,
	})

	p.apiMux = p.newAPIRouter()
	return p, nil
}

func (p *Proxy) newAPIRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(p.metricsReg, promhttp.HandlerOpts{}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/cache/flush", func(w http.ResponseWriter, _ *http.Request) {
		p.client.Cache().Flush()
		p.logger.Info("cache flushed")
		w.Write([]byte("flushed"))
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

// LocalAddr returns the bound udp address.
func (p *Proxy) LocalAddr() net.Addr {
	return p.conn.LocalAddr()
}

// Run serves until Close is called, SIGINT or SIGTERM is received, or a
// server fails. It returns nil if the proxy was stopped by Close or a signal.
func (p *Proxy) Run() error {
	defer p.client.Close()
	defer p.conn.Close()
	p.sc.CloseOnSignal(os.Interrupt, syscall.SIGTERM)

	p.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		errChan := make(chan error, 1)
		go func() {
			p.logger.Info("udp server started", zap.Stringer("addr", p.conn.LocalAddr()))
			errChan <- p.server.ServeUDP(p.conn)
		}()
		select {
		case err := <-errChan:
			p.sc.SendCloseSignal(fmt.Errorf("udp server exited: %w", err))
		case <-closeSignal:
			p.server.Close()
		}
	})

	if httpAddr := p.apiAddr; len(httpAddr) > 0 {
		httpServer := &http.Server{
			Addr:    httpAddr,
			Handler: p.apiMux,
		}
		p.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
			defer done()
			errChan := make(chan error, 1)
			go func() {
				p.logger.Info("starting api http server", zap.String("addr", httpAddr))
				errChan <- httpServer.ListenAndServe()
			}()
			select {
			case err := <-errChan:
				p.sc.SendCloseSignal(fmt.Errorf("api server exited: %w", err))
			case <-closeSignal:
				httpServer.Close()
			}
		})
	}

	<-p.sc.ReceiveCloseSignal()
	p.sc.Done()
	p.sc.CloseWait()

	err := p.sc.Err()
	var sigErr *safe_close.SignalError
	if errors.As(err, &sigErr) {
		p.logger.Info("exiting", zap.Stringer("signal", sigErr.Signal))
		return nil
	}
	return err
}

// Close stops a running proxy.
func (p *Proxy) Close() {
	p.sc.SendCloseSignal(nil)
}

func (p *Proxy) GetMetricsReg() prometheus.Registerer {
	return prometheus.WrapRegistererWithPrefix("https_dns_", p.metricsReg)
}

func newMetricsReg() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}
