package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/caasmo/threatguard/config"
)

// Daemon is a background component started after the listeners and
// stopped after them.
type Daemon interface {
	Name() string
	Start() error
	Stop(ctx context.Context) error
}

type listener struct {
	name string
	srv  *http.Server
}

type Server struct {
	cfg       config.Server
	listeners []listener
	daemons   []Daemon
	logger    *slog.Logger

	// reload runs on SIGHUP.
	reload func() error

	// onShutdown runs after every daemon stopped.
	onShutdown []func()

	// exitFunc is os.Exit outside tests.
	exitFunc func(int)

	mu    sync.Mutex
	addrs map[string]net.Addr
	ready chan struct{}
}

// NewServer creates a server whose main listener serves handler on cfg.Addr.
func NewServer(cfg config.Server, handler http.Handler, logger *slog.Logger, reload func() error) *Server {
	if handler == nil {
		panic("server: handler cannot be nil")
	}
	if logger == nil {
		panic("server: logger cannot be nil")
	}
	if reload == nil {
		reload = func() error { return nil }
	}
	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		reload:   reload,
		exitFunc: os.Exit,
		addrs:    make(map[string]net.Addr),
		ready:    make(chan struct{}),
	}
	s.AddListener("proxy", cfg.Addr, handler)
	return s
}

// AddListener serves handler on addr with the timeouts of the main listener.
func (s *Server) AddListener(name, addr string, handler http.Handler) {
	s.listeners = append(s.listeners, listener{
		name: name,
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       s.cfg.ReadTimeout.Duration,
			ReadHeaderTimeout: s.cfg.ReadHeaderTimeout.Duration,
			WriteTimeout:      s.cfg.WriteTimeout.Duration,
			IdleTimeout:       s.cfg.IdleTimeout.Duration,
		},
	})
}

func (s *Server) AddDaemon(d Daemon) {
	s.daemons = append(s.daemons, d)
}

// OnShutdown registers fn to run once all daemons have stopped.
func (s *Server) OnShutdown(fn func()) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Addr returns the bound address of the named listener once Ready is closed.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[name]
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Run binds the listeners, starts the daemons and blocks until a shutdown
// signal or a listener error. It ends by calling exitFunc.
func (s *Server) Run() {
	s.logger.Info("server configuration",
		"addr", s.cfg.Addr,
		"upstream", s.cfg.Upstream,
		"read_timeout", s.cfg.ReadTimeout.Duration,
		"read_header_timeout", s.cfg.ReadHeaderTimeout.Duration,
		"write_timeout", s.cfg.WriteTimeout.Duration,
		"idle_timeout", s.cfg.IdleTimeout.Duration,
		"shutdown_timeout", s.cfg.ShutdownGracefulTimeout.Duration,
	)

	// Signals are registered before anything starts so none is lost.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	serverError := make(chan error, len(s.listeners))
	for _, l := range s.listeners {
		ln, err := net.Listen("tcp", l.srv.Addr)
		if err != nil {
			s.logger.Error("failed to bind listener", "listener", l.name, "addr", l.srv.Addr, "err", err)
			s.shutdown(nil)
			s.exitFunc(1)
			return
		}
		s.mu.Lock()
		s.addrs[l.name] = ln.Addr()
		s.mu.Unlock()

		go func(l listener, ln net.Listener) {
			s.logger.Info("starting HTTP server", "listener", l.name, "addr", ln.Addr().String())
			if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("serve error", "listener", l.name, "err", err)
				serverError <- err
			}
		}(l, ln)
	}
	close(s.ready)

	var started []Daemon
	for _, d := range s.daemons {
		if err := d.Start(); err != nil {
			s.logger.Error("failed to start daemon", "daemon", d.Name(), "err", err)
			s.shutdown(started)
			s.exitFunc(1)
			return
		}
		s.logger.Info("daemon started", "daemon", d.Name())
		started = append(started, d)
	}

	exitCode := 0
wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				s.logger.Info("received SIGHUP, reloading")
				if err := s.reload(); err != nil {
					s.logger.Error("reload failed", "err", err)
				}
				continue
			}
			s.logger.Info("received shutdown signal, gracefully shutting down", "signal", sig.String())
			break wait
		case err := <-serverError:
			s.logger.Error("server error, initiating shutdown", "err", err)
			exitCode = 1
			break wait
		}
	}

	if err := s.shutdown(started); err != nil {
		exitCode = 1
	}
	if exitCode == 0 {
		s.logger.Info("all systems stopped gracefully")
	}
	s.exitFunc(exitCode)
}

// shutdown stops the listeners first, so no request can reach a stopped
// daemon, then the daemons in reverse start order.
func (s *Server) shutdown(daemons []Daemon) error {
	gracefulCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracefulTimeout.Duration)
	defer cancel()

	var firstErr error

	httpGroup, _ := errgroup.WithContext(gracefulCtx)
	for _, l := range s.listeners {
		httpGroup.Go(func() error {
			if err := l.srv.Shutdown(gracefulCtx); err != nil {
				s.logger.Error("HTTP server shutdown error", "listener", l.name, "err", err)
				return err
			}
			s.logger.Info("HTTP server stopped gracefully", "listener", l.name)
			return nil
		})
	}
	if err := httpGroup.Wait(); err != nil {
		firstErr = err
	}

	for _, d := range slices.Backward(daemons) {
		if err := d.Stop(gracefulCtx); err != nil {
			s.logger.Error("daemon shutdown error", "daemon", d.Name(), "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.logger.Info("daemon stopped", "daemon", d.Name())
	}

	for _, fn := range s.onShutdown {
		fn()
	}

	if firstErr != nil {
		s.logger.Error("error during shutdown", "err", firstErr)
	}
	return firstErr
}
