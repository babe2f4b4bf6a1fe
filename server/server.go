// Package server implements the backup server: a bounded-concurrency TCP
// accept loop, the request dispatcher with its protocol handlers, and the
// background maintenance loop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/session"
	"github.com/TomShtern/client-server-encrypted-backup-framework-clean-sub015/storage"
)

const (
	// DefaultReadTimeout bounds each request read.
	DefaultReadTimeout = 30 * time.Second
	// DefaultWriteTimeout bounds each response write.
	DefaultWriteTimeout = 30 * time.Second
	// DefaultMaxClients bounds concurrently served connections.
	DefaultMaxClients = 64
	// DefaultSessionTimeout is the idle session lifetime.
	DefaultSessionTimeout = 30 * time.Minute
	// DefaultPartialTimeout is the stale partial-transfer lifetime.
	DefaultPartialTimeout = 10 * time.Minute
	// DefaultMaintenanceInterval is the sweep/metrics period.
	DefaultMaintenanceInterval = time.Minute
	// DefaultMetricsRetention prunes metric snapshots older than this.
	DefaultMetricsRetention = 7 * 24 * time.Hour
)

// Options configures a Server.
type Options struct {
	ListenAddr string
	StorageDir string

	MaxClients   int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	SessionTimeout      time.Duration
	PartialTimeout      time.Duration
	MaintenanceInterval time.Duration
	MetricsRetention    time.Duration

	Policy VersionPolicy
	Logger *logrus.Logger

	// Announce publishes the service over mDNS while the server runs.
	Announce         bool
	AnnounceInstance string
}

func (o Options) withDefaults() Options {
	out := o
	if out.ListenAddr == "" {
		out.ListenAddr = ":0"
	}
	if out.MaxClients <= 0 {
		out.MaxClients = DefaultMaxClients
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = DefaultWriteTimeout
	}
	if out.SessionTimeout <= 0 {
		out.SessionTimeout = DefaultSessionTimeout
	}
	if out.PartialTimeout <= 0 {
		out.PartialTimeout = DefaultPartialTimeout
	}
	if out.MaintenanceInterval <= 0 {
		out.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if out.MetricsRetention <= 0 {
		out.MetricsRetention = DefaultMetricsRetention
	}
	if out.Policy == nil {
		out.Policy = VersionRange{Min: 1, Max: 1}
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	if out.AnnounceInstance == "" {
		out.AnnounceInstance = "backup-server"
	}
	return out
}

// Server accepts client connections and serves the backup protocol.
type Server struct {
	opts     Options
	log      *logrus.Logger
	store    *storage.Store
	registry *session.Registry

	dispatcher *Dispatcher
	listener   net.Listener
	announcer  *zeroconf.Server

	// slots is the counting semaphore bounding concurrently served clients;
	// connections beyond the limit wait for a slot instead of being rejected.
	slots chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a server over an opened store.
func New(store *storage.Store, opts Options) (*Server, error) {
	opts = opts.withDefaults()
	if store == nil {
		return nil, errors.New("store is required")
	}
	if opts.StorageDir == "" {
		return nil, errors.New("storage directory is required")
	}

	registry := session.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		opts:     opts,
		log:      opts.Logger,
		store:    store,
		registry: registry,
		dispatcher: &Dispatcher{
			store:        store,
			registry:     registry,
			policy:       opts.Policy,
			storageDir:   opts.StorageDir,
			readTimeout:  opts.ReadTimeout,
			writeTimeout: opts.WriteTimeout,
			log:          opts.Logger,
		},
		slots:  make(chan struct{}, opts.MaxClients),
		ctx:    ctx,
		cancel: cancel,
		closed: make(chan struct{}),
	}
	return s, nil
}

// Registry exposes the session registry, mainly for tests and metrics.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Start begins listening, accepting connections and running maintenance.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", s.opts.ListenAddr, err)
	}
	s.listener = listener

	if s.opts.Announce {
		announcer, err := announceService(s.opts.AnnounceInstance, listener.Addr())
		if err != nil {
			s.log.WithError(err).Warn("mDNS announcement failed, continuing without it")
		} else {
			s.announcer = announcer
		}
	}

	s.log.WithFields(logrus.Fields{
		"addr":        listener.Addr().String(),
		"max_clients": s.opts.MaxClients,
		"policy":      s.opts.Policy.String(),
	}).Info("backup server listening")

	s.wg.Add(2)
	go s.acceptLoop()
	go s.maintenanceLoop()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, waits for in-flight connections and stops the
// maintenance loop. The store is not closed; the caller owns it.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()
		if s.announcer != nil {
			s.announcer.Shutdown()
		}
		if s.listener != nil {
			closeErr = s.listener.Close()
		}
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.log.WithError(err).Warn("accept connection")
			continue
		}

		// Wait for a concurrency slot; excess connections queue here.
		select {
		case s.slots <- struct{}{}:
		case <-s.closed:
			_ = conn.Close()
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.dispatcher.ServeConn(s.ctx, conn)
		}()
	}
}
