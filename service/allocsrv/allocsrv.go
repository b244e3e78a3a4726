// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/controller"
	"github.com/spalloc/spallocd/service"
)

// Compile-time assertion that Server implements service.Service.
var _ service.Service = (*Server)(nil)

// Server is the board-allocation daemon service. See the package
// documentation for the reactor and protocol design.
type Server struct {
	cfg    srvConfig
	logger *slog.Logger

	ctrl          *controller.Controller
	configuration *config.Configuration

	listener       net.Listener
	listenIdentity string
	ticker         *time.Ticker

	sessions       map[*session]struct{}
	jobWatches     map[*session]*watch[int]
	machineWatches map[*session]*watch[string]

	newConns chan net.Conn
	lines    chan inboundLine
	hangups  chan *session

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	clientsGauge    metric.Int64UpDownCounter
	commandsCounter metric.Int64Counter
}

type inboundLine struct {
	sess *session
	line []byte
}

// New creates a server. It does not touch the network or the configuration
// file until Run.
func New(opts ...Option) *Server {
	cfg := defaultSrvConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}

	s := &Server{
		cfg:            *cfg,
		logger:         cfg.logger.With("service", cfg.name),
		sessions:       make(map[*session]struct{}),
		jobWatches:     make(map[*session]*watch[int]),
		machineWatches: make(map[*session]*watch[string]),
		newConns:       make(chan net.Conn),
		lines:          make(chan inboundLine),
		hangups:        make(chan *session),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}

	meter := otel.Meter("spallocd/allocsrv")
	s.clientsGauge, _ = meter.Int64UpDownCounter("server.connected_clients",
		metric.WithDescription("Currently connected clients"))
	s.commandsCounter, _ = meter.Int64Counter("server.commands",
		metric.WithDescription("Commands dispatched"))

	return s
}

// Name returns the configured name of the service.
func (s *Server) Name() string {
	return s.cfg.name
}

// Stop requests an ordered shutdown: client sockets close, queued hardware
// work drains, state is written. Run returns once that has happened.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Join blocks until Run has finished shutting down.
func (s *Server) Join() {
	<-s.done
}

// Run starts the server and blocks until the context is cancelled or Stop
// is called. A failure to read the configuration or open the listening
// socket at startup is returned as an error; later reload failures are
// logged and survived.
func (s *Server) Run(ctx context.Context) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", s.Name(), r)
		}
	}()

	if s.cfg.configPath == "" {
		return ErrNoConfigFile
	}

	cfg, err := config.Load(s.cfg.configPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInitialConfig, err)
	}

	ctrlOpts := []controller.Option{
		controller.WithLogger(s.cfg.logger),
		controller.WithMaxRetiredJobs(cfg.MaxRetiredJobs),
	}
	if s.cfg.clientFactory != nil {
		ctrlOpts = append(ctrlOpts, controller.WithClientFactory(s.cfg.clientFactory))
	}
	s.ctrl = controller.New(ctrlOpts...)

	s.loadState()

	s.ticker = time.NewTicker(time.Duration(cfg.TimeoutCheckInterval * float64(time.Second)))
	defer s.ticker.Stop()

	if err := s.applyConfiguration(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrListen, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config watch unavailable; live reload disabled", "error", err)
		watcher = nil
	} else {
		defer watcher.Close()
		dir := filepath.Dir(s.cfg.configPath)
		if err := watcher.Add(dir); err != nil {
			s.logger.Warn("config watch failed; live reload disabled",
				"dir", dir, "error", err)
			watcher.Close()
			watcher = nil
		}
	}

	var watchEvents chan fsnotify.Event
	var watchErrors chan error
	if watcher != nil {
		watchEvents = watcher.Events
		watchErrors = watcher.Errors
	}

	s.logger.Info("server listening",
		"addr", s.listenIdentity, "version", s.cfg.version, "cold_start", s.cfg.coldStart)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case <-s.stopCh:
			s.shutdown()
			return nil

		case conn := <-s.newConns:
			s.startSession(conn)

		case msg := <-s.lines:
			s.handleLine(msg.sess, msg.line)

		case sess := <-s.hangups:
			s.disconnect(sess)

		case fn := <-s.ctrl.Inbox():
			fn()

		case ev := <-watchEvents:
			if s.isConfigEvent(ev) {
				s.readConfigFile()
			}

		case err := <-watchErrors:
			s.logger.Warn("config watch error", "error", err)

		case now := <-s.ticker.C:
			s.ctrl.Tick(now)
		}

		s.sendChangeNotifications()
	}
}

func (s *Server) isConfigEvent(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(s.cfg.configPath) {
		return false
	}
	return ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename)
}

// shutdown closes all sockets, drains queued hardware work and persists the
// controller state.
func (s *Server) shutdown() {
	s.logger.Info("server shutting down")

	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	for sess := range s.sessions {
		s.disconnect(sess)
	}

	s.ctrl.Stop()
	s.saveState()
}

// acceptLoop feeds accepted connections to the reactor. It exits when its
// listener closes, which happens on shutdown and when a configuration
// reload changes the listening identity.
func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		select {
		case s.newConns <- conn:
		case <-s.stopCh:
			_ = conn.Close()
			return
		}
	}
}
