// Package lifecycle owns the server state machine and the request worker pool.
//
// A Manager moves Stopped -> Starting -> Running -> Stopping -> Stopped. It
// binds an injected Transport, accepts inbound requests, fans them out to a
// bounded pool of workers that run the Handler, and sends each response back
// through the transport. All state transitions happen under one mutex.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/internal/dispatch"
)

// Defaults applied by DefaultConfig.
const (
	DefaultName    = "TaskManagerServerV3"
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 8765
	DefaultWorkers = 8
)

// ErrClosed is returned by Transport.Accept once the transport is closed or
// its input is exhausted.
var ErrClosed = errors.New("transport closed")

type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Inbound is one request read from a transport. Token is opaque to the
// manager and lets the transport route the response.
type Inbound struct {
	Request dispatch.Request
	Token   any
}

// Transport is the bind/accept/send/close capability supplied by a protocol
// binding.
type Transport interface {
	Kind() string
	Bind(ctx context.Context, host string, port int) error
	Accept(ctx context.Context) (Inbound, error)
	Send(ctx context.Context, in Inbound, resp dispatch.Response) error
	Close() error
}

// Handler answers one request.
type Handler interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Response
}

type Config struct {
	Name    string
	Host    string
	Port    int
	Debug   bool
	Workers int
}

func DefaultConfig() Config {
	return Config{
		Name:    DefaultName,
		Host:    DefaultHost,
		Port:    DefaultPort,
		Workers: DefaultWorkers,
	}
}

// Validate checks the settings Start depends on.
func (c Config) Validate() error {
	verr := &apperr.ValidationError{}
	if c.Port < 1 || c.Port > 65535 {
		verr.Add("port", "must be between 1 and 65535")
	}
	if strings.TrimSpace(c.Name) == "" {
		verr.Add("name", "must not be empty")
	}
	if c.Workers < 1 {
		verr.Add("workers", "must be at least 1")
	}
	return verr.OrNil()
}

type Manager struct {
	transport Transport
	handler   Handler
	logger    *slog.Logger

	mu     sync.Mutex
	state  State
	cfg    Config
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

func New(transport Transport, handler Handler, opts ...Option) *Manager {
	m := &Manager{
		transport: transport,
		handler:   handler,
		logger:    slog.New(slog.DiscardHandler),
		cfg:       DefaultConfig(),
		done:      closedChan(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Done is closed when the accept loop of the current run has exited, either
// because Stop was called or because the transport ran out of input.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Start binds the transport and launches the accept loop. The run outlives
// ctx; only Stop ends it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("start while %s: %w", state, apperr.ErrAlreadyRunning)
	}
	cfg := m.cfg
	if err := cfg.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = StateStarting
	m.mu.Unlock()

	if err := m.transport.Bind(ctx, cfg.Host, cfg.Port); err != nil {
		m.mu.Lock()
		m.state = StateStopped
		m.mu.Unlock()
		return fmt.Errorf("%w: %s on %s:%d: %w", apperr.ErrBind, m.transport.Kind(), cfg.Host, cfg.Port, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	m.mu.Lock()
	m.state = StateRunning
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "server started",
		slog.String("name", cfg.Name),
		slog.String("transport", m.transport.Kind()),
		slog.String("host", cfg.Host),
		slog.Int("port", cfg.Port),
		slog.Int("workers", cfg.Workers),
	)

	go m.serve(runCtx, cfg, done)
	return nil
}

// Stop cancels the accept loop, closes the transport and waits for in-flight
// workers. A Close failure is returned but the manager still reaches Stopped.
// If ctx expires first, Stop returns the ctx error and the manager stays
// Stopping until the last worker exits, so a new Start cannot overlap the
// old run.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRunning {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("stop while %s: %w", state, apperr.ErrNotRunning)
	}
	m.state = StateStopping
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	closeErr := m.transport.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("failed to close %s transport: %w", m.transport.Kind(), closeErr)
	}

	select {
	case <-done:
		m.finishStop(ctx)
		return closeErr
	case <-ctx.Done():
		m.logger.WarnContext(ctx, "stop timed out waiting for workers", slog.String("transport", m.transport.Kind()))
		go func() {
			<-done
			m.finishStop(context.WithoutCancel(ctx))
		}()
		return errors.Join(closeErr, fmt.Errorf("waiting for workers: %w", ctx.Err()))
	}
}

func (m *Manager) finishStop(ctx context.Context) {
	m.mu.Lock()
	m.state = StateStopped
	m.cancel = nil
	m.mu.Unlock()

	m.logger.InfoContext(ctx, "server stopped", slog.String("transport", m.transport.Kind()))
}

func (m *Manager) SetPort(port int) error {
	return m.update("port", func(c *Config) { c.Port = port })
}

func (m *Manager) SetHost(host string) error {
	return m.update("host", func(c *Config) { c.Host = host })
}

func (m *Manager) SetName(name string) error {
	return m.update("name", func(c *Config) { c.Name = name })
}

func (m *Manager) SetDebug(debug bool) error {
	return m.update("debug", func(c *Config) { c.Debug = debug })
}

func (m *Manager) SetWorkers(n int) error {
	return m.update("workers", func(c *Config) { c.Workers = n })
}

// update applies fn to the config. Values are validated on the next Start.
func (m *Manager) update(field string, fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStopped {
		return fmt.Errorf("cannot change %s while %s: %w", field, m.state, apperr.ErrInvalidState)
	}
	fn(&m.cfg)
	return nil
}

func (m *Manager) serve(ctx context.Context, cfg Config, done chan struct{}) {
	defer close(done)

	var g errgroup.Group
	g.SetLimit(cfg.Workers)

	var backoff time.Duration
	for {
		in, err := m.transport.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) || errors.Is(err, io.EOF) {
				break
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			m.logger.WarnContext(ctx, "accept failed, retrying",
				slog.Any("error", err),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
			}
			break
		}
		backoff = 0

		g.Go(func() error {
			m.handle(ctx, cfg, in)
			return nil
		})
	}

	_ = g.Wait()
}

func (m *Manager) handle(ctx context.Context, cfg Config, in Inbound) {
	resp := m.run(ctx, in.Request)

	if cfg.Debug {
		m.logger.InfoContext(ctx, "request handled",
			slog.String("op", in.Request.Op),
			slog.Bool("ok", resp.OK),
		)
	}

	if err := m.transport.Send(context.WithoutCancel(ctx), in, resp); err != nil {
		m.logger.WarnContext(ctx, "failed to send response",
			slog.String("op", in.Request.Op),
			slog.Any("error", err),
		)
	}
}

// run calls the handler, converting a panic into an internal error response.
func (m *Manager) run(ctx context.Context, req dispatch.Request) (resp dispatch.Response) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "handler panicked",
				slog.String("op", req.Op),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			resp = dispatch.Response{
				ID:    req.ID,
				Error: &dispatch.ErrorBody{Kind: apperr.KindInternal, Message: "internal error"},
			}
		}
	}()
	return m.handler.Dispatch(ctx, req)
}
