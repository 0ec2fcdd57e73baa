// Package jsonl is a line-delimited JSON transport over TCP.
//
// Each line a client writes is one dispatch.Request; each response is written
// back on the same connection as one line. Responses may arrive out of order,
// so clients match them by id.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/time/rate"

	"github.com/ldi/tasktrack/internal/apperr"
	"github.com/ldi/tasktrack/internal/dispatch"
	"github.com/ldi/tasktrack/internal/lifecycle"
)

const (
	Kind = "jsonl"

	maxLineSize = 1 << 20
)

type Transport struct {
	logger *slog.Logger
	limit  rate.Limit
	burst  int

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*conn]struct{}
	inbox  chan lifecycle.Inbound
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Transport)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithRateLimit caps how many requests per second each connection may submit.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(t *Transport) {
		if rps > 0 {
			t.limit = rate.Limit(rps)
			t.burst = max(burst, 1)
		}
	}
}

func New(opts ...Option) *Transport {
	t := &Transport{
		logger: slog.New(slog.DiscardHandler),
		limit:  rate.Inf,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Kind() string { return Kind }

// Bind starts listening on host:port. Port 0 picks a free port; see Addr.
func (t *Transport) Bind(ctx context.Context, host string, port int) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.ln = ln
	t.conns = make(map[*conn]struct{})
	t.inbox = make(chan lifecycle.Inbound)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.mu.Unlock()

	t.wg.Add(1)
	go t.acceptConns(ln)
	return nil
}

// Addr returns the bound address, or nil before Bind.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

func (t *Transport) Accept(ctx context.Context) (lifecycle.Inbound, error) {
	t.mu.Lock()
	inbox, done := t.inbox, t.doneChan()
	t.mu.Unlock()

	select {
	case in := <-inbox:
		return in, nil
	case <-done:
		return lifecycle.Inbound{}, lifecycle.ErrClosed
	case <-ctx.Done():
		return lifecycle.Inbound{}, ctx.Err()
	}
}

func (t *Transport) doneChan() <-chan struct{} {
	if t.ctx == nil {
		return closedChan
	}
	return t.ctx.Done()
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (t *Transport) Send(_ context.Context, in lifecycle.Inbound, resp dispatch.Response) error {
	c, ok := in.Token.(*conn)
	if !ok {
		return fmt.Errorf("jsonl: foreign inbound token %T", in.Token)
	}
	return c.write(resp)
}

// Close stops the listener, closes every open connection and waits for the
// connection readers to exit.
func (t *Transport) Close() error {
	t.mu.Lock()
	ln, cancel := t.ln, t.cancel
	conns := make([]*conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.ln = nil
	t.mu.Unlock()

	if ln == nil {
		return nil
	}

	cancel()
	err := ln.Close()
	for _, c := range conns {
		c.nc.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Transport) acceptConns(ln net.Listener) {
	defer t.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.logger.Warn("jsonl listener stopped", slog.Any("error", err))
			}
			return
		}

		c := &conn{nc: nc}
		if t.limit != rate.Inf {
			c.limiter = rate.NewLimiter(t.limit, t.burst)
		}

		t.mu.Lock()
		if t.conns == nil || t.ln != ln {
			t.mu.Unlock()
			nc.Close()
			return
		}
		t.conns[c] = struct{}{}
		ctx, inbox := t.ctx, t.inbox
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readConn(ctx, inbox, c)
	}
}

func (t *Transport) readConn(ctx context.Context, inbox chan<- lifecycle.Inbound, c *conn) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, c)
		t.mu.Unlock()
		c.nc.Close()
	}()

	logger := t.logger.With(slog.String("remote", c.nc.RemoteAddr().String()))
	logger.Debug("jsonl client connected")

	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req dispatch.Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := dispatch.Response{Error: &dispatch.ErrorBody{
				Kind:    apperr.KindValidation,
				Message: "malformed request: expected one JSON object per line",
			}}
			if err := c.write(resp); err != nil {
				return
			}
			continue
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
		}

		select {
		case inbox <- lifecycle.Inbound{Request: req, Token: c}:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("jsonl client read failed", slog.Any("error", err))
	}
}

type conn struct {
	nc      net.Conn
	limiter *rate.Limiter

	mu sync.Mutex
}

func (c *conn) write(resp dispatch.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.nc.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
