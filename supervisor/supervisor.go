// Package supervisor runs tool-server processes and multiplexes concurrent
// tool calls over each process channel.
//
// Every call gets a correlation id of the form "<server>-<seq>" and waits
// for the response carrying it, for at most the configured call timeout.
// When a process exits unexpectedly the calls in flight on it fail, and
// the server is relaunched after an exponential backoff until its retry
// budget runs out. From then on the server is unavailable and calls fail
// immediately until it is explicitly restarted.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/m4xw311/arbor/config"
	"github.com/m4xw311/arbor/credentials"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type State string

const (
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateRestarting  State = "restarting"
	StateUnavailable State = "unavailable"
	StateStopped     State = "stopped"
)

const launchTimeout = 30 * time.Second

type Options struct {
	CallTimeout    time.Duration
	RetryBudget    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// OptionsFromConfig converts the configuration section, applying defaults
// to zero values.
func OptionsFromConfig(c config.Supervisor) Options {
	o := Options{
		CallTimeout:    c.CallTimeout,
		RetryBudget:    c.RetryBudget,
		BackoffInitial: c.BackoffInitial,
		BackoffMax:     c.BackoffMax,
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.RetryBudget < 0 {
		o.RetryBudget = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	return o
}

// ServerStatus is a point-in-time view of one supervised server.
type ServerStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Restarts int    `json:"restarts"`
	Launches int    `json:"launches"`
	Error    string `json:"error,omitempty"`
}

type Supervisor struct {
	log      *zap.Logger
	registry *tools.Registry
	creds    credentials.Store
	launcher Launcher
	opts     Options
	tracer   trace.Tracer

	mu      sync.Mutex
	servers map[string]*server
}

// New returns a supervisor for the servers in registry. creds may be nil
// when no server needs secrets.
func New(log *zap.Logger, registry *tools.Registry, creds credentials.Store, launcher Launcher, opts Options) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if launcher == nil {
		launcher = ProcessLauncher{}
	}
	return &Supervisor{
		log:      log.With(zap.String("component", "supervisor")),
		registry: registry,
		creds:    creds,
		launcher: launcher,
		opts:     opts,
		tracer:   otel.Tracer("github.com/m4xw311/arbor/supervisor"),
		servers:  make(map[string]*server),
	}
}

// StartAll launches every enabled server concurrently. It returns the
// first launch error; the other servers are started regardless.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, cfg := range s.registry.Enabled() {
		g.Go(func() error {
			if err := s.Start(ctx, cfg.Name); err != nil {
				s.log.Error("failed to start tool server", zap.String("server", cfg.Name), zap.Error(err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Start launches the named server unless it is already live.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	cfg, ok := s.registry.Get(name)
	if !ok {
		return errors.E(errors.Validation, "unknown tool server %q", name)
	}
	s.mu.Lock()
	if cur, ok := s.servers[name]; ok && cur.status().State != StateUnavailable {
		s.mu.Unlock()
		return nil
	}
	srv := s.newServer(cfg)
	s.servers[name] = srv
	s.mu.Unlock()

	conn, err := srv.launch(ctx)
	if err != nil {
		srv.mu.Lock()
		srv.lastErr = err.Error()
		if !srv.stopped {
			srv.settle(StateUnavailable)
		}
		srv.mu.Unlock()
		return err
	}
	if srv.attach(conn) {
		srv.discover(ctx, conn)
		s.log.Info("started tool server", zap.String("server", name), zap.String("transport", cfg.Transport))
	}
	return nil
}

// Stop terminates the named server. Calls in flight fail with
// ToolServerUnavailable.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	srv, ok := s.servers[name]
	delete(s.servers, name)
	s.mu.Unlock()
	if ok {
		srv.shutdown()
	}
}

func (s *Supervisor) StopAll() {
	s.mu.Lock()
	servers := s.servers
	s.servers = make(map[string]*server)
	s.mu.Unlock()
	for _, srv := range servers {
		srv.shutdown()
	}
}

// Restart stops the server and launches it again with its current registry
// configuration. It is the only way out of StateUnavailable.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	s.Stop(name)
	return s.Start(ctx, name)
}

// Status reports every supervised server, sorted by name.
func (s *Supervisor) Status() []ServerStatus {
	s.mu.Lock()
	servers := make([]*server, 0, len(s.servers))
	for _, srv := range s.servers {
		servers = append(servers, srv)
	}
	s.mu.Unlock()
	out := make([]ServerStatus, 0, len(servers))
	for _, srv := range servers {
		out = append(out, srv.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call invokes tool on server and waits for its result.
func (s *Supervisor) Call(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	ctx, span := s.tracer.Start(ctx, "tool.call", trace.WithAttributes(
		attribute.String("tool.server", server),
		attribute.String("tool.name", tool),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	s.mu.Lock()
	srv := s.servers[server]
	s.mu.Unlock()
	if srv == nil {
		err := errors.E(errors.ToolServerUnavailable, "tool server %q is not running", server)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	out, err := srv.call(ctx, tool, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("tool.result_bytes", len(out)))
	return out, nil
}

type outcome struct {
	resp Response
	err  error
}

type server struct {
	sup  *Supervisor
	name string
	log  *zap.Logger

	mu       sync.Mutex
	cfg      tools.ServerConfig
	conn     Conn
	state    State
	ready    chan struct{} // closed when the server leaves starting or restarting
	stop     chan struct{}
	stopped  bool
	pending  map[string]chan outcome
	seq      uint64
	restarts int
	launches int
	lastErr  string
	bo       *backoff.ExponentialBackOff
}

func (s *Supervisor) newServer(cfg tools.ServerConfig) *server {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.BackoffInitial
	bo.MaxInterval = s.opts.BackoffMax
	bo.Reset()
	return &server{
		sup:     s,
		name:    cfg.Name,
		log:     s.log.With(zap.String("server", cfg.Name)),
		cfg:     cfg,
		state:   StateStarting,
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
		pending: make(map[string]chan outcome),
		bo:      bo,
	}
}

// settle moves the server to state, waking calls that wait for a launch.
// Callers hold srv.mu.
func (srv *server) settle(state State) {
	if srv.state == StateStarting || srv.state == StateRestarting {
		close(srv.ready)
	}
	srv.state = state
}

func (srv *server) status() ServerStatus {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return ServerStatus{
		Name:     srv.name,
		State:    srv.state,
		Restarts: srv.restarts,
		Launches: srv.launches,
		Error:    srv.lastErr,
	}
}

func (srv *server) launch(ctx context.Context) (Conn, error) {
	srv.mu.Lock()
	cfg := srv.cfg
	srv.mu.Unlock()
	env, err := environ(ctx, cfg, srv.sup.creds)
	if err != nil {
		return nil, err
	}
	srv.mu.Lock()
	srv.launches++
	srv.mu.Unlock()
	conn, err := srv.sup.launcher.Launch(ctx, cfg, env)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to launch tool server %q", cfg.Name)
	}
	return conn, nil
}

// attach installs a freshly launched connection. It reports false if the
// server was stopped meanwhile, in which case conn is closed.
func (srv *server) attach(conn Conn) bool {
	srv.mu.Lock()
	if srv.stopped {
		srv.mu.Unlock()
		conn.Close()
		return false
	}
	srv.conn = conn
	srv.lastErr = ""
	srv.settle(StateRunning)
	srv.mu.Unlock()
	go srv.monitor(conn)
	return true
}

func (srv *server) discover(ctx context.Context, conn Conn) {
	lister, ok := conn.(ToolLister)
	if !ok || srv.sup.registry == nil {
		return
	}
	infos, err := lister.ListTools(ctx)
	if err != nil {
		srv.log.Warn("could not list tools", zap.Error(err))
		return
	}
	srv.sup.registry.Learn(srv.name, infos)
	srv.log.Info("discovered tools", zap.Int("count", len(infos)))
}

func (srv *server) monitor(conn Conn) {
	for {
		select {
		case resp := <-conn.Responses():
			srv.deliver(resp)
		case <-conn.Done():
			for drained := false; !drained; {
				select {
				case resp := <-conn.Responses():
					srv.deliver(resp)
				default:
					drained = true
				}
			}
			srv.exited(conn, conn.Err())
			return
		}
	}
}

func (srv *server) deliver(resp Response) {
	srv.mu.Lock()
	ch, ok := srv.pending[resp.ID]
	if ok {
		delete(srv.pending, resp.ID)
		if resp.Error == "" {
			srv.restarts = 0
			srv.bo.Reset()
		}
	}
	srv.mu.Unlock()
	if !ok {
		srv.log.Debug("dropping response without a waiting call", zap.String("id", resp.ID))
		return
	}
	ch <- outcome{resp: resp}
}

func (srv *server) exited(conn Conn, exitErr error) {
	srv.mu.Lock()
	if srv.conn != conn {
		srv.mu.Unlock()
		return
	}
	srv.conn = nil
	pending := srv.pending
	srv.pending = make(map[string]chan outcome)
	if exitErr != nil {
		srv.lastErr = exitErr.Error()
	} else {
		srv.lastErr = "process exited"
	}
	retry := srv.restarts < srv.sup.opts.RetryBudget
	if retry {
		srv.restarts++
		srv.state = StateRestarting
		srv.ready = make(chan struct{})
	} else {
		srv.state = StateUnavailable
	}
	restarts := srv.restarts
	srv.mu.Unlock()

	var err error
	if retry {
		srv.log.Warn("tool server exited, restarting", zap.Int("restart", restarts), zap.Error(exitErr))
		err = errors.E(errors.ToolExecution, "tool server %q exited", srv.name)
	} else {
		srv.log.Error("tool server exited, retry budget exhausted", zap.Error(exitErr))
		err = errors.E(errors.ToolServerUnavailable, "tool server %q exited and its retry budget is exhausted", srv.name)
	}
	for _, ch := range pending {
		ch <- outcome{err: err}
	}
	if retry {
		go srv.relaunch()
	}
}

func (srv *server) relaunch() {
	for {
		srv.mu.Lock()
		wait := srv.bo.NextBackOff()
		stop := srv.stop
		srv.mu.Unlock()

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-stop:
			t.Stop()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), launchTimeout)
		conn, err := srv.launch(ctx)
		if err == nil {
			if srv.attach(conn) {
				srv.discover(ctx, conn)
				srv.log.Info("restarted tool server")
			}
			cancel()
			return
		}
		cancel()

		srv.mu.Lock()
		if srv.stopped {
			srv.mu.Unlock()
			return
		}
		srv.lastErr = err.Error()
		if srv.restarts < srv.sup.opts.RetryBudget {
			srv.restarts++
			srv.mu.Unlock()
			srv.log.Warn("relaunch failed", zap.Error(err))
			continue
		}
		srv.settle(StateUnavailable)
		srv.mu.Unlock()
		srv.log.Error("relaunch failed, retry budget exhausted", zap.Error(err))
		return
	}
}

func (srv *server) shutdown() {
	srv.mu.Lock()
	if srv.stopped {
		srv.mu.Unlock()
		return
	}
	srv.stopped = true
	close(srv.stop)
	conn := srv.conn
	srv.conn = nil
	pending := srv.pending
	srv.pending = make(map[string]chan outcome)
	srv.settle(StateStopped)
	srv.mu.Unlock()

	err := errors.E(errors.ToolServerUnavailable, "tool server %q was stopped", srv.name)
	for _, ch := range pending {
		ch <- outcome{err: err}
	}
	if conn != nil {
		if cerr := conn.Close(); cerr != nil {
			srv.log.Debug("error closing connection", zap.Error(cerr))
		}
	}
	srv.log.Info("stopped tool server")
}

func (srv *server) call(ctx context.Context, tool string, args map[string]any) (string, error) {
	for {
		srv.mu.Lock()
		switch srv.state {
		case StateRunning:
			srv.seq++
			id := fmt.Sprintf("%s-%d", srv.name, srv.seq)
			ch := make(chan outcome, 1)
			srv.pending[id] = ch
			conn := srv.conn
			srv.mu.Unlock()
			return srv.await(ctx, conn, Request{ID: id, Tool: tool, Args: args}, ch)
		case StateStarting, StateRestarting:
			ready := srv.ready
			srv.mu.Unlock()
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return "", srv.ctxErr(ctx, tool)
			}
		default:
			reason := srv.lastErr
			srv.mu.Unlock()
			if reason == "" {
				reason = string(srv.state)
			}
			return "", errors.E(errors.ToolServerUnavailable, "tool server %q is unavailable: %s", srv.name, reason)
		}
	}
}

func (srv *server) await(ctx context.Context, conn Conn, req Request, ch chan outcome) (string, error) {
	if err := conn.Send(ctx, req); err != nil {
		srv.forget(req.ID)
		return "", errors.WrapKind(errors.ToolExecution, err, "failed to send %s to tool server %q", req.Tool, srv.name)
	}
	select {
	case out := <-ch:
		if out.err != nil {
			return "", out.err
		}
		if out.resp.Error != "" {
			return "", errors.E(errors.ToolExecution, "tool %s failed: %s", req.Tool, out.resp.Error)
		}
		return out.resp.Result, nil
	case <-ctx.Done():
		srv.forget(req.ID)
		return "", srv.ctxErr(ctx, req.Tool)
	}
}

func (srv *server) forget(id string) {
	srv.mu.Lock()
	delete(srv.pending, id)
	srv.mu.Unlock()
}

func (srv *server) ctxErr(ctx context.Context, tool string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.E(errors.ToolTimeout, "tool %s/%s timed out after %s", srv.name, tool, srv.sup.opts.CallTimeout)
	}
	return errors.WrapKind(errors.ToolExecution, ctx.Err(), "call to %s/%s cancelled", srv.name, tool)
}
