// Package orchestrator owns the live agents: it runs their model loops,
// routes their tool calls through the risk policy and the approval gate,
// and keeps their histories bounded.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/config"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/llm"
	"github.com/m4xw311/arbor/logging"
	"github.com/m4xw311/arbor/policy"
	"github.com/m4xw311/arbor/session"
	"github.com/m4xw311/arbor/supervisor"
	"github.com/m4xw311/arbor/tools"
	"github.com/m4xw311/arbor/workspace"
	"go.uber.org/zap"
)

// Dispatcher executes a tool call on a tool server. The supervisor is the
// production implementation.
type Dispatcher interface {
	Call(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// ServerControl restarts and stops tool servers after a configuration
// change.
type ServerControl interface {
	Restart(ctx context.Context, name string) error
	Stop(name string)
	Status() []supervisor.ServerStatus
}

type Options struct {
	Permission   policy.Permission
	MaxTurns     int
	MaxSteps     int
	MaxMessages  int
	TrimInterval time.Duration
	WatchFiles   bool
	RegistryPath string
}

// OptionsFromConfig maps the agents section of the configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	perm, err := policy.ParsePermission(cfg.Agents.Permission)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Permission:   perm,
		MaxTurns:     cfg.Agents.MaxTurns,
		MaxSteps:     cfg.Agents.MaxSteps,
		MaxMessages:  cfg.Agents.MaxMessages,
		TrimInterval: cfg.Agents.TrimInterval,
		WatchFiles:   cfg.Agents.WatchFiles,
		RegistryPath: cfg.RegistryPath,
	}, nil
}

// Deps are the collaborators of an Orchestrator. Servers and Sessions may
// be nil.
type Deps struct {
	Log        *zap.Logger
	Model      llm.Model
	Registry   *tools.Registry
	Policy     *policy.Policy
	Dispatcher Dispatcher
	Servers    ServerControl
	Sessions   *session.Store
}

type entry struct {
	agent  *agent.Agent
	guard  *workspace.Guard
	cancel context.CancelFunc
	done   chan struct{}
}

type Orchestrator struct {
	log        *zap.Logger
	model      llm.Model
	registry   *tools.Registry
	policy     *policy.Policy
	dispatcher Dispatcher
	servers    ServerControl
	sessions   *session.Store
	opts       Options
	ids        *agent.IDs
	gate       *gate
	events     *hub

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	agents map[string]*entry
	order  []string
	active string
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.Permission == "" {
		opts.Permission = policy.Standard
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 50
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = agent.DefaultMaxSteps
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = agent.DefaultMaxMessages
	}
	if deps.Policy == nil {
		deps.Policy, _ = policy.New(config.Policy{})
	}
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		log:        logging.Component(deps.Log, "orchestrator"),
		model:      deps.Model,
		registry:   deps.Registry,
		policy:     deps.Policy,
		dispatcher: deps.Dispatcher,
		servers:    deps.Servers,
		sessions:   deps.Sessions,
		opts:       opts,
		ids:        &agent.IDs{},
		gate:       newGate(),
		events:     newHub(),
		ctx:        ctx,
		cancel:     cancel,
		agents:     make(map[string]*entry),
	}
}

// Create builds an agent in the created state and makes it the active
// agent. An empty permission uses the configured default.
func (o *Orchestrator) Create(opts agent.Options) (*agent.Agent, error) {
	if opts.Permission == "" {
		opts.Permission = o.opts.Permission
	}
	a, err := agent.New(opts, o.ids)
	if err != nil {
		return nil, err
	}
	e := &entry{agent: a}
	if o.opts.WatchFiles && opts.WorkingDirectory != "" {
		g, err := workspace.Watch(opts.WorkingDirectory, o.log)
		if err != nil {
			o.log.Warn("could not watch working directory", zap.String("agent", a.ID()), zap.Error(err))
		} else {
			e.guard = g
			a.SetResource(g)
		}
	}
	a.Observe(o.events.publish)

	o.mu.Lock()
	o.agents[a.ID()] = e
	o.order = append(o.order, a.ID())
	o.active = a.ID()
	o.mu.Unlock()

	o.log.Info("agent created", zap.String("agent", a.ID()), zap.String("name", a.Config().Name))
	o.events.created(a.Snapshot())
	return a, nil
}

func (o *Orchestrator) lookup(id string) (*entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.agents[id]
	if !ok {
		return nil, errors.E(errors.Validation, "unknown agent %q", id)
	}
	return e, nil
}

// alive reports whether a is still registered. Work finishing for a
// removed agent is dropped.
func (o *Orchestrator) alive(a *agent.Agent) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.agents[a.ID()]
	return ok && e.agent == a
}

func (o *Orchestrator) Get(id string) (agent.Snapshot, error) {
	e, err := o.lookup(id)
	if err != nil {
		return agent.Snapshot{}, err
	}
	return e.agent.Snapshot(), nil
}

// List summarizes the live agents in creation order.
func (o *Orchestrator) List() []agent.Summary {
	o.mu.RLock()
	entries := make([]*entry, 0, len(o.order))
	for _, id := range o.order {
		entries = append(entries, o.agents[id])
	}
	o.mu.RUnlock()
	out := make([]agent.Summary, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.agent.Summary())
	}
	return out
}

// Running returns the agents that are running or waiting for approval.
func (o *Orchestrator) Running() []agent.Summary {
	var out []agent.Summary
	for _, s := range o.List() {
		if s.Status == agent.StatusRunning || s.Status == agent.StatusWaiting {
			out = append(out, s)
		}
	}
	return out
}

func (o *Orchestrator) HasActive() bool {
	return len(o.Running()) > 0
}

// Active returns the id of the agent the user is looking at, or "".
func (o *Orchestrator) Active() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.active
}

func (o *Orchestrator) SetActive(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id != "" {
		if _, ok := o.agents[id]; !ok {
			return errors.E(errors.Validation, "unknown agent %q", id)
		}
	}
	o.active = id
	return nil
}

// UpdateStatus moves agent id to status. Unknown ids are ignored.
func (o *Orchestrator) UpdateStatus(id string, status agent.Status, errText string) error {
	e, err := o.lookup(id)
	if err != nil {
		return nil
	}
	return e.agent.UpdateStatus(status, errText)
}

// Start runs the model loop of a created agent in the background.
func (o *Orchestrator) Start(id string) error {
	e, err := o.lookup(id)
	if err != nil {
		return err
	}
	if o.model == nil {
		return errors.E(errors.Validation, "no model configured")
	}
	o.mu.Lock()
	if e.done != nil {
		o.mu.Unlock()
		return errors.E(errors.Validation, "agent %s was already started", id)
	}
	ctx, cancel := context.WithCancel(o.ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	o.mu.Unlock()

	if err := e.agent.UpdateStatus(agent.StatusRunning, ""); err != nil {
		cancel()
		return err
	}
	go o.run(ctx, e)
	return nil
}

// Wait blocks until the model loop of agent id returns or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) error {
	e, err := o.lookup(id)
	if err != nil {
		return err
	}
	o.mu.RLock()
	done := e.done
	o.mu.RUnlock()
	if done == nil {
		return errors.E(errors.Validation, "agent %s was not started", id)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove stops and forgets agent id. The agent stays visible until its
// cleanup has run. A failing resource guard is logged and the agent is
// removed anyway.
func (o *Orchestrator) Remove(id string) error {
	e, err := o.lookup(id)
	if err != nil {
		return err
	}
	o.release(e)

	o.mu.Lock()
	if o.forget(id, e) {
		o.mu.Unlock()
		o.events.removed(id)
		o.log.Info("agent removed", zap.String("agent", id))
		return nil
	}
	o.mu.Unlock()
	return errors.E(errors.Validation, "unknown agent %q", id)
}

// RemoveAll removes every agent.
func (o *Orchestrator) RemoveAll() {
	o.mu.RLock()
	entries := make(map[string]*entry, len(o.agents))
	for id, e := range o.agents {
		entries[id] = e
	}
	o.mu.RUnlock()

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o.release(entries[id])
	}

	var removed []string
	o.mu.Lock()
	for _, id := range ids {
		if o.forget(id, entries[id]) {
			removed = append(removed, id)
		}
	}
	o.mu.Unlock()
	for _, id := range removed {
		o.events.removed(id)
		o.log.Info("agent removed", zap.String("agent", id))
	}
}

// forget deletes e from the registry if it is still registered under id.
// The caller holds o.mu.
func (o *Orchestrator) forget(id string, e *entry) bool {
	if cur, ok := o.agents[id]; !ok || cur != e {
		return false
	}
	delete(o.agents, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	if o.active == id {
		o.active = ""
	}
	return true
}

// release cancels the agent's work and runs its cleanup.
func (o *Orchestrator) release(e *entry) {
	o.mu.RLock()
	cancel := e.cancel
	o.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	o.gate.drop(e.agent.ID())
	if err := e.agent.Release(); err != nil {
		o.log.Warn("agent cleanup failed", zap.String("agent", e.agent.ID()), zap.Error(err))
	}
}

// Trim bounds the histories of agent id. Non-positive limits use the
// configured ones.
func (o *Orchestrator) Trim(id string, maxSteps, maxMessages int) error {
	e, err := o.lookup(id)
	if err != nil {
		return err
	}
	if maxSteps <= 0 {
		maxSteps = o.opts.MaxSteps
	}
	if maxMessages <= 0 {
		maxMessages = o.opts.MaxMessages
	}
	steps, msgs := e.agent.Trim(maxSteps, maxMessages)
	if steps > 0 || msgs > 0 {
		o.log.Debug("trimmed agent history", zap.String("agent", id), zap.Int("steps", steps), zap.Int("messages", msgs))
	}
	return nil
}

// Close removes every agent and stops background work.
func (o *Orchestrator) Close() {
	o.RemoveAll()
	o.cancel()
}
