package tools

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/m4xw311/arbor/config"
	"github.com/m4xw311/arbor/errors"
	"gopkg.in/yaml.v3"
)

// Risk is the approval tier of a tool.
type Risk string

const (
	Safe      Risk = "safe"
	Moderate  Risk = "moderate"
	Dangerous Risk = "dangerous"
)

// Rank orders risks so that policies can compare them.
func (r Risk) Rank() int {
	switch r {
	case Safe:
		return 0
	case Moderate:
		return 1
	case Dangerous:
		return 2
	}
	return 1
}

// Escalate returns the next stricter risk.
func (r Risk) Escalate() Risk {
	switch r {
	case Safe:
		return Moderate
	default:
		return Dangerous
	}
}

const (
	TransportMCP   = "mcp"
	TransportJSONL = "jsonl"
)

// ToolPolicy is the static classification of one tool.
type ToolPolicy struct {
	Category string `yaml:"category"`
	Risk     Risk   `yaml:"risk"`
}

// SecretRef asks the supervisor to export credential Key as environment
// variable Env when launching the server.
type SecretRef struct {
	Env      string
	Key      string
	Required bool
}

// ServerConfig describes how to launch a tool server and how risky its
// tools are.
type ServerConfig struct {
	Name        string
	Description string
	Command     string
	Args        []string
	Env         map[string]string
	Enabled     bool
	Transport   string
	Secrets     []SecretRef
	Tools       map[string]ToolPolicy
	Categories  map[string]string
}

func (c ServerConfig) clone() ServerConfig {
	out := c
	out.Args = append([]string(nil), c.Args...)
	out.Secrets = append([]SecretRef(nil), c.Secrets...)
	out.Env = make(map[string]string, len(c.Env))
	for k, v := range c.Env {
		out.Env[k] = v
	}
	out.Tools = make(map[string]ToolPolicy, len(c.Tools))
	for k, v := range c.Tools {
		out.Tools[k] = v
	}
	out.Categories = make(map[string]string, len(c.Categories))
	for k, v := range c.Categories {
		out.Categories[k] = v
	}
	return out
}

// ToolInfo is a tool as presented to models and control surfaces.
type ToolInfo struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Risk        Risk           `json:"risk"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Registry holds the tool-server catalog. It is safe for concurrent use;
// configuration actions mutate it while agents classify calls.
type Registry struct {
	mu         sync.RWMutex
	servers    map[string]*ServerConfig
	order      []string
	discovered map[string]map[string]ToolInfo
}

// NewRegistry returns a registry holding servers, in order.
func NewRegistry(servers ...ServerConfig) *Registry {
	r := &Registry{
		servers:    make(map[string]*ServerConfig),
		discovered: make(map[string]map[string]ToolInfo),
	}
	for _, s := range servers {
		_ = r.Add(s)
	}
	return r
}

// Add registers a server. Names must be unique.
func (r *Registry) Add(cfg ServerConfig) error {
	if cfg.Name == "" {
		return errors.E(errors.Validation, "tool server without a name")
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportMCP
	}
	if cfg.Transport != TransportMCP && cfg.Transport != TransportJSONL {
		return errors.E(errors.Validation, "server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[cfg.Name]; ok {
		return errors.E(errors.Validation, "tool server %q already registered", cfg.Name)
	}
	c := cfg.clone()
	r.servers[cfg.Name] = &c
	r.order = append(r.order, cfg.Name)
	return nil
}

// Get returns a copy of the named server's configuration.
func (r *Registry) Get(name string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	if !ok {
		return ServerConfig{}, false
	}
	return s.clone(), true
}

// List returns every server in registration order.
func (r *Registry) List() []ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.servers[name].clone())
	}
	return out
}

// Enabled returns the servers that should be running.
func (r *Registry) Enabled() []ServerConfig {
	var out []ServerConfig
	for _, s := range r.List() {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Resolve finds the enabled server that owns tool. Static tables are
// consulted before tools discovered at runtime.
func (r *Registry) Resolve(tool string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		s := r.servers[name]
		if !s.Enabled {
			continue
		}
		if _, ok := s.Tools[tool]; ok {
			return name, true
		}
	}
	for _, name := range r.order {
		if !r.servers[name].Enabled {
			continue
		}
		if _, ok := r.discovered[name][tool]; ok {
			return name, true
		}
	}
	return "", false
}

// Classify returns the risk of tool on server. Anything not in the
// server's static table is Moderate.
func (r *Registry) Classify(server, tool string) Risk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[server]
	if !ok {
		return Moderate
	}
	p, ok := s.Tools[tool]
	if !ok {
		return Moderate
	}
	switch p.Risk {
	case Safe, Moderate, Dangerous:
		return p.Risk
	}
	return Moderate
}

// Category returns the category of tool on server, or "".
func (r *Registry) Category(server, tool string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.servers[server]; ok {
		return s.Tools[tool].Category
	}
	return ""
}

// CategoryDescription returns the human label of a server category.
func (r *Registry) CategoryDescription(server, category string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.servers[server]; ok {
		if d, ok := s.Categories[category]; ok {
			return d
		}
	}
	return category
}

// Learn records the tools a running server advertised.
func (r *Registry) Learn(server string, infos []ToolInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := make(map[string]ToolInfo, len(infos))
	for _, info := range infos {
		info.Server = server
		m[info.Name] = info
	}
	r.discovered[server] = m
}

// Catalog lists the tools of every enabled server, sorted by server then
// tool name.
func (r *Registry) Catalog() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolInfo
	for _, name := range r.order {
		s := r.servers[name]
		if !s.Enabled {
			continue
		}
		seen := make(map[string]bool)
		for tool, disc := range r.discovered[name] {
			seen[tool] = true
			p, ok := s.Tools[tool]
			if !ok {
				p = ToolPolicy{Risk: Moderate}
			}
			disc.Category, disc.Risk = p.Category, p.Risk
			out = append(out, disc)
		}
		for tool, p := range s.Tools {
			if seen[tool] {
				continue
			}
			out = append(out, ToolInfo{Server: name, Name: tool, Category: p.Category, Risk: p.Risk})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Server != out[j].Server {
			return out[i].Server < out[j].Server
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SetEnabled flips a server's enabled flag.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[name]
	if !ok {
		return errors.E(errors.Validation, "unknown tool server %q", name)
	}
	s.Enabled = enabled
	if !enabled {
		delete(r.discovered, name)
	}
	return nil
}

// UpdateAllowedDirectory points the filesystem server at dir.
func (r *Registry) UpdateAllowedDirectory(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return errors.E(errors.Validation, "allowed directory must not be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errors.WrapKind(errors.Validation, err, "invalid directory %q", dir)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[FilesystemServer]
	if !ok {
		return errors.E(errors.Validation, "filesystem server is not registered")
	}
	s.Args = filesystemArgs(abs)
	return nil
}

// AllowedDirectory returns the directory the filesystem server exposes.
func (r *Registry) AllowedDirectory() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[FilesystemServer]
	if !ok || len(s.Args) < 3 {
		return ""
	}
	return s.Args[len(s.Args)-1]
}

// IsDirectoryAllowed reports whether path lies inside the filesystem
// server's allowed directory.
func (r *Registry) IsDirectoryAllowed(path string) bool {
	root := r.AllowedDirectory()
	if root == "" {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Apply merges configuration entries into the registry. Entries naming a
// known server override its launch descriptor; others register a new
// server with an empty risk table.
func (r *Registry) Apply(entries []config.Server) error {
	for _, e := range entries {
		if _, ok := r.Get(e.Name); !ok {
			if e.Command == "" {
				return errors.E(errors.Validation, "server %q: command is required", e.Name)
			}
			if err := r.Add(ServerConfig{
				Name:      e.Name,
				Command:   e.Command,
				Transport: e.Transport,
				Enabled:   true,
			}); err != nil {
				return err
			}
		}
		if e.AllowedDirectory != "" && e.Name == FilesystemServer {
			if err := r.UpdateAllowedDirectory(e.AllowedDirectory); err != nil {
				return err
			}
		}
		r.mu.Lock()
		s := r.servers[e.Name]
		if e.Command != "" {
			s.Command = e.Command
		}
		if e.Args != nil {
			s.Args = append([]string(nil), e.Args...)
		}
		if e.Transport != "" {
			s.Transport = e.Transport
		}
		for k, v := range e.Env {
			if s.Env == nil {
				s.Env = make(map[string]string)
			}
			s.Env[k] = v
		}
		if e.Enabled != nil {
			s.Enabled = *e.Enabled
		}
		r.mu.Unlock()
	}
	return nil
}

// Entries returns the persisted form of the registry: launch descriptor
// and enabled flag per server. Secrets are never part of it.
func (r *Registry) Entries() []config.Server {
	var out []config.Server
	for _, s := range r.List() {
		enabled := s.Enabled
		out = append(out, config.Server{
			Name:      s.Name,
			Enabled:   &enabled,
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			Transport: s.Transport,
		})
	}
	return out
}

// Load applies the registry file at path, if it exists.
func (r *Registry) Load(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.WrapKind(errors.Storage, err, "could not read registry %s", path)
	}
	var entries []config.Server
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not parse registry %s", path)
	}
	return r.Apply(entries)
}

// Save writes the registry entries to path.
func (r *Registry) Save(path string) error {
	data, err := yaml.Marshal(r.Entries())
	if err != nil {
		return errors.Wrapf(err, "failed to serialize registry")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not create registry directory")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.WrapKind(errors.Storage, err, "could not write registry %s", path)
	}
	return nil
}
