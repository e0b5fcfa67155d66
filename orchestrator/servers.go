package orchestrator

import (
	"context"

	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/supervisor"
	"github.com/m4xw311/arbor/tools"
	"go.uber.org/zap"
)

// ServerInfo is a tool server as shown to control surfaces.
type ServerInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Enabled     bool             `json:"enabled"`
	Transport   string           `json:"transport"`
	State       supervisor.State `json:"state,omitempty"`
	Restarts    int              `json:"restarts"`
	Error       string           `json:"error,omitempty"`
	Tools       int              `json:"tools"`
}

// Servers lists the registered tool servers with their process state.
func (o *Orchestrator) Servers() []ServerInfo {
	status := make(map[string]supervisor.ServerStatus)
	if o.servers != nil {
		for _, s := range o.servers.Status() {
			status[s.Name] = s
		}
	}
	var out []ServerInfo
	for _, cfg := range o.registry.List() {
		info := ServerInfo{
			Name:        cfg.Name,
			Description: cfg.Description,
			Enabled:     cfg.Enabled,
			Transport:   cfg.Transport,
			Tools:       len(cfg.Tools),
		}
		if s, ok := status[cfg.Name]; ok {
			info.State, info.Restarts, info.Error = s.State, s.Restarts, s.Error
		}
		out = append(out, info)
	}
	return out
}

// ServerChange is a configuration action on one server. Nil fields are
// left alone.
type ServerChange struct {
	Enabled          *bool   `json:"enabled,omitempty"`
	AllowedDirectory *string `json:"allowedDirectory,omitempty"`
}

// ConfigureServer applies change to server name, persists the registry and
// restarts or stops the server process to match.
func (o *Orchestrator) ConfigureServer(ctx context.Context, name string, change ServerChange) error {
	if _, ok := o.registry.Get(name); !ok {
		return errors.E(errors.Validation, "unknown tool server %q", name)
	}
	if change.AllowedDirectory != nil {
		if name != tools.FilesystemServer {
			return errors.E(errors.Validation, "allowed directory only applies to the %s server, not %q", tools.FilesystemServer, name)
		}
		if err := o.registry.UpdateAllowedDirectory(*change.AllowedDirectory); err != nil {
			return err
		}
	}
	if change.Enabled != nil {
		if err := o.registry.SetEnabled(name, *change.Enabled); err != nil {
			return err
		}
	}
	if o.opts.RegistryPath != "" {
		if err := o.registry.Save(o.opts.RegistryPath); err != nil {
			return err
		}
	}
	if o.servers == nil {
		return nil
	}
	cfg, _ := o.registry.Get(name)
	if !cfg.Enabled {
		o.servers.Stop(name)
		o.log.Info("tool server stopped", zap.String("server", name))
		return nil
	}
	if err := o.servers.Restart(ctx, name); err != nil {
		return err
	}
	o.log.Info("tool server restarted", zap.String("server", name))
	return nil
}
