package supervisor

import (
	"context"
	"os"

	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/tools"
)

// Request is one tool invocation sent to a server process.
type Request struct {
	ID   string         `json:"id"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"arguments,omitempty"`
}

// Response answers the request with the same ID. A non-empty Error means
// the tool ran and reported a failure.
type Response struct {
	ID     string
	Result string
	Error  string
}

// Conn is a live channel to one tool-server process. Responses may arrive
// in any order. Done is closed once the process has exited, after which
// Err reports why.
type Conn interface {
	Send(ctx context.Context, req Request) error
	Responses() <-chan Response
	Done() <-chan struct{}
	Err() error
	Close() error
}

// ToolLister is implemented by connections that can advertise their tools.
type ToolLister interface {
	ListTools(ctx context.Context) ([]tools.ToolInfo, error)
}

// Launcher starts server processes. env is the complete environment of
// the child, secrets included.
type Launcher interface {
	Launch(ctx context.Context, cfg tools.ServerConfig, env []string) (Conn, error)
}

// ProcessLauncher starts servers as local subprocesses speaking the
// transport named in their configuration.
type ProcessLauncher struct{}

func (ProcessLauncher) Launch(ctx context.Context, cfg tools.ServerConfig, env []string) (Conn, error) {
	if cfg.Command == "" {
		return nil, errors.E(errors.Validation, "server %q has no command", cfg.Name)
	}
	switch cfg.Transport {
	case tools.TransportMCP, "":
		return dialMCP(ctx, cfg, env, os.Stderr)
	case tools.TransportJSONL:
		return startJSONL(cfg, env, os.Stderr)
	}
	return nil, errors.E(errors.Validation, "server %q: unknown transport %q", cfg.Name, cfg.Transport)
}
