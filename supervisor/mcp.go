package supervisor

import (
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/tools"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpConn is a Conn over an MCP client session with a subprocess.
// CallTool is synchronous in the SDK, so every Send runs in its own
// goroutine and reports through the responses channel.
type mcpConn struct {
	server  string
	cmd     *exec.Cmd
	session *mcpsdk.ClientSession

	ctx       context.Context
	cancel    context.CancelFunc
	responses chan Response
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func dialMCP(ctx context.Context, cfg tools.ServerConfig, env []string, stderr io.Writer) (*mcpConn, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = env
	cmd.Stderr = stderr
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "arbor", Version: "v1.0.0"}, nil)
	session, err := client.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", cfg.Name)
	}
	connCtx, cancel := context.WithCancel(context.Background())
	c := &mcpConn{
		server:    cfg.Name,
		cmd:       cmd,
		session:   session,
		ctx:       connCtx,
		cancel:    cancel,
		responses: make(chan Response, 16),
		done:      make(chan struct{}),
	}
	go func() {
		err := session.Wait()
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		cancel()
		close(c.done)
	}()
	return c, nil
}

func (c *mcpConn) Send(_ context.Context, req Request) error {
	select {
	case <-c.done:
		return errors.E(errors.ToolExecution, "tool server %q exited", c.server)
	default:
	}
	go func() {
		resp := Response{ID: req.ID}
		result, err := c.session.CallTool(c.ctx, &mcpsdk.CallToolParams{
			Name:      req.Tool,
			Arguments: req.Args,
		})
		if err != nil {
			resp.Error = err.Error()
		} else {
			text := contentText(result.Content)
			if result.IsError {
				resp.Error = text
			} else {
				resp.Result = text
			}
		}
		select {
		case c.responses <- resp:
		case <-c.done:
		}
	}()
	return nil
}

func contentText(content []mcpsdk.Content) string {
	var b strings.Builder
	for _, item := range content {
		if t, ok := item.(*mcpsdk.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func (c *mcpConn) Responses() <-chan Response { return c.responses }

func (c *mcpConn) Done() <-chan struct{} { return c.done }

func (c *mcpConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the MCP server subprocess.
func (c *mcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.session.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
	})
	return err
}

// ListTools pages through the server's tool list.
func (c *mcpConn) ListTools(ctx context.Context) ([]tools.ToolInfo, error) {
	var out []tools.ToolInfo
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", c.server)
		}
		for _, t := range list.Tools {
			info := tools.ToolInfo{Server: c.server, Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				if raw, err := json.Marshal(t.InputSchema); err == nil {
					_ = json.Unmarshal(raw, &info.InputSchema)
				}
			}
			out = append(out, info)
		}
		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	return out, nil
}
