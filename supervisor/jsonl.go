package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"sync"

	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/tools"
)

const maxFrameSize = 4 << 20

// frame is a response line: {"id": "...", "result": ..., "error": "..."}.
type frame struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// jsonlConn speaks newline-delimited JSON over a child's stdin and stdout.
type jsonlConn struct {
	server string

	wmu sync.Mutex
	w   io.WriteCloser

	responses chan Response
	done      chan struct{}
	kill      func() error
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

func startJSONL(cfg tools.ServerConfig, env []string, stderr io.Writer) (*jsonlConn, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = env
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open stdin of '%s'", cfg.Name)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open stdout of '%s'", cfg.Name)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start tool server '%s'", cfg.Name)
	}
	kill := func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	return newJSONLConn(cfg.Name, stdout, stdin, cmd.Wait, kill), nil
}

// newJSONLConn reads frames from r until EOF, then calls wait to collect
// the exit status.
func newJSONLConn(server string, r io.Reader, w io.WriteCloser, wait, kill func() error) *jsonlConn {
	c := &jsonlConn{
		server:    server,
		w:         w,
		responses: make(chan Response, 16),
		done:      make(chan struct{}),
		kill:      kill,
	}
	go c.readLoop(r, wait)
	return c
}

func (c *jsonlConn) readLoop(r io.Reader, wait func() error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil || f.ID == "" {
			continue
		}
		c.responses <- Response{ID: f.ID, Result: resultText(f.Result), Error: f.Error}
	}
	err := scanner.Err()
	if err != nil && c.kill != nil {
		// The child is still writing; stop it so wait returns.
		c.kill()
	}
	if wait != nil {
		if werr := wait(); err == nil {
			err = werr
		}
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}

// resultText unwraps JSON strings and passes any other value through as
// its JSON text.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (c *jsonlConn) Send(_ context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrapf(err, "failed to encode request %s", req.ID)
	}
	data = append(data, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return errors.WrapKind(errors.ToolExecution, err, "failed to write to tool server %q", c.server)
	}
	return nil
}

func (c *jsonlConn) Responses() <-chan Response { return c.responses }

func (c *jsonlConn) Done() <-chan struct{} { return c.done }

func (c *jsonlConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *jsonlConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.w.Close()
		if c.kill != nil {
			c.kill()
		}
	})
	return err
}
