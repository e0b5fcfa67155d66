package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/m4xw311/arbor/agent"
	"github.com/m4xw311/arbor/credentials"
	"github.com/m4xw311/arbor/errors"
	"github.com/m4xw311/arbor/logging"
	"github.com/m4xw311/arbor/orchestrator"
	"go.uber.org/zap"
)

// JSON-RPC error codes. The -320xx range is ours.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeStorage         = -32000
	codeUnavailable     = -32001
	codeToolExecution   = -32002
	codeToolTimeout     = -32003
	codePolicyViolation = -32004
)

// request represents a JSON-RPC 2.0 request message
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response represents a JSON-RPC 2.0 response message
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type Server struct {
	log   *zap.Logger
	orch  *orchestrator.Orchestrator
	creds credentials.Store

	in        *bufio.Reader
	out       *bufio.Writer
	writeLock sync.Mutex
}

// New returns a server reading requests from in and writing to out. creds
// may be nil, in which case credential methods fail with a storage error.
func New(log *zap.Logger, orch *orchestrator.Orchestrator, creds credentials.Store, in io.Reader, out io.Writer) *Server {
	return &Server{
		log:   logging.Component(log, "rpc"),
		orch:  orch,
		creds: creds,
		in:    bufio.NewReader(in),
		out:   bufio.NewWriter(out),
	}
}

// Serve handles requests until in reaches EOF or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	unsubscribe := s.orch.Subscribe(s.updates())
	defer unsubscribe()

	// Handlers run concurrently so a slow restart does not hold up
	// approvals. Responses may arrive out of order.
	var inflight sync.WaitGroup
	defer inflight.Wait()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			line, err := s.readFramedMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err == io.EOF {
				s.log.Debug("input closed")
				return nil
			}
			return errors.Wrapf(err, "rpc: read error")
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				s.handle(ctx, line)
			}()
		}
	}
}

// readFramedMessage reads one newline-delimited payload. A final line
// without a newline is still returned.
func (s *Server) readFramedMessage() ([]byte, error) {
	line, err := s.in.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		return trimLine(line), nil
	}
	if err != nil {
		return nil, err
	}
	return trimLine(line), nil
}

func trimLine(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func (s *Server) handle(ctx context.Context, payload []byte) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.log.Debug("parse error", zap.Error(err))
		_ = s.writeResponseError(nil, codeParseError, "Parse error", nil)
		return
	}
	if req.Method == "" {
		_ = s.writeResponseError(req.ID, codeInvalidRequest, "Invalid request", nil)
		return
	}
	h, ok := s.methods()[req.Method]
	if !ok {
		if req.ID != nil {
			_ = s.writeResponseError(req.ID, codeMethodNotFound, "Method not found", req.Method)
		}
		return
	}
	result, err := h(ctx, req.Params)
	if req.ID == nil {
		// Notifications get no response.
		return
	}
	if err != nil {
		s.log.Debug("request failed", zap.String("method", req.Method), zap.Error(err))
		code, msg := errorCode(err)
		_ = s.writeResponseError(req.ID, code, msg, map[string]any{"kind": errors.KindOf(err), "detail": err.Error()})
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		_ = s.writeResponseError(req.ID, codeInternalError, "Internal error", err.Error())
		return
	}
	_ = s.writeResponseOK(req.ID, data)
}

// errorCode maps an error kind to a JSON-RPC code and message.
func errorCode(err error) (int, string) {
	switch errors.KindOf(err) {
	case errors.Validation, errors.NotPending:
		return codeInvalidParams, "Invalid params"
	case errors.Storage:
		return codeStorage, "Storage error"
	case errors.ToolServerUnavailable:
		return codeUnavailable, "Tool server unavailable"
	case errors.ToolExecution:
		return codeToolExecution, "Tool execution failed"
	case errors.ToolTimeout:
		return codeToolTimeout, "Tool call timed out"
	case errors.PolicyViolation:
		return codePolicyViolation, "Policy violation"
	}
	return codeInternalError, "Internal error"
}

// writeFramedJSON serializes and writes one message followed by a newline.
func (s *Server) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize JSON-RPC message")
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if err := s.out.WriteByte('\n'); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) writeResponseOK(id any, result json.RawMessage) error {
	return s.writeFramedJSON(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeResponseError(id any, code int, msg string, data any) error {
	return s.writeFramedJSON(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg, Data: data}})
}

func (s *Server) writeNotification(method string, params any) error {
	return s.writeFramedJSON(notification{JSONRPC: "2.0", Method: method, Params: params})
}

// update is the payload of an agent/update notification.
type update struct {
	AgentID string          `json:"agentId"`
	Type    string          `json:"type"`
	Status  agent.Status    `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
	Step    *agent.Step     `json:"step,omitempty"`
	Message *agent.Message  `json:"message,omitempty"`
	Agent   *agent.Snapshot `json:"agent,omitempty"`
	Updated bool            `json:"updated,omitempty"`
}

func (s *Server) updates() orchestrator.Callbacks {
	send := func(u update) {
		if err := s.writeNotification("agent/update", u); err != nil {
			s.log.Debug("could not send agent/update", zap.Error(err))
		}
	}
	return orchestrator.Callbacks{
		OnCreated: func(snap agent.Snapshot) {
			send(update{AgentID: snap.ID, Type: "created", Status: snap.Status, Agent: &snap})
		},
		OnRemoved: func(id string) {
			send(update{AgentID: id, Type: "removed"})
		},
		OnStatus: func(id string, status agent.Status, errText string) {
			send(update{AgentID: id, Type: "status", Status: status, Error: errText})
		},
		OnStep: func(id string, step agent.Step, updated bool) {
			send(update{AgentID: id, Type: "step", Step: &step, Updated: updated})
		},
		OnMessage: func(id string, msg agent.Message, updated bool) {
			send(update{AgentID: id, Type: "message", Message: &msg, Updated: updated})
		},
	}
}
