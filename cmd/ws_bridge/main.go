// Command ws_bridge exposes a stdio JSON-RPC server, normally
// "arbor serve", over a WebSocket. Each text message is written to the
// child's stdin as one line and each stdout line becomes one message.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/arbor/config"
	"github.com/m4xw311/arbor/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var addr, level string
	cmd := &cobra.Command{
		Use:          "ws_bridge [flags] -- command [args...]",
		Short:        "Bridge a stdio JSON-RPC server to WebSocket clients",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(config.Logging{Level: level})
			if err != nil {
				return err
			}
			defer log.Sync()

			mux := http.NewServeMux()
			mux.Handle("/ws", &bridge{log: log, command: args})
			log.Info("WebSocket bridge running", zap.String("url", "ws://"+addr+"/ws"), zap.Strings("command", args))
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "Listen address")
	cmd.Flags().StringVar(&level, "log-level", "info", "Log level")
	return cmd
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// bridge starts one child process per WebSocket connection.
type bridge struct {
	log     *zap.Logger
	command []string
}

func (b *bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	log := b.log.With(zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	cmd := exec.CommandContext(ctx, b.command[0], b.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Error("could not open child stdin", zap.Error(err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("could not open child stdout", zap.Error(err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error("could not open child stderr", zap.Error(err))
		return
	}
	if err := cmd.Start(); err != nil {
		log.Error("could not start child", zap.Error(err))
		return
	}
	log.Info("client connected", zap.Int("pid", cmd.Process.Pid))
	defer func() {
		stdin.Close()
		cancel()
		err := cmd.Wait()
		log.Info("client disconnected", zap.Error(err))
	}()

	go forwardLines(stdout, func(line []byte) error {
		return conn.WriteMessage(websocket.TextMessage, line)
	}, log)
	go forwardLines(stderr, func(line []byte) error {
		log.Debug("child stderr", zap.ByteString("line", line))
		return nil
	}, log)

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read failed", zap.Error(err))
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if _, err := stdin.Write(append(msg, '\n')); err != nil {
			log.Warn("could not write to child", zap.Error(err))
			return
		}
	}
}

// forwardLines calls send with each line read from r.
func forwardLines(r io.Reader, send func([]byte) error, log *zap.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for sc.Scan() {
		if err := send(append([]byte(nil), sc.Bytes()...)); err != nil {
			log.Debug("forward stopped", zap.Error(err))
			return
		}
	}
}
