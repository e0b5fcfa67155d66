package main

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestForwardLines(t *testing.T) {
	var got []string
	forwardLines(strings.NewReader("one\ntwo\n\nthree"), func(b []byte) error {
		got = append(got, string(b))
		return nil
	}, zap.NewNop())
	if strings.Join(got, "|") != "one|two||three" {
		t.Errorf("lines = %q", got)
	}
}

func TestBridgeEchoesThroughChild(t *testing.T) {
	srv := httptest.NewServer(&bridge{log: zap.NewNop(), command: []string{"cat"}})
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != req {
		t.Errorf("echo = %q", msg)
	}
}
