package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestJSONLFraming(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	c := newJSONLConn("t", respR, reqW, nil, nil)

	go func() {
		sc := bufio.NewScanner(reqR)
		var reqs []Request
		for len(reqs) < 2 && sc.Scan() {
			var r Request
			if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
				return
			}
			reqs = append(reqs, r)
		}
		fmt.Fprintf(respW, "not json\n")
		fmt.Fprintf(respW, `{"id":%q,"result":{"n":1}}`+"\n", reqs[1].ID)
		fmt.Fprintf(respW, `{"id":%q,"error":"boom"}`+"\n", reqs[0].ID)
		respW.Close()
	}()

	ctx := context.Background()
	if err := c.Send(ctx, Request{ID: "t-1", Tool: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(ctx, Request{ID: "t-2", Tool: "b", Args: map[string]any{"x": 1}}); err != nil {
		t.Fatal(err)
	}

	got := map[string]Response{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case r := <-c.Responses():
			got[r.ID] = r
		case <-timeout:
			t.Fatalf("timed out, got %+v", got)
		}
	}
	if got["t-2"].Result != `{"n":1}` {
		t.Errorf("t-2 result = %q", got["t-2"].Result)
	}
	if got["t-1"].Error != "boom" {
		t.Errorf("t-1 error = %q", got["t-1"].Error)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection not done after EOF")
	}
	if c.Err() != nil {
		t.Errorf("Err = %v", c.Err())
	}
}

func TestResultText(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"plain"`, "plain"},
		{`[1,2]`, `[1,2]`},
		{``, ``},
	}
	for _, tt := range tests {
		if got := resultText(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("resultText(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestJSONLOversizedFrameKillsChild(t *testing.T) {
	_, reqW := io.Pipe()
	respR, respW := io.Pipe()
	exited := make(chan struct{})
	var once sync.Once
	kill := func() error {
		once.Do(func() {
			respR.Close()
			close(exited)
		})
		return nil
	}
	wait := func() error {
		<-exited
		return stderrors.New("signal: killed")
	}
	c := newJSONLConn("t", respR, reqW, wait, kill)

	go func() {
		respW.Write([]byte(strings.Repeat("x", maxFrameSize+1) + "\n"))
	}()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not done after an oversized frame")
	}
	if !stderrors.Is(c.Err(), bufio.ErrTooLong) {
		t.Errorf("Err = %v, want %v", c.Err(), bufio.ErrTooLong)
	}
}
