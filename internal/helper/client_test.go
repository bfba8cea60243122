package helper

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonmagon/kdiskmark/helper/internal/process"
)

func TestReplyError(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want error
	}{
		{"success", Message{Type: MessageReply}, nil},
		{"denied", Message{Code: CodeAccessDenied, Error: "access denied"}, ErrAccessDenied},
		{"bad request", Message{Code: CodeBadRequest, Error: "invalid request: x"}, ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := replyError(tt.msg)
			if tt.want == nil {
				if err != nil {
					t.Errorf("replyError = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("replyError = %v, want %v", err, tt.want)
			}
		})
	}

	if err := replyError(Message{Code: CodeInternal, Error: "boom"}); err == nil {
		t.Error("internal error not reported")
	}
}

// TestClient_RoutesRepliesAndEvents drives a Client against a scripted peer.
func TestClient_RoutesRepliesAndEvents(t *testing.T) {
	dir, err := os.MkdirTemp("", "kdm")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	socket := filepath.Join(dir, "c.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		dec := json.NewDecoder(conn)
		enc := json.NewEncoder(conn)

		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		// A notification may arrive before the reply it relates to.
		enc.Encode(Message{Type: MessageTaskFinished, Task: &process.Completion{RunID: 7, Succeeded: true, Stdout: "{}"}})
		enc.Encode(Message{Type: MessageReply, ID: req.ID, Result: json.RawMessage(`true`)})

		// Hold the connection until the client hangs up.
		dec.Decode(&req)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, socket)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	removed, err := c.RemoveFile(ctx, "/mnt/x/.kdiskmark.tmp")
	if err != nil || !removed {
		t.Fatalf("RemoveFile = %v, %v", removed, err)
	}

	select {
	case ev := <-c.Events():
		if ev.RunID != 7 || !ev.Succeeded {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	c.Close()
	if err := c.StopCurrentTask(ctx); err == nil {
		t.Error("call on closed client succeeded")
	}
}
