package remote_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/transilience/transilience/internal/action"
	"github.com/transilience/transilience/internal/actionlib"
	"github.com/transilience/transilience/internal/fileasset"
	"github.com/transilience/transilience/internal/system/remote"
)

const testToken = "s3cret-token"

func startWorker(t *testing.T) (*remote.Worker, string) {
	t.Helper()
	w, err := remote.NewWorker(zerolog.Nop(), action.DefaultRegistry, testToken)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	srv := httptest.NewServer(w.Router(nil))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return w, wsURL
}

func dialClient(t *testing.T, wsURL string) *remote.Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c, err := remote.NewClient(ctx, zerolog.Nop(), "test-host", wsURL, testToken)
	if err != nil {
		cancel()
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		cancel()
	})
	return c
}

func TestClientRejectsWrongToken(t *testing.T) {
	_, wsURL := startWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := remote.NewClient(ctx, zerolog.Nop(), "test-host", wsURL, "wrong-token")
	if err == nil {
		t.Fatal("expected authentication failure with the wrong token")
	}
}

func TestClientExecuteRoundTripsOverWebsocket(t *testing.T) {
	_, wsURL := startWorker(t)
	c := dialClient(t, wsURL)

	dir := t.TempDir()
	touch, err := actionlib.NewTouch(filepath.Join(dir, "created"))
	if err != nil {
		t.Fatalf("NewTouch: %v", err)
	}

	got, err := c.Execute(touch, action.PipelineInfo{ID: "p"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.GetResult().State != action.StateChanged {
		t.Fatalf("state = %s, want changed", got.GetResult().State)
	}
	if _, err := os.Stat(filepath.Join(dir, "created")); err != nil {
		t.Fatalf("expected the worker to have created the file: %v", err)
	}
}

func TestClientSendPipelinedReceivesResult(t *testing.T) {
	_, wsURL := startWorker(t)
	c := dialClient(t, wsURL)

	info := action.PipelineInfo{ID: "p1"}
	a := actionlib.NewNoop(true)
	if err := c.SendPipelined(a, info); err != nil {
		t.Fatalf("SendPipelined: %v", err)
	}

	select {
	case got := <-waitResult(c):
		if got.GetResult().State != action.StateChanged {
			t.Fatalf("state = %s, want changed", got.GetResult().State)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pipelined result")
	}
}

func waitResult(c *remote.Client) <-chan action.Action {
	ch := make(chan action.Action, 1)
	go func() {
		a, err := c.ReceivePipelined()
		if err == nil {
			ch <- a
		}
	}()
	return ch
}

func TestClientServesSharedFileAssetToWorker(t *testing.T) {
	_, wsURL := startWorker(t)
	c := dialClient(t, wsURL)

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "payload.txt")
	if err := os.WriteFile(srcPath, []byte("hello from the controller"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	c.ShareFile(srcPath)

	destDir := t.TempDir()
	destPath := filepath.Join(destDir, "copied.txt")

	copyAction, err := actionlib.NewCopy(fileasset.NewLocal(srcPath), destPath)
	if err != nil {
		t.Fatalf("NewCopy: %v", err)
	}

	got, err := c.Execute(copyAction, action.PipelineInfo{ID: "p2"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got.GetResult().State != action.StateChanged {
		t.Fatalf("state = %s, want changed", got.GetResult().State)
	}

	data, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("expected worker to have written the fetched file: %v", err)
	}
	if string(data) != "hello from the controller" {
		t.Fatalf("content = %q, want %q", data, "hello from the controller")
	}
}
