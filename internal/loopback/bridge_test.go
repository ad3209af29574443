package loopback

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

func startEchoServer(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestEnsureBridge_ForwardsBytes(t *testing.T) {
	targetPort := startEchoServer(t)
	b := New()
	t.Cleanup(b.Shutdown)

	entry, err := b.EnsureBridge(targetPort)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", entry.BridgePort))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := []byte("hello through the bridge")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}

func TestEnsureBridge_OnePerTargetPort(t *testing.T) {
	targetPort := startEchoServer(t)
	b := New()
	t.Cleanup(b.Shutdown)

	e1, err := b.EnsureBridge(targetPort)
	if err != nil {
		t.Fatal(err)
	}
	e2, err := b.EnsureBridge(targetPort)
	if err != nil {
		t.Fatal(err)
	}
	if e1.BridgePort != e2.BridgePort {
		t.Fatalf("expected same bridge port, got %d and %d", e1.BridgePort, e2.BridgePort)
	}
	if len(b.entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(b.entries))
	}
}

func TestEnsureBridge_ConcurrentCallsCoalesce(t *testing.T) {
	targetPort := startEchoServer(t)
	b := New()
	t.Cleanup(b.Shutdown)

	const n = 20
	ports := make([]int, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			entry, err := b.EnsureBridge(targetPort)
			if err != nil {
				t.Error(err)
				return
			}
			ports[i] = entry.BridgePort
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ports[i] != ports[0] {
			t.Fatalf("coalesced ensures returned different ports: %v", ports)
		}
	}
}

func TestEnsureForBaseUrls_DedupesAndSkipsNonLoopback(t *testing.T) {
	targetPort := startEchoServer(t)
	b := New()
	t.Cleanup(b.Shutdown)

	loopbackURL := fmt.Sprintf("http://127.0.0.1:%d", targetPort)
	entries, err := b.EnsureForBaseUrls([]string{loopbackURL, loopbackURL, "https://example.com/api"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry after dedupe, got %d", len(entries))
	}

	again, err := b.EnsureForBaseUrls([]string{loopbackURL})
	if err != nil {
		t.Fatal(err)
	}
	if again[0].BridgePort != entries[0].BridgePort || len(b.entries) != 1 {
		t.Fatalf("second ensure created a new listener")
	}
}

func TestRewriteForHostGateway(t *testing.T) {
	targetPort := startEchoServer(t)
	b := New()
	t.Cleanup(b.Shutdown)

	loopbackURL := fmt.Sprintf("http://127.0.0.1:%d", targetPort)
	entry, err := b.EnsureBridge(targetPort)
	if err != nil {
		t.Fatal(err)
	}

	rewritten := b.RewriteForHostGateway(loopbackURL, "host.internal")
	want := "http://host.internal:" + strconv.Itoa(entry.BridgePort)
	if rewritten != want {
		t.Fatalf("got %q, want %q", rewritten, want)
	}

	// Rewriting an already-rewritten (non-loopback-host) URL is a no-op.
	idempotent := b.RewriteForHostGateway(rewritten, "host.internal")
	if idempotent != rewritten {
		t.Fatalf("rewrite not idempotent: %q then %q", rewritten, idempotent)
	}
}

func TestRewriteForHostGateway_NonLoopbackUnchanged(t *testing.T) {
	b := New()
	t.Cleanup(b.Shutdown)
	u := "https://example.com/webhook"
	if got := b.RewriteForHostGateway(u, "host.internal"); got != u {
		t.Fatalf("expected unchanged, got %q", got)
	}
}
