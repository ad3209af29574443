// Package loopback implements C3: a per-target TCP accept+forward bridge so
// sandboxed containers can reach host loopback services, by republishing
// host loopback ports under a sandbox-reachable bind.
package loopback

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/time/rate"
)

// Entry is one bridged loopback port (BridgeEntry, spec.md §3).
type Entry struct {
	TargetPort int
	BridgePort int

	listener net.Listener
}

// Bridge owns the target-port -> Entry map and the acceptors backing it.
// At most one acceptor exists per distinct target port.
type Bridge struct {
	mu       sync.Mutex
	entries  map[int]*Entry
	inflight map[int]*inflightEnsure

	// acceptLimiter caps the rate of accepted connections per bridge so a
	// misbehaving sandbox client cannot exhaust host file descriptors by
	// hammering the accept loop.
	acceptLimiter *rate.Limiter
}

type inflightEnsure struct {
	done  chan struct{}
	entry *Entry
	err   error
}

// New constructs an empty Bridge.
func New() *Bridge {
	return &Bridge{
		entries:       make(map[int]*Entry),
		inflight:      make(map[int]*inflightEnsure),
		acceptLimiter: rate.NewLimiter(rate.Limit(200), 50),
	}
}

var loopbackHosts = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"[::1]":     true,
}

func parseLoopback(rawURL string) (port int, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return 0, false
	}
	hostname := u.Hostname()
	if !loopbackHosts[hostname] {
		return 0, false
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	if u.Scheme == "https" {
		return 443, true
	}
	return 80, true
}

// EnsureForBaseUrls parses each URL, discards non-loopback/non-http entries,
// dedupes target ports, and ensures a bridge acceptor per distinct port.
// Calling it twice with the same URL (or URLs sharing a target port) never
// creates a second listener.
func (b *Bridge) EnsureForBaseUrls(urls []string) ([]*Entry, error) {
	seen := make(map[int]bool)
	var out []*Entry
	for _, raw := range urls {
		port, ok := parseLoopback(raw)
		if !ok || seen[port] {
			continue
		}
		seen[port] = true
		entry, err := b.EnsureBridge(port)
		if err != nil {
			return out, fmt.Errorf("ensure bridge for port %d: %w", port, err)
		}
		out = append(out, entry)
	}
	return out, nil
}

// EnsureBridge returns the existing Entry for targetPort, or creates one.
// Concurrent ensures for the same port are coalesced onto a single acceptor.
func (b *Bridge) EnsureBridge(targetPort int) (*Entry, error) {
	b.mu.Lock()
	if entry, ok := b.entries[targetPort]; ok {
		b.mu.Unlock()
		return entry, nil
	}
	if pending, ok := b.inflight[targetPort]; ok {
		b.mu.Unlock()
		<-pending.done
		return pending.entry, pending.err
	}

	pending := &inflightEnsure{done: make(chan struct{})}
	b.inflight[targetPort] = pending
	b.mu.Unlock()

	entry, err := b.createBridge(targetPort)

	b.mu.Lock()
	delete(b.inflight, targetPort)
	if err == nil {
		b.entries[targetPort] = entry
	}
	b.mu.Unlock()

	pending.entry = entry
	pending.err = err
	close(pending.done)
	return entry, err
}

func (b *Bridge) createBridge(targetPort int) (*Entry, error) {
	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("bind bridge listener: %w", err)
	}
	bridgePort := listener.Addr().(*net.TCPAddr).Port

	entry := &Entry{
		TargetPort: targetPort,
		BridgePort: bridgePort,
		listener:   listener,
	}

	go b.acceptLoop(entry)
	return entry, nil
}

func (b *Bridge) acceptLoop(entry *Entry) {
	for {
		conn, err := entry.listener.Accept()
		if err != nil {
			return // listener closed by Shutdown
		}
		if !b.acceptLimiter.Allow() {
			conn.Close()
			continue
		}
		go b.forward(entry, conn)
	}
}

func (b *Bridge) forward(entry *Entry, client net.Conn) {
	upstream, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", entry.TargetPort))
	if err != nil {
		slog.Warn("loopback bridge: upstream dial failed", "targetPort", entry.TargetPort, "error", err)
		client.Close()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pipe(&wg, upstream, client)
	go pipe(&wg, client, upstream)
	wg.Wait()
}

func pipe(wg *sync.WaitGroup, dst, src net.Conn) {
	defer wg.Done()
	_, _ = io.Copy(dst, src)
	// Destroy both sides on either error/EOF so the peer goroutine unblocks.
	dst.Close()
	src.Close()
}

// RewriteForHostGateway rewrites a loopback URL to use gateway as the host
// and the bridged port in place of the original target port. Non-loopback
// URLs are returned unchanged. Idempotent against repeated rewriting since
// the rewritten URL's host is no longer a loopback host.
func (b *Bridge) RewriteForHostGateway(rawURL, gateway string) string {
	port, ok := parseLoopback(rawURL)
	if !ok {
		return rawURL
	}

	b.mu.Lock()
	entry, exists := b.entries[port]
	b.mu.Unlock()
	if !exists {
		return rawURL
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Host = net.JoinHostPort(gateway, strconv.Itoa(entry.BridgePort))
	return u.String()
}

// Shutdown snapshots and clears the entry map, closing all acceptors.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	entries := b.entries
	b.entries = make(map[int]*Entry)
	b.inflight = make(map[int]*inflightEnsure)
	b.mu.Unlock()

	for _, entry := range entries {
		_ = entry.listener.Close()
	}
}
