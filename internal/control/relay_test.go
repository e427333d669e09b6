package control

import (
	"fmt"
	"log/slog"
	"net/http"
	"testing"
	"time"
)

func TestRelayServer_Healthz(t *testing.T) {
	t.Parallel()

	healthy := true
	srv := NewRelayServer("127.0.0.1:0", func() bool { return healthy }, nil, nil)
	addr := startAndDiscoverAddr(t, srv)
	defer srv.Stop()

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 when healthy, got %d", resp.StatusCode)
	}

	healthy = false
	resp, err = http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when unhealthy, got %d", resp.StatusCode)
	}
}

func TestRelayServer_LogFilterAcceptsValidLevel(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	level.Set(slog.LevelInfo)
	reloader := NewLevelReloader(&level)

	srv := NewRelayServer("127.0.0.1:0", nil, reloader, nil)
	addr := startAndDiscoverAddr(t, srv)
	defer srv.Stop()

	resp, err := http.Post(fmt.Sprintf("http://%s/log_filter?directives=debug", addr), "", nil)
	if err != nil {
		t.Fatalf("POST /log_filter: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for a valid directive, got %d", resp.StatusCode)
	}
	if level.Level() != slog.LevelDebug {
		t.Fatalf("expected the level var to be updated to debug, got %s", level.Level())
	}
}

func TestRelayServer_LogFilterRejectsInvalidDirectives(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	reloader := NewLevelReloader(&level)

	srv := NewRelayServer("127.0.0.1:0", nil, reloader, nil)
	addr := startAndDiscoverAddr(t, srv)
	defer srv.Stop()

	resp, err := http.Post(fmt.Sprintf("http://%s/log_filter?directives=not-a-level", addr), "", nil)
	if err != nil {
		t.Fatalf("POST /log_filter: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid directive, got %d", resp.StatusCode)
	}
}

func TestRelayServer_LogFilterWithoutReloaderIsNotImplemented(t *testing.T) {
	t.Parallel()

	srv := NewRelayServer("127.0.0.1:0", nil, nil, nil)
	addr := startAndDiscoverAddr(t, srv)
	defer srv.Stop()

	resp, err := http.Post(fmt.Sprintf("http://%s/log_filter?directives=debug", addr), "", nil)
	if err != nil {
		t.Fatalf("POST /log_filter: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a reloader configured, got %d", resp.StatusCode)
	}
}

// startAndDiscoverAddr starts srv on an OS-chosen loopback port and waits
// until it's actually accepting connections before returning its address.
func startAndDiscoverAddr(t *testing.T, srv *RelayServer) string {
	t.Helper()
	if err := srv.Start(); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	addr := srv.BoundAddr()
	// Give the background goroutine a moment to start accepting; Start
	// only guarantees the listener is bound, not that Serve has looped.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := http.Get(fmt.Sprintf("http://%s/healthz", addr)); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return addr
}
