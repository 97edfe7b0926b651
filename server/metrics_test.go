package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ftpengine/ftpd"
)

// mockMetricsCollector is a simple mock for testing, safe for the
// concurrent RecordConnection/RecordCommand calls a live session makes.
type mockMetricsCollector struct {
	mu              sync.Mutex
	commands        int
	transfers       int
	connections     int
	authentications int
}

func (m *mockMetricsCollector) RecordCommand(cmd string, success bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands++
}

func (m *mockMetricsCollector) RecordTransfer(operation string, bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers++
}

func (m *mockMetricsCollector) RecordConnection(accepted bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections++
}

func (m *mockMetricsCollector) RecordAuthentication(success bool, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authentications++
}

func (m *mockMetricsCollector) snapshot() (commands, transfers, connections, authentications int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commands, m.transfers, m.connections, m.authentications
}

func TestWithMetricsCollector(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()
	driver, _ := NewFSDriver(tempDir)
	mock := &mockMetricsCollector{}

	s, err := NewServer(":0",
		WithDriver(driver),
		WithMetricsCollector(mock),
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	if s.metricsCollector == nil {
		t.Error("Expected metricsCollector to be set")
	}
}

func TestMetricsCollectorNilSafe(t *testing.T) {
	t.Parallel()
	tempDir := t.TempDir()
	driver, _ := NewFSDriver(tempDir)

	// Server without metrics collector should not panic
	s, err := NewServer(":0",
		WithDriver(driver),
	)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	if s.metricsCollector != nil {
		t.Error("Expected metricsCollector to be nil")
	}

	// This should not panic even though collector is nil
	if s.metricsCollector != nil {
		s.metricsCollector.RecordConnection(true, "accepted")
	}
}

// TestMetricsCollector_RecordsOverTheWire drives a real login and a file
// transfer through a live Server and checks that the mock collector's
// counters actually moved, rather than just confirming the field was set.
func TestMetricsCollector_RecordsOverTheWire(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootDir, "report.txt"), []byte("metrics payload"), 0644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}

	driver, err := NewFSDriver(rootDir,
		WithAuthenticator(func(user, pass, host string) (string, bool, error) {
			return rootDir, false, nil
		}),
	)
	if err != nil {
		t.Fatalf("NewFSDriver failed: %v", err)
	}

	mock := &mockMetricsCollector{}
	s, err := NewServer(":0", WithDriver(driver), WithMetricsCollector(mock))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()
	go func() {
		_ = s.Serve(ln)
	}()

	c, err := ftp.Dial(ln.Addr().String(), ftp.WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = c.Quit() }()

	if err := c.Login("reporter", "secret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	var buf bytes.Buffer
	if err := c.Retrieve("report.txt", &buf); err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if buf.String() != "metrics payload" {
		t.Errorf("unexpected payload: %q", buf.String())
	}

	if err := c.Noop(); err != nil {
		t.Fatalf("Noop failed: %v", err)
	}

	commands, transfers, connections, authentications := mock.snapshot()
	if commands == 0 {
		t.Error("expected RecordCommand to have been called at least once")
	}
	if transfers == 0 {
		t.Error("expected RecordTransfer to have been called for the RETR")
	}
	if connections == 0 {
		t.Error("expected RecordConnection to have been called for the accepted connection")
	}
	if authentications == 0 {
		t.Error("expected RecordAuthentication to have been called for the login")
	}
}
