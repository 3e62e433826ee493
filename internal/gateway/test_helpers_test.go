// ABOUTME: Shared fixtures for gateway tests
// ABOUTME: Fake probes, a test config and an httptest server around the gateway handler

package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/config"
)

type fakeWaker struct {
	mu   sync.Mutex
	macs []string
	err  error
}

func (f *fakeWaker) Wake(_ context.Context, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.macs = append(f.macs, mac)
	return nil
}

func (f *fakeWaker) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.macs...)
}

type fakePinger struct {
	mu sync.Mutex
	up bool
}

func (f *fakePinger) Ping(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up, nil
}

func (f *fakePinger) set(up bool) {
	f.mu.Lock()
	f.up = up
	f.mu.Unlock()
}

type fakeExecutor struct {
	mu   sync.Mutex
	cmds []string
	err  error
}

func (f *fakeExecutor) Exec(_ context.Context, _ string, _ auth.Credentials, argv []string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, strings.Join(argv, " "))
	return nil, f.err
}

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	httpListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := httpListener.Addr().String()
	httpListener.Close()

	return &config.Config{
		Server: config.ServerConfig{
			HTTPAddr: httpAddr,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Machines: map[string]config.MachineConfig{
			"m1": {
				IP:             "10.0.0.5",
				MAC:            "AA-BB-CC-DD-EE-FF",
				User:           "deploy",
				PrivateKeyFile: "/keys/id",
				Tasks: []config.TaskConfig{
					{Name: "backup", Command: []string{"run-backup", "--full"}},
				},
			},
			"m2": {
				IP:  "10.0.0.6",
				MAC: "aa:bb:cc:dd:ee:00",
			},
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// logBuffer collects JSON log lines written from handler goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	gw     *Gateway
	srv    *httptest.Server
	waker  *fakeWaker
	pinger *fakePinger
	exec   *fakeExecutor
	logs   *logBuffer
}

// newTestEnv builds a gateway with fake probes and serves its handler.
func newTestEnv(t *testing.T, cfg *config.Config, opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		waker:  &fakeWaker{},
		pinger: &fakePinger{},
		exec:   &fakeExecutor{},
		logs:   &logBuffer{},
	}
	opts = append([]Option{WithProbes(env.waker, env.pinger, env.exec)}, opts...)

	logger := slog.New(slog.NewJSONHandler(env.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	gw, err := New(cfg, logger, opts...)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	env.gw = gw
	env.srv = httptest.NewServer(gw.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
}
