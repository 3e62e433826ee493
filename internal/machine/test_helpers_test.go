// ABOUTME: Fakes for the registry's network collaborators
// ABOUTME: Lets tests script ping and SSH results and inspect what was sent

package machine

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/wol-gateway/internal/agent"
	"github.com/2389/wol-gateway/internal/auth"
	"github.com/2389/wol-gateway/internal/store"
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

// fakePinger answers per host; hosts not listed are down.
type fakePinger struct {
	mu sync.Mutex
	up map[string]bool
}

func (f *fakePinger) Ping(_ context.Context, host string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up[host], nil
}

func (f *fakePinger) set(host string, up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.up == nil {
		f.up = make(map[string]bool)
	}
	f.up[host] = up
}

type execCall struct {
	addr string
	user string
	cmd  string
}

// fakeExecutor records every command. fail maps a joined command line to the
// error it returns; sshDown makes every command fail.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	fail    map[string]error
	sshDown bool
}

func (f *fakeExecutor) Exec(_ context.Context, addr string, creds auth.Credentials, argv []string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := strings.Join(argv, " ")
	f.calls = append(f.calls, execCall{addr: addr, user: creds.User, cmd: cmd})
	if f.sshDown {
		return nil, io.ErrUnexpectedEOF
	}
	if err, ok := f.fail[cmd]; ok {
		return nil, err
	}
	return []byte("ok\n"), nil
}

func (f *fakeExecutor) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.cmd
	}
	return out
}

func (f *fakeExecutor) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sshDown = down
}

type fakeJournal struct {
	mu   sync.Mutex
	runs []*store.TaskRun
}

func (f *fakeJournal) RecordTaskRun(_ context.Context, run *store.TaskRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	wakes       []bool
	tasks       []bool
	agents      []bool
}

func (o *recordingObserver) StateChanged(_ string, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from.String()+"->"+to.String())
}

func (o *recordingObserver) WakeRequested(_ string, dryRun bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.wakes = append(o.wakes, dryRun)
}

func (o *recordingObserver) TaskFinished(_ string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks = append(o.tasks, ok)
}

func (o *recordingObserver) AgentChanged(_ string, connected bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.agents = append(o.agents, connected)
}

type testEnv struct {
	reg      *Registry
	waker    *fakeWaker
	pinger   *fakePinger
	exec     *fakeExecutor
	journal  *fakeJournal
	observer *recordingObserver
}

const (
	testMachine = "m1"
	testHost    = "10.0.0.5"
	testMAC     = "aa:bb:cc:dd:ee:ff"
)

func testSpecs() []Spec {
	return []Spec{
		{
			Name:        testMachine,
			Host:        testHost,
			MAC:         "AA-BB-CC-DD-EE-FF",
			Credentials: auth.Credentials{User: "deploy", KeyPath: "/keys/id"},
			Tasks: []TaskSpec{
				{Name: "backup", Command: []string{"run-backup", "--full"}},
				{Name: "update", Command: []string{"apt-get", "upgrade", "-y"}},
			},
		},
		{
			Name: "m2",
			Host: "10.0.0.6",
			MAC:  "11:22:33:44:55:66",
		},
	}
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		waker:    &fakeWaker{},
		pinger:   &fakePinger{},
		exec:     &fakeExecutor{fail: map[string]error{}},
		journal:  &fakeJournal{},
		observer: &recordingObserver{},
	}
	opts := Options{
		Waker:    env.waker,
		Pinger:   env.pinger,
		Executor: env.exec,
		Journal:  env.journal,
		Observer: env.observer,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}

	reg, err := NewRegistry(testSpecs(), opts)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(reg.Close)
	env.reg = reg
	return env
}

func (e *testEnv) state(t *testing.T, name string) State {
	t.Helper()
	info, err := e.reg.Get(name)
	require.NoError(t, err)
	return info.State
}

// mockTransport is an in-memory agent transport.
type mockTransport struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once

	mu       sync.Mutex
	sent     [][]byte
	writeErr error
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		incoming: make(chan []byte, 8),
		closed:   make(chan struct{}),
	}
}

func (m *mockTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-m.incoming:
		return data, nil
	case <-m.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockTransport) WriteMessage(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockTransport) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockTransport) failWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// attachAgent connects a fake agent for machine and returns its transport.
func attachAgent(t *testing.T, reg *Registry, machine string, apps []agent.ApplicationInfo) (*agent.Connection, *mockTransport) {
	t.Helper()
	tr := newMockTransport()
	conn := agent.NewConnection(agent.ConnectionParams{
		ID:              "agent-" + machine,
		MachineName:     machine,
		Transport:       tr,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnSessionClosed: reg.HandleSessionClosed,
	})
	conn.Start(context.Background())
	t.Cleanup(func() { _ = conn.Close() })

	err := reg.AttachAgent(&agent.Hello{MachineName: machine, Applications: apps}, conn)
	require.NoError(t, err)
	return conn, tr
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for channel to close")
	}
}
