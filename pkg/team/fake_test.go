package team

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeCommander struct {
	mu sync.Mutex

	calls []string

	// health check succeeds from this attempt on, 0 means never
	healthyAt      int
	healthAttempts int
	healthCalled   chan struct{}

	startErr  error
	failPorts map[string]bool

	// when set, start blocks until closed, ignoring ctx like a daemonizing
	// runner would
	startBlock   chan struct{}
	startEntered chan struct{}
}

func newFakeCommander(healthyAt int) *fakeCommander {
	return &fakeCommander{
		healthyAt:    healthyAt,
		healthCalled: make(chan struct{}, 100),
		failPorts:    make(map[string]bool),
	}
}

func (f *fakeCommander) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call)
}

func (f *fakeCommander) Start(ctx context.Context, dev, runnerConfig string) (int, error) {
	f.record(fmt.Sprintf("%s %s", opStart, dev))
	if f.startBlock != nil {
		f.startEntered <- struct{}{}
		<-f.startBlock
	}

	if f.startErr != nil {
		return -1, f.startErr
	}

	return 0, nil
}

func (f *fakeCommander) Stop(ctx context.Context, dev string) (int, error) {
	f.record(fmt.Sprintf("%s %s", opStop, dev))
	return 0, nil
}

func (f *fakeCommander) HealthCheck(ctx context.Context, dev string) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s %s", opHealthCheck, dev))
	f.healthAttempts++
	healthy := f.healthyAt > 0 && f.healthAttempts >= f.healthyAt
	f.mu.Unlock()

	select {
	case f.healthCalled <- struct{}{}:
	default:
	}

	if healthy {
		return 0, nil
	}

	return 1, nil
}

func (f *fakeCommander) PortAdd(ctx context.Context, dev, port string) (int, error) {
	f.record(fmt.Sprintf("%s %s %s", opPortAdd, dev, port))
	if f.failPorts[port] {
		return 1, nil
	}

	return 0, nil
}

func (f *fakeCommander) PortRemove(ctx context.Context, dev, port string) (int, error) {
	f.record(fmt.Sprintf("%s %s %s", opPortRemove, dev, port))
	if f.failPorts[port] {
		return 1, nil
	}

	return 0, nil
}

// callsOf returns recorded calls of op without the op prefix
func (f *fakeCommander) callsOf(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ret []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+" ") {
			ret = append(ret, strings.TrimPrefix(c, op+" "))
		}
	}

	return ret
}

func (f *fakeCommander) lastCall() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.calls) == 0 {
		return ""
	}

	return f.calls[len(f.calls)-1]
}

func (f *fakeCommander) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *stateRecorder) SetState(up bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.states = append(r.states, up)
	return nil
}

func (r *stateRecorder) get() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]bool(nil), r.states...)
}

func testOptions(cmd Commander) Options {
	return Options{
		Commander:              cmd,
		HealthCheckMaxAttempts: 10,
		HealthCheckInterval:    time.Millisecond,
	}
}

func mustParseConfig(t *testing.T, attrs string) *Config {
	config, err := ParseConfig([]byte(attrs))
	require.NoError(t, err)
	return config
}

func waitDevice(t *testing.T, d *Device) {
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for start sequence")
	}
}

func waitHealthCheck(t *testing.T, f *fakeCommander) {
	select {
	case <-f.healthCalled:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for health check")
	}
}
