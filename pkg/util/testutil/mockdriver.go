package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/otelfleet/fleetlink/pkg/supervisor"
)

// MockDriver stands in for a collector process in supervisor tests. Every
// lifecycle call is recorded, and failures are injected per call.
type MockDriver struct {
	mu sync.Mutex

	running   bool
	status    string
	lastError string
	startedAt time.Time

	// Configs is the file set from the most recent Start or Reload.
	Configs []string

	StartCalls   int
	ReloadCalls  int
	RestartCalls int

	// FailNext makes the next lifecycle call return this error once.
	FailNext error
}

var _ supervisor.Driver = (*MockDriver)(nil)

func NewMockDriver() *MockDriver {
	return &MockDriver{status: "stopped"}
}

func (m *MockDriver) Start(_ context.Context, configs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartCalls++
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.Configs = append([]string(nil), configs...)
	m.running = true
	m.status = "running"
	m.startedAt = time.Now()
	return nil
}

func (m *MockDriver) Reload(_ context.Context, configs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReloadCalls++
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.Configs = append([]string(nil), configs...)
	m.running = true
	m.status = "running"
	return nil
}

func (m *MockDriver) Restart(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RestartCalls++
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.running = true
	m.status = "running"
	m.startedAt = time.Now()
	return nil
}

func (m *MockDriver) Health() supervisor.ProcessHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return supervisor.ProcessHealth{
		Running:   m.running,
		Status:    m.status,
		LastError: m.lastError,
		StartedAt: m.startedAt,
	}
}

func (m *MockDriver) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.status = "stopped"
	return nil
}

// SetUnhealthy flips the reported health without a lifecycle call, as a
// crashed process would.
func (m *MockDriver) SetUnhealthy(lastError string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.status = "crashed"
	m.lastError = lastError
}

func (m *MockDriver) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	if err != nil {
		m.lastError = err.Error()
	}
	return err
}
