package device

import (
	"context"
	"sync"
)

// Call records a single SetPower invocation.
type Call struct {
	DeviceID string
	On       bool
}

// MockController is a scriptable controller used in tests. Calls succeed and
// update the simulated power state unless a failure has been scripted for the
// device.
type MockController struct {
	mu      sync.Mutex
	calls   []Call
	states  map[string]bool
	errs    map[string]error
	failing map[string]int // remaining failing calls, -1 means forever
}

// NewMockController creates a new MockController.
func NewMockController() *MockController {
	return &MockController{
		states:  make(map[string]bool),
		errs:    make(map[string]error),
		failing: make(map[string]int),
	}
}

// FailWith makes every call for the device return err.
func (m *MockController) FailWith(deviceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[deviceID] = err
	m.failing[deviceID] = -1
}

// FailTimes makes the next n calls for the device return err, after which
// calls succeed again.
func (m *MockController) FailTimes(deviceID string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[deviceID] = err
	m.failing[deviceID] = n
}

// SetPower records the call and applies the scripted outcome.
func (m *MockController) SetPower(_ context.Context, deviceID string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{DeviceID: deviceID, On: on})
	if n := m.failing[deviceID]; n != 0 {
		if n > 0 {
			m.failing[deviceID] = n - 1
		}
		return m.errs[deviceID]
	}
	m.states[deviceID] = on
	return nil
}

// Calls returns the recorded calls for the device, in order.
func (m *MockController) Calls(deviceID string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	return out
}

// State reports the last successfully applied power state of the device.
func (m *MockController) State(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[deviceID]
}
