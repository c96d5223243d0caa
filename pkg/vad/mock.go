package vad

import "sync"

// MockGate is a mock implementation of Gate for testing.
// It allows customizing the behavior of DetectChunk through DetectFunc.
type MockGate struct {
	// DetectFunc is called when DetectChunk is invoked.
	// If nil, no events are returned.
	DetectFunc func(samples []float32) ([]Event, error)

	// DetectCalls records all calls to DetectChunk for verification.
	DetectCalls [][]float32

	// ResetCalled tracks if Reset was called.
	ResetCalled bool

	// DestroyCalled tracks if Destroy was called.
	DestroyCalled bool

	mu sync.Mutex
}

// NewMockGate creates a new MockGate with default behavior (all silence).
func NewMockGate() *MockGate {
	return &MockGate{
		DetectCalls: make([][]float32, 0),
	}
}

// NewMockGateWithScript creates a MockGate that replays scripted events
// keyed by call index. Chunks with no entry produce no events.
func NewMockGateWithScript(script map[int][]Event) *MockGate {
	idx := 0
	return &MockGate{
		DetectFunc: func(samples []float32) ([]Event, error) {
			events := script[idx]
			idx++
			return events, nil
		},
		DetectCalls: make([][]float32, 0),
	}
}

// DetectChunk implements Gate.
func (m *MockGate) DetectChunk(samples []float32) ([]Event, error) {
	m.mu.Lock()
	// Copy so later mutation of the caller's slice cannot corrupt the record.
	samplesCopy := make([]float32, len(samples))
	copy(samplesCopy, samples)
	m.DetectCalls = append(m.DetectCalls, samplesCopy)
	m.mu.Unlock()

	if m.DetectFunc != nil {
		return m.DetectFunc(samples)
	}
	return nil, nil
}

// Reset implements Gate.
func (m *MockGate) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCalled = true
	return nil
}

// Destroy implements Gate.
func (m *MockGate) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DestroyCalled = true
	return nil
}

// DetectCallCount returns the number of times DetectChunk was called.
func (m *MockGate) DetectCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.DetectCalls)
}

// Ensure MockGate implements Gate at compile time.
var _ Gate = (*MockGate)(nil)
