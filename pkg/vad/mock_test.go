package vad

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGate_Default(t *testing.T) {
	gate := NewMockGate()

	events, err := gate.DetectChunk(make([]float32, 512))
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 1, gate.DetectCallCount())
}

func TestMockGate_Script(t *testing.T) {
	gate := NewMockGateWithScript(map[int][]Event{
		0: {{Type: SpeechStart, Offset: 100}},
		2: {{Type: SpeechEnd, Offset: 200}},
	})

	chunk := make([]float32, 512)

	events, err := gate.DetectChunk(chunk)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SpeechStart, events[0].Type)
	assert.Equal(t, 100, events[0].Offset)

	events, err = gate.DetectChunk(chunk)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = gate.DetectChunk(chunk)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SpeechEnd, events[0].Type)
}

func TestMockGate_RecordsCopies(t *testing.T) {
	gate := NewMockGate()

	chunk := []float32{1, 2, 3}
	_, err := gate.DetectChunk(chunk)
	require.NoError(t, err)

	chunk[0] = 99
	assert.Equal(t, float32(1), gate.DetectCalls[0][0])
}

func TestMockGate_Lifecycle(t *testing.T) {
	gate := NewMockGate()
	require.NoError(t, gate.Reset())
	require.NoError(t, gate.Destroy())
	assert.True(t, gate.ResetCalled)
	assert.True(t, gate.DestroyCalled)
}

func TestClampOffset(t *testing.T) {
	// Start padding pointing before the chunk clamps to 0.
	assert.Equal(t, 0, clampOffset(900, 1000, 512))
	// Inside the chunk maps to the relative offset.
	assert.Equal(t, 24, clampOffset(1024, 1000, 512))
	// End padding past the chunk clamps to its length.
	assert.Equal(t, 512, clampOffset(2000, 1000, 512))
}
