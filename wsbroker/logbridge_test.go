package wsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withGlobalLevel(t *testing.T, level zerolog.Level) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(level)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}

func TestLogBridgeExactlyOnce(t *testing.T) {
	b := NewLogBridge()
	for i := 0; i < 3; i++ {
		b.Push("a", fmt.Sprintf("m%d", i))
	}
	assert.Equal(t, 3, b.Len())

	entries := b.WaitForEntries(context.Background(), time.Second)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, "a", e.LoggerID)
		assert.Equal(t, fmt.Sprintf("m%d", i), e.Message)
		assert.NotZero(t, e.Time)
	}

	assert.Nil(t, b.WaitForEntries(context.Background(), 20*time.Millisecond))
}

func TestLogBridgeWakesWaiter(t *testing.T) {
	b := NewLogBridge()
	result := make(chan []LogEntry, 1)
	go func() {
		result <- b.WaitForEntries(context.Background(), 0)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Push("a", "hello")

	select {
	case entries := <-result:
		require.Len(t, entries, 1)
		assert.Equal(t, "hello", entries[0].Message)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by push")
	}
}

func TestLogBridgeCancelWaiters(t *testing.T) {
	b := NewLogBridge()
	result := make(chan []LogEntry, 2)
	for i := 0; i < 2; i++ {
		go func() {
			result <- b.WaitForEntries(context.Background(), 0)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	b.CancelWaiters()

	for i := 0; i < 2; i++ {
		select {
		case entries := <-result:
			assert.Nil(t, entries)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not cancelled")
		}
	}

	// the bridge keeps working after a cancel
	b.Push("a", "after")
	assert.Len(t, b.WaitForEntries(context.Background(), time.Second), 1)
}

func TestLogBridgeTimeout(t *testing.T) {
	b := NewLogBridge()
	start := time.Now()
	assert.Nil(t, b.WaitForEntries(context.Background(), 30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestLogBridgeLoggerLevelAndFormat(t *testing.T) {
	withGlobalLevel(t, zerolog.TraceLevel)

	b := NewLogBridge()
	logger := b.Logger("srv", zerolog.WarnLevel)
	logger.Info().Msg("dropped")
	logger.Warn().Int("port", 80).Str("token", "x").Msg("Listener failed")

	entries := b.WaitForEntries(context.Background(), time.Second)
	require.Len(t, entries, 1)
	assert.Equal(t, "srv", entries[0].LoggerID)

	var line struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(entries[0].Message), &line))
	assert.Equal(t, "warn", line.Level)
	assert.Equal(t, "Listener failed port=80 token=x", line.Message)
}

func TestProcessLogBridge(t *testing.T) {
	withGlobalLevel(t, zerolog.TraceLevel)

	before := LogBridgeActive()
	AcquireLogBridge()
	assert.True(t, LogBridgeActive())

	logger := NewLoggerWithID("process-test")
	logger.Debug().Msg("from process bridge")

	var found bool
	deadline := time.Now().Add(2 * time.Second)
	for !found && time.Now().Before(deadline) {
		for _, e := range WaitForLogEntries(100) {
			if e.LoggerID == "process-test" {
				found = true
			}
		}
	}
	assert.True(t, found)

	ReleaseLogBridge()
	assert.Equal(t, before, LogBridgeActive())
}

func TestSetLoggerGlobalLevel(t *testing.T) {
	withGlobalLevel(t, zerolog.GlobalLevel())

	require.NoError(t, SetLoggerGlobalLevel("WARN"))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.Error(t, SetLoggerGlobalLevel("loud"))
}

func TestWaitForLogEntriesCancelToken(t *testing.T) {
	for WaitForLogEntries(1) != nil {
	}

	token := NewCancelToken()
	done := make(chan struct{})
	go func() {
		WaitForLogEntriesContext(token.Context(), 0)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	token.Cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain ignored the cancel token")
	}
}
