package wsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogEntry is one log line handed to the embedding application.
type LogEntry struct {
	LoggerID string `json:"logger_id"`
	Message  string `json:"message"` // JSON {"level": ..., "message": ...}
	Time     int64  `json:"time"`    // unix nanoseconds
}

// LogBridge is an unbounded FIFO of log entries. Producers never block;
// consumers drain it with WaitForEntries.
type LogBridge struct {
	mu      sync.Mutex
	entries []LogEntry
	notify  chan struct{} // closed and replaced to wake waiters
}

func NewLogBridge() *LogBridge {
	return &LogBridge{notify: make(chan struct{})}
}

// wake must be called with b.mu held.
func (b *LogBridge) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// Push appends an entry and wakes waiting consumers.
func (b *LogBridge) Push(loggerID, message string) {
	b.mu.Lock()
	b.entries = append(b.entries, LogEntry{
		LoggerID: loggerID,
		Message:  message,
		Time:     time.Now().UnixNano(),
	})
	b.wake()
	b.mu.Unlock()
}

// drain must be called with b.mu held.
func (b *LogBridge) drain() []LogEntry {
	if len(b.entries) == 0 {
		return nil
	}
	out := b.entries
	b.entries = nil
	return out
}

// WaitForEntries returns queued entries immediately, or blocks until an
// entry arrives, timeout elapses (0 waits forever), ctx is done or
// CancelWaiters is called. Every entry is returned exactly once.
func (b *LogBridge) WaitForEntries(ctx context.Context, timeout time.Duration) []LogEntry {
	b.mu.Lock()
	if len(b.entries) > 0 {
		out := b.drain()
		b.mu.Unlock()
		return out
	}
	notify := b.notify
	b.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-notify:
	case <-expired:
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drain()
}

// CancelWaiters wakes every blocked WaitForEntries call. The bridge stays
// usable.
func (b *LogBridge) CancelWaiters() {
	b.mu.Lock()
	b.wake()
	b.mu.Unlock()
}

// Len returns the number of queued entries.
func (b *LogBridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Logger returns a zerolog logger whose events below level are dropped
// before they reach the bridge.
func (b *LogBridge) Logger(id string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(bridgeWriter{bridge: b, id: id}).Level(level)
}

// bridgeWriter folds a zerolog JSON event into {"level","message"}.
type bridgeWriter struct {
	bridge *LogBridge
	id     string
}

type bridgeLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (w bridgeWriter) Write(p []byte) (int, error) {
	line := bridgeLine{Level: zerolog.InfoLevel.String()}

	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		line.Message = strings.TrimSpace(string(p))
	} else {
		if lvl, ok := fields[zerolog.LevelFieldName].(string); ok && lvl != "" {
			line.Level = lvl
		}
		line.Message, _ = fields[zerolog.MessageFieldName].(string)
		delete(fields, zerolog.LevelFieldName)
		delete(fields, zerolog.MessageFieldName)
		delete(fields, zerolog.TimestampFieldName)
		line.Message = appendFields(line.Message, fields)
	}

	data, err := json.Marshal(line)
	if err != nil {
		return 0, err
	}
	w.bridge.Push(w.id, string(data))
	return len(p), nil
}

func appendFields(msg string, fields map[string]any) string {
	if len(fields) == 0 {
		return msg
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(msg)
	for _, k := range keys {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%v", k, fields[k])
	}
	return sb.String()
}

// The process bridge is shared by every broker instance that logs through
// a logger ID. Instances acquire it on construction and release it on
// Close; releasing the last reference wakes the drain loop.
var processBridge struct {
	mu     sync.Mutex
	refs   int
	bridge *LogBridge
}

func sharedBridge() *LogBridge {
	if processBridge.bridge == nil {
		processBridge.bridge = NewLogBridge()
	}
	return processBridge.bridge
}

// AcquireLogBridge registers a user of the process bridge.
func AcquireLogBridge() *LogBridge {
	processBridge.mu.Lock()
	defer processBridge.mu.Unlock()
	processBridge.refs++
	return sharedBridge()
}

// ReleaseLogBridge drops a registration taken by AcquireLogBridge.
func ReleaseLogBridge() {
	processBridge.mu.Lock()
	defer processBridge.mu.Unlock()
	if processBridge.refs == 0 {
		return
	}
	processBridge.refs--
	if processBridge.refs == 0 {
		sharedBridge().CancelWaiters()
	}
}

// LogBridgeActive reports whether any instance still holds the process bridge.
func LogBridgeActive() bool {
	processBridge.mu.Lock()
	defer processBridge.mu.Unlock()
	return processBridge.refs > 0
}

func processLogBridge() *LogBridge {
	processBridge.mu.Lock()
	defer processBridge.mu.Unlock()
	return sharedBridge()
}

// NewLoggerWithID returns a logger feeding the process bridge under id.
// Only the global zerolog level filters its events.
func NewLoggerWithID(id string) zerolog.Logger {
	return processLogBridge().Logger(id, zerolog.TraceLevel)
}

// NewLoggerWithLevel is NewLoggerWithID with a per-logger minimum level.
func NewLoggerWithLevel(id string, level zerolog.Level) zerolog.Logger {
	return processLogBridge().Logger(id, level)
}

// WaitForLogEntries drains the process bridge, waiting up to timeoutMs
// milliseconds (0 waits until woken).
func WaitForLogEntries(timeoutMs int64) []LogEntry {
	return WaitForLogEntriesContext(context.Background(), timeoutMs)
}

// WaitForLogEntriesContext is WaitForLogEntries that also returns when ctx
// is done. Embedders pass CancelToken.Context().
func WaitForLogEntriesContext(ctx context.Context, timeoutMs int64) []LogEntry {
	return processLogBridge().WaitForEntries(ctx, time.Duration(timeoutMs)*time.Millisecond)
}

// CancelLogWaiters wakes every WaitForLogEntries caller.
func CancelLogWaiters() {
	processLogBridge().CancelWaiters()
}

// SetLoggerGlobalLevel sets the minimum level for every logger.
func SetLoggerGlobalLevel(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}
