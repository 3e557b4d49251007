package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deskcoach/pkg/metrics"
)

// Kind classifies an event record.
type Kind string

const (
	KindNudged            Kind = "nudged"
	KindSuppressed        Kind = "suppressed"
	KindActionDone        Kind = "action_done"
	KindActionSnooze      Kind = "action_snooze"
	KindActionDismiss     Kind = "action_dismiss"
	KindQueuedUnderDND    Kind = "queued_under_dnd"
	KindExpiredUnderDND   Kind = "expired_under_dnd"
	KindDeliveredAfterDND Kind = "delivered_after_dnd"
	KindStateEntered      Kind = "state_entered"
	KindStateExited       Kind = "state_exited"
)

// Record is one line of the append-only event log. Metrics only,
// never images.
type Record struct {
	ID       string                 `json:"id"`
	TS       float64                `json:"ts"`
	Kind     Kind                   `json:"event_kind"`
	State    string                 `json:"state,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Appender is the write-side interface the policy depends on.
type Appender interface {
	Append(rec Record)
}

// DefaultQueueSize bounds the in-memory append queue.
const DefaultQueueSize = 256

// Logger appends JSONL records through a bounded queue and a single
// writer goroutine, so the pipeline never blocks on disk.
type Logger struct {
	log    *logrus.Logger
	path   string
	queue  chan Record
	drops  atomic.Uint64
	fileMu sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewLogger creates an event logger writing to path. Call Start
// before appending and Close on shutdown.
func NewLogger(log *logrus.Logger, path string, queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Logger{
		log:   log,
		path:  path,
		queue: make(chan Record, queueSize),
	}
}

// Start launches the writer goroutine.
func (l *Logger) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for rec := range l.queue {
			l.write(rec)
		}
	}()
}

// Append enqueues a record without blocking. A full queue drops the
// record and counts it.
func (l *Logger) Append(rec Record) {
	if l.closed.Load() {
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	select {
	case l.queue <- rec:
	default:
		l.drops.Add(1)
		metrics.RecordEventLogDrop()
	}
}

// Drops returns the number of records lost to a full queue.
func (l *Logger) Drops() uint64 {
	return l.drops.Load()
}

// Close drains the queue and stops the writer.
func (l *Logger) Close() {
	if l.closed.CompareAndSwap(false, true) {
		close(l.queue)
	}
	l.wg.Wait()
}

func (l *Logger) write(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		l.log.WithError(err).Warn("Failed to marshal event record")
		return
	}

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.drops.Add(1)
		metrics.RecordEventLogDrop()
		l.log.WithError(err).Warn("Failed to open event log")
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.drops.Add(1)
		metrics.RecordEventLogDrop()
		l.log.WithError(err).Warn("Failed to append event record")
	}
}

// Purge atomically removes all recorded events. Purging an empty or
// absent log is a no-op success.
func (l *Logger) Purge() error {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Recent returns up to n most recent records, oldest first. Malformed
// lines are skipped.
func (l *Logger) Recent(n int) ([]Record, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, err
	}

	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	return records, nil
}

// Memory is an in-memory Appender for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	Records []Record
}

func (m *Memory) Append(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	m.Records = append(m.Records, rec)
}

// ByKind returns the recorded events of one kind.
func (m *Memory) ByKind(kind Kind) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.Records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}
