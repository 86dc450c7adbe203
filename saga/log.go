package saga

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Event is one newline-delimited JSON record in a saga log. The same shape
// is used for the execution log, the failed-cleanups log and the
// critical-failures log; consumers must tolerate unknown fields.
type Event struct {
	Time       time.Time `json:"time"`
	SagaID     string    `json:"saga_id"`
	DocumentID string    `json:"document_id"`
	Step       string    `json:"step,omitempty"`
	Status     string    `json:"status"`
	Attempts   int       `json:"attempts,omitempty"`
	NativeKeys []string  `json:"native_keys,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Log is an append-only NDJSON writer. With an empty path it keeps events in
// memory, which is acceptable for tests but disables crash recovery.
type Log struct {
	mu   sync.Mutex
	file *os.File
	mem  []Event
}

// OpenLog opens (or creates) the NDJSON log at path. An empty path yields an
// in-memory log.
func OpenLog(path string) (*Log, error) {
	if path == "" {
		return &Log{}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening saga log %s: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Append writes one event. Timestamps are normalized to UTC; writes are
// serialized so concurrent sagas never interleave partial lines.
func (l *Log) Append(ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Time = ev.Time.UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.mem = append(l.mem, ev)
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling saga event: %w", err)
	}
	data = append(data, '\n')
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("appending saga event: %w", err)
	}
	return nil
}

// Events returns a copy of the in-memory events. File-backed logs return nil;
// read the file instead.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return nil
	}
	out := make([]Event, len(l.mem))
	copy(out, l.mem)
	return out
}

// Close closes the underlying file, if any.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadLog parses an NDJSON log file, skipping blank lines. Unknown fields
// are ignored.
func ReadLog(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var events []Event
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return events, fmt.Errorf("parsing saga log line: %w", err)
			}
			events = append(events, ev)
		}
	}
	return events, nil
}
