// Package events implements the in-process event bus, the daily append-only
// event log, and the rate-limited operator notifier.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steward-sh/steward/internal/log"
	"github.com/steward-sh/steward/internal/pubsub"
)

// Channel names the event stream an event belongs to.
type Channel string

const (
	ChannelViolation        Channel = "violation"
	ChannelProjectCompleted Channel = "project_completed"
	ChannelProjectFailed    Channel = "project_failed"
	ChannelStatusUpdate     Channel = "status_update"
	ChannelCreditExhausted  Channel = "credit_exhausted"
	ChannelTaskCompleted    Channel = "task_completed"
)

// Severity orders events for the notifier.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// Event is one bus entry. Payload is free-form; readers must tolerate
// fields they don't know.
type Event struct {
	ID       string         `json:"id"`
	TS       time.Time      `json:"ts"`
	Channel  Channel        `json:"channel"`
	Severity Severity       `json:"severity"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Bus fans events out to in-process subscribers and appends each one to the
// daily log.
type Bus struct {
	broker *pubsub.Broker[Event]
	logger *DailyLog
}

// NewBus returns a Bus writing its log under dir. A nil logger (empty dir)
// keeps the bus purely in-process, which tests use.
func NewBus(dir string) (*Bus, error) {
	b := &Bus{broker: pubsub.NewBroker[Event]()}
	if dir != "" {
		l, err := NewDailyLog(dir)
		if err != nil {
			return nil, err
		}
		b.logger = l
	}
	return b, nil
}

// Publish stamps and emits the event. Never blocks; subscribers with full
// buffers miss the event (the log line is still written).
func (b *Bus) Publish(channel Channel, severity Severity, payload map[string]any) Event {
	ev := Event{
		ID:       uuid.NewString(),
		TS:       time.Now(),
		Channel:  channel,
		Severity: severity,
		Payload:  payload,
	}
	if b.logger != nil {
		if err := b.logger.Append(ev); err != nil {
			log.ErrorErr(log.CatEvents, "event log append failed", err, "channel", channel)
		}
	}
	b.broker.Publish(pubsub.KindCreated, ev)
	return ev
}

// Subscribe returns a channel of events, closed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return b.broker.Subscribe(ctx)
}

// Close shuts the broker and the log down.
func (b *Bus) Close() {
	b.broker.Close()
	if b.logger != nil {
		_ = b.logger.Close()
	}
}

// DailyLog appends events to logs/events/YYYY-MM-DD.jsonl, rolling the file
// at midnight. Single writer per file.
type DailyLog struct {
	dir string

	mu   sync.Mutex
	day  string
	file *os.File
}

// NewDailyLog creates the log directory and returns a DailyLog.
func NewDailyLog(dir string) (*DailyLog, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating event log directory: %w", err)
	}
	return &DailyLog{dir: dir}, nil
}

// Append writes one JSON line for the event.
func (l *DailyLog) Append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	day := ev.TS.Format("2006-01-02")
	if l.file == nil || day != l.day {
		if l.file != nil {
			_ = l.file.Close()
		}
		path := filepath.Join(l.dir, day+".jsonl")
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // G304: path derives from the configured log dir
		if err != nil {
			return fmt.Errorf("opening event log %s: %w", path, err)
		}
		l.file = f
		l.day = day
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Close closes the current log file.
func (l *DailyLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadDay returns the events logged under dir for the given day. Unknown
// JSON fields are ignored; unparsable lines are skipped. Used by recovery
// diagnostics.
func ReadDay(dir string, day time.Time) ([]Event, error) {
	path := filepath.Join(dir, day.Format("2006-01-02")+".jsonl")
	data, err := os.ReadFile(path) //nolint:gosec // G304: path derives from the configured log dir
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading event log %s: %w", path, err)
	}

	var events []Event
	for _, line := range splitLines(data) {
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
