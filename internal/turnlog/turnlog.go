// Package turnlog provides asynchronous NDJSON logging of chat turns.
// One file per user plus an optional global file aggregating all users.
package turnlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config controls NDJSON turn logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one logged conversation event.
type Event struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id"`
	Date      string         `json:"date"`
	Kind      string         `json:"kind"` // user_message, bot_message, parse_fallback, parse_failure
	Phase     string         `json:"phase,omitempty"`
	Content   string         `json:"content,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Logger records turn events. Implementations must not block the caller.
type Logger interface {
	Log(ev Event)
	Close() error
}

// New creates a logger per cfg. A disabled config yields a no-op logger.
func New(cfg Config, log *slog.Logger) (Logger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return noop{}, nil
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("create turn log dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global turn log dir: %w", err)
		}
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}

	l := &fileLogger{
		cfg:   cfg,
		log:   log,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.drain()
	return l, nil
}

type fileLogger struct {
	cfg   Config
	log   *slog.Logger
	queue chan Event
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// Log enqueues the event. When the queue is full the event is dropped with
// a warning rather than blocking the turn.
func (l *fileLogger) Log(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case <-l.done:
	case l.queue <- ev:
	default:
		l.log.Warn("turn log queue full, dropping event", "user_id", ev.UserID, "kind", ev.Kind)
	}
}

// Close stops the logger and flushes queued events.
func (l *fileLogger) Close() error {
	l.once.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

func (l *fileLogger) drain() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.queue:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.queue:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (l *fileLogger) write(ev Event) {
	line, err := json.Marshal(ev)
	if err != nil {
		l.log.Warn("failed to marshal turn log event", "error", err)
		return
	}
	line = append(line, '\n')

	if l.cfg.Enabled {
		dir := filepath.Join(l.cfg.Dir, ev.UserID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			l.log.Warn("failed to create user turn log dir", "error", err, "user_id", ev.UserID)
		} else {
			l.appendFile(filepath.Join(dir, ev.Date+".ndjson"), line)
		}
	}
	if l.cfg.GlobalEnabled {
		l.appendFile(l.cfg.GlobalPath, line)
	}
}

func (l *fileLogger) appendFile(path string, line []byte) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.log.Warn("failed to open turn log file", "error", err, "path", path)
		return
	}
	if _, err := f.Write(line); err != nil {
		l.log.Warn("failed to write turn log line", "error", err, "path", path)
	}
	if err := f.Close(); err != nil {
		l.log.Warn("failed to close turn log file", "error", err, "path", path)
	}
}

type noop struct{}

func (noop) Log(Event) {}

func (noop) Close() error { return nil }

// Noop returns a logger that discards all events.
func Noop() Logger { return noop{} }
