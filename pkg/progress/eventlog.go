package progress

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"codepipe/pkg/logx"
)

// EventLog appends events as JSON lines to daily rotated files named events-YYYY-MM-DD.jsonl.
type EventLog struct {
	now         func() time.Time
	currentFile *os.File
	logger      *logx.Logger
	logDir      string
	currentDate string
	mu          sync.Mutex
}

// NewEventLog creates the log directory and opens today's file.
func NewEventLog(logDir string) (*EventLog, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &EventLog{logDir: logDir, now: time.Now, logger: logx.NewLogger("eventlog")}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return w, nil
}

// Record writes ev, logging rather than returning write failures.
func (w *EventLog) Record(_ context.Context, ev Event) {
	if err := w.Write(ev); err != nil {
		w.logger.Warn("dropping event for task %s: %v", ev.TaskID, err)
	}
}

// Write appends ev to the current file and syncs it to disk.
func (w *EventLog) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.currentFile.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

func (w *EventLog) rotateIfNeeded() error {
	date := w.now().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == date {
		return nil
	}
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		w.currentFile = nil
	}
	path := filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = date
	return nil
}

// CurrentFile returns the path of the active log file.
func (w *EventLog) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// Close closes the active file.
func (w *EventLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// ReadEvents parses every event in one log file. A missing trailing newline is tolerated.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log file: %w", err)
	}
	return events, nil
}

// ListLogFiles returns the event log files in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// TaskEvents collects the events for taskID across every log file in logDir.
func TaskEvents(logDir, taskID string) ([]Event, error) {
	files, err := ListLogFiles(logDir)
	if err != nil {
		return nil, err
	}
	var out []Event
	for _, f := range files {
		events, err := ReadEvents(f)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.TaskID == taskID {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}
