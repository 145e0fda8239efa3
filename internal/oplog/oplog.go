// Package oplog implements the append-only audit trail of lock lifecycle
// events. Each line has the form "[2006-01-02 15:04:05] message".
package oplog

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relicta-tech/wtguard/internal/errors"
	"github.com/relicta-tech/wtguard/internal/fileutil"
)

// TimeLayout is the timestamp layout inside the brackets of every line.
const TimeLayout = "2006-01-02 15:04:05"

// DirName is the directory under the git common dir holding wtguard files.
const DirName = "wtguard"

// FileName is the default operation log file name.
const FileName = "operations.log"

// maxReadSize caps how much of the log Entries will load.
const maxReadSize = 64 << 20

// Event is a lock lifecycle event.
type Event string

const (
	EventAcquiring Event = "acquiring"
	EventAcquired  Event = "acquired"
	EventReleased  Event = "released"
	EventFailed    Event = "failed"
)

// Entry is one parsed log line. Event is empty for free-form messages.
type Entry struct {
	Time    time.Time `json:"time"`
	Event   Event     `json:"event,omitempty"`
	Message string    `json:"message"`
	// ExitStatus is set for released entries that carry one.
	ExitStatus *int `json:"exit_status,omitempty"`
}

// Log appends to a single operation log file.
type Log struct {
	path     string
	maxBytes int64
	now      func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithMaxBytes rotates the log to "<path>.1" before an append would grow it
// beyond n bytes. Zero disables rotation.
func WithMaxBytes(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a Log writing to path.
func New(path string, opts ...Option) *Log {
	l := &Log{path: path, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one timestamped line, creating the log and its directory when
// absent. Failures match errors.ErrLoggingFailed.
func (l *Log) Append(message string) error {
	const op = "oplog.Append"

	message = strings.ReplaceAll(message, "\n", " ")
	line := fmt.Sprintf("[%s] %s", l.now().Format(TimeLayout), message)

	if err := l.rotateIfNeeded(int64(len(line) + 1)); err != nil {
		return errors.From(errors.ErrLoggingFailed, op, "log rotation failed", err)
	}
	if err := fileutil.AppendLine(l.path, line, 0o644); err != nil {
		return errors.From(errors.ErrLoggingFailed, op, "", err).WithDetail("path", l.path)
	}
	return nil
}

// Record appends a lifecycle line "<event>: <description>".
func (l *Log) Record(event Event, description string) error {
	return l.Append(FormatEvent(event, description, nil))
}

// RecordExit appends a lifecycle line carrying an exit status, as written for
// released events.
func (l *Log) RecordExit(event Event, description string, exitStatus int) error {
	return l.Append(FormatEvent(event, description, &exitStatus))
}

// FormatEvent renders the message part of a lifecycle line.
func FormatEvent(event Event, description string, exitStatus *int) string {
	msg := fmt.Sprintf("%s: %s", event, description)
	if exitStatus != nil {
		msg += fmt.Sprintf(" (exit=%d)", *exitStatus)
	}
	return msg
}

func (l *Log) rotateIfNeeded(incoming int64) error {
	if l.maxBytes <= 0 {
		return nil
	}
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size()+incoming <= l.maxBytes {
		return nil
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Entries parses the whole log. A missing log yields no entries.
func (l *Log) Entries() ([]Entry, error) {
	data, err := fileutil.ReadFileLimited(l.path, maxReadSize)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.IOWrap(err, "oplog.Entries", "cannot read operation log")
	}
	return parseAll(data), nil
}

// Tail returns the last n entries, or all of them when n <= 0.
func (l *Log) Tail(n int) ([]Entry, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func parseAll(data []byte) []Entry {
	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if e, ok := ParseLine(sc.Text()); ok {
			entries = append(entries, e)
		}
	}
	return entries
}

// ParseLine parses one log line. Lines without a valid bracketed timestamp
// are rejected.
func ParseLine(line string) (Entry, bool) {
	if !strings.HasPrefix(line, "[") {
		return Entry{}, false
	}
	end := strings.Index(line, "] ")
	if end < 0 {
		return Entry{}, false
	}
	ts, err := time.ParseInLocation(TimeLayout, line[1:end], time.Local)
	if err != nil {
		return Entry{}, false
	}

	e := Entry{Time: ts, Message: line[end+2:]}
	if ev, rest, ok := strings.Cut(e.Message, ": "); ok {
		switch Event(ev) {
		case EventAcquiring, EventAcquired, EventReleased, EventFailed:
			e.Event = Event(ev)
			e.ExitStatus = parseExit(rest)
		}
	}
	return e, true
}

func parseExit(s string) *int {
	i := strings.LastIndex(s, "(exit=")
	if i < 0 || !strings.HasSuffix(s, ")") {
		return nil
	}
	n, err := strconv.Atoi(s[i+len("(exit=") : len(s)-1])
	if err != nil {
		return nil
	}
	return &n
}
