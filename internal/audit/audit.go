// Package audit keeps a durable, append-only security-event log. Entries
// are JSON lines in a current file that rotates by size; a bounded
// in-memory cache answers queries without touching disk.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

// Log defaults.
const (
	DefaultMaxFileSize      = 10 << 20 // 10 MiB
	DefaultMaxFiles         = 5
	DefaultMaxMemoryEntries = 1000

	CurrentFileName = "audit.log"
)

// Entry outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Entry is one audit event. Timestamp is stamped on record when zero.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"eventType"`
	UserID    string                 `json:"userId"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Outcome   string                 `json:"outcome"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Query filters entries. Zero fields match everything; Limit caps the
// result to the most recent matches.
type Query struct {
	EventType string
	UserID    string
	Outcome   string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
}

func (q Query) matches(e Entry) bool {
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.Outcome != "" && e.Outcome != q.Outcome {
		return false
	}
	if !q.StartTime.IsZero() && e.Timestamp.Before(q.StartTime) {
		return false
	}
	if !q.EndTime.IsZero() && e.Timestamp.After(q.EndTime) {
		return false
	}
	return true
}

// Options tunes a Log.
type Options struct {
	Dir                string
	MaxFileSize        int64
	MaxFiles           int
	MaxMemoryEntries   int
	DisableMemoryStore bool
}

// DefaultOptions returns the standard sizes with the memory store enabled.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:              dir,
		MaxFileSize:      DefaultMaxFileSize,
		MaxFiles:         DefaultMaxFiles,
		MaxMemoryEntries: DefaultMaxMemoryEntries,
	}
}

// Log is the append-only audit log. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	opts Options
	file *os.File
	size int64
	// cache holds the newest entries, oldest first.
	cache []Entry
}

// New opens (or creates) the audit log in opts.Dir.
func New(opts Options) (*Log, error) {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}
	if opts.MaxMemoryEntries <= 0 {
		opts.MaxMemoryEntries = DefaultMaxMemoryEntries
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, faults.Wrap(faults.CodeSaveFailed, err, "create audit directory").With("dir", opts.Dir)
	}

	l := &Log{opts: opts}
	if err := l.openCurrent(); err != nil {
		return nil, err
	}
	if !opts.DisableMemoryStore {
		if err := l.warmCache(); err != nil {
			l.file.Close()
			return nil, err
		}
	}
	return l, nil
}

// warmCache loads persisted entries so queries in a fresh process see the
// log written by earlier ones. Only the newest MaxMemoryEntries are kept.
func (l *Log) warmCache() error {
	entries, err := l.readAllLocked()
	if err != nil {
		return err
	}
	if len(entries) > l.opts.MaxMemoryEntries {
		entries = entries[len(entries)-l.opts.MaxMemoryEntries:]
	}
	l.cache = entries
	return nil
}

func (l *Log) currentPath() string {
	return filepath.Join(l.opts.Dir, CurrentFileName)
}

func (l *Log) rotatedPath(n int) string {
	return fmt.Sprintf("%s.%d", l.currentPath(), n)
}

func (l *Log) openCurrent() error {
	f, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "open audit log").With("path", l.currentPath())
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return faults.Wrap(faults.CodeSaveFailed, err, "stat audit log")
	}
	l.file = f
	l.size = info.Size()
	return nil
}

// Record appends one entry, rotating the file first when it is full.
func (l *Log) Record(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(e)
	if err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "encode audit entry")
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size >= l.opts.MaxFileSize {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	n, err := l.file.Write(line)
	l.size += int64(n)
	if err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "append audit entry")
	}

	if !l.opts.DisableMemoryStore {
		l.cache = append(l.cache, e)
		if len(l.cache) > l.opts.MaxMemoryEntries {
			l.cache = l.cache[len(l.cache)-l.opts.MaxMemoryEntries:]
		}
	}
	return nil
}

// rotate shifts audit.log -> audit.log.1 -> ... and drops the oldest file.
// Caller holds the lock.
func (l *Log) rotate() error {
	if err := l.file.Close(); err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "close audit log for rotation")
	}

	os.Remove(l.rotatedPath(l.opts.MaxFiles - 1))
	for n := l.opts.MaxFiles - 2; n >= 1; n-- {
		os.Rename(l.rotatedPath(n), l.rotatedPath(n+1))
	}
	if err := os.Rename(l.currentPath(), l.rotatedPath(1)); err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "rotate audit log")
	}

	logging.AuditInternal("rotated audit log (max %d files)", l.opts.MaxFiles)
	return l.openCurrent()
}

// Query returns matching entries in chronological order. With the memory
// store enabled, only cached entries are consulted; otherwise every file
// is scanned oldest-first. Undecodable lines are skipped.
func (l *Log) Query(q Query) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var source []Entry
	if !l.opts.DisableMemoryStore {
		source = l.cache
	} else {
		var err error
		source, err = l.readAllLocked()
		if err != nil {
			return nil, err
		}
	}

	var matched []Entry
	for _, e := range source {
		if q.matches(e) {
			matched = append(matched, e)
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[len(matched)-q.Limit:]
	}
	return matched, nil
}

// readAllLocked scans every log file oldest-first. Caller holds the lock.
func (l *Log) readAllLocked() ([]Entry, error) {
	var entries []Entry
	paths := make([]string, 0, l.opts.MaxFiles)
	for n := l.opts.MaxFiles - 1; n >= 1; n-- {
		paths = append(paths, l.rotatedPath(n))
	}
	paths = append(paths, l.currentPath())

	skipped := 0
	for _, path := range paths {
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, faults.Wrap(faults.CodeLoadFailed, err, "open audit file").With("path", path)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var e Entry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				skipped++
				continue
			}
			entries = append(entries, e)
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, faults.Wrap(faults.CodeLoadFailed, err, "scan audit file").With("path", path)
		}
	}
	if skipped > 0 {
		logging.Get(logging.CategoryAudit).Warn("skipped %d invalid audit lines", skipped)
	}
	return entries, nil
}

// Close flushes and closes the current file.
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
