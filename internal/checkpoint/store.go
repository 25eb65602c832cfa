// Package checkpoint implements durable, checksum-verified persistence of
// orchestrator state snapshots under a hierarchical namespace on the local
// filesystem. Wave checkpoints live at the root, with dedicated subtrees for
// per-step story checkpoints, session state, and loop state. Every write is
// atomic (temp file + rename) and every read re-verifies a CRC-32 checksum
// of the canonical state encoding.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

// Default configuration values.
const (
	DefaultDirName       = ".checkpoints"
	DefaultRetentionDays = 7
	DefaultMaxBytes      = 100 << 20
)

// Subdirectory names for the namespaces.
const (
	stepsSubdir    = "steps"
	sessionsSubdir = "sessions"
	loopsSubdir    = "loops"
)

// validName matches legal checkpoint names. Path separators are excluded by
// the character class; ".." is rejected separately below.
var validName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,255}$`)

// Envelope is the on-disk checkpoint payload: the state blob, a CRC-32
// checksum of its compact JSON encoding, and the save timestamp.
type Envelope struct {
	State    json.RawMessage `json:"state"`
	Checksum uint32          `json:"checksum"`
	SavedAt  time.Time       `json:"saved_at"`
}

// Options configures a Store.
type Options struct {
	Dir           string `json:"checkpoints_dir"`
	RetentionDays int    `json:"retention_days"`
	MaxBytes      int64  `json:"max_bytes"`
}

// DefaultOptions returns the standard retention and size limits rooted at dir.
func DefaultOptions(root string) Options {
	return Options{
		Dir:           filepath.Join(root, DefaultDirName),
		RetentionDays: DefaultRetentionDays,
		MaxBytes:      DefaultMaxBytes,
	}
}

// Store persists typed state snapshots. Safe for concurrent use across
// distinct names; callers serialize writes to the same name.
type Store struct {
	dir           string
	retentionDays int
	mem           *MemoryAccounting
}

// NewStore creates a checkpoint store rooted at opts.Dir. The root
// directory is created here; namespace subtrees appear lazily on first
// write.
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		opts.Dir = DefaultDirName
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, faults.Wrap(faults.CodeSaveFailed, err, "create checkpoint root").With("dir", opts.Dir)
	}
	return &Store{
		dir:           opts.Dir,
		retentionDays: opts.RetentionDays,
		mem:           newMemoryAccounting(opts.MaxBytes),
	}, nil
}

// Dir returns the root directory of the store's namespace.
func (s *Store) Dir() string {
	return s.dir
}

// Memory returns the advisory in-memory accounting handle.
func (s *Store) Memory() *MemoryAccounting {
	return s.mem
}

// checksum computes the CRC-32 (IEEE) of the canonical state encoding.
func checksum(canonical []byte) uint32 {
	return crc32.ChecksumIEEE(canonical)
}

// canonicalize compacts a JSON blob so checksums are stable regardless of
// how the envelope was indented on disk.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ValidateName reports whether name is a legal checkpoint name.
func ValidateName(name string) error {
	if !validName.MatchString(name) || strings.Contains(name, "..") {
		return faults.Newf(faults.CodeInvalidName, "illegal checkpoint name").With("name", name)
	}
	return nil
}

// Save atomically persists state under name in the root namespace.
// A duplicate name overwrites the previous checkpoint.
func (s *Store) Save(name string, state interface{}) error {
	return s.saveIn(s.dir, name, state)
}

// Load reads the checkpoint saved under name into out. A missing checkpoint
// is not an error: found is false and err is nil. A checksum mismatch
// surfaces as CORRUPT.
func (s *Store) Load(name string, out interface{}) (found bool, err error) {
	return s.loadIn(s.dir, name, out)
}

// List returns the checkpoint names in the root namespace, sorted ascending.
func (s *Store) List() ([]string, error) {
	return s.listIn(s.dir)
}

// Compact deletes root-namespace checkpoints older than the retention
// window and returns the number deleted. Corrupt files are skipped with a
// warning; they never abort compaction.
func (s *Store) Compact() (int, error) {
	return s.compactIn(s.dir, s.retentionDays)
}

// =============================================================================
// NAMESPACE PRIMITIVES
// =============================================================================

func (s *Store) saveIn(dir, name string, state interface{}) error {
	timer := logging.StartTimer(logging.CategoryCheckpoint, "save "+name)
	defer timer.Stop()

	if err := ValidateName(name); err != nil {
		return err
	}

	canonical, err := json.Marshal(state)
	if err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "marshal state").With("name", name)
	}

	env := Envelope{
		State:    canonical,
		Checksum: checksum(canonical),
		SavedAt:  time.Now().UTC(),
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "marshal envelope").With("name", name)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "create namespace").With("dir", dir)
	}

	final := filepath.Join(dir, name+".json")
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "create temp file").With("name", name)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return faults.Wrap(faults.CodeSaveFailed, err, "write temp file").With("name", name)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return faults.Wrap(faults.CodeSaveFailed, err, "fsync temp file").With("name", name)
	}
	if err := tmp.Close(); err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "close temp file").With("name", name)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "rename into place").With("name", name)
	}

	s.mem.noteWrite(int64(len(data)))
	logging.CheckpointDebug("saved %s (%d bytes, crc=%08x)", final, len(data), env.Checksum)
	return nil
}

func (s *Store) loadIn(dir, name string, out interface{}) (bool, error) {
	timer := logging.StartTimer(logging.CategoryCheckpoint, "load "+name)
	defer timer.Stop()

	if err := ValidateName(name); err != nil {
		return false, err
	}

	path := filepath.Join(dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, faults.Wrap(faults.CodeLoadFailed, err, "read checkpoint").With("path", path)
	}

	env, err := verifyEnvelope(data)
	if err != nil {
		var coded *faults.Error
		if f, ok := err.(*faults.Error); ok {
			coded = f
		} else {
			coded = faults.Wrap(faults.CodeLoadFailed, err, "parse envelope")
		}
		return false, coded.With("path", path)
	}

	if out != nil {
		if err := json.Unmarshal(env.State, out); err != nil {
			return false, faults.Wrap(faults.CodeLoadFailed, err, "decode state").With("path", path)
		}
	}
	return true, nil
}

// verifyEnvelope parses an on-disk payload and re-verifies its checksum.
func verifyEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, faults.Wrap(faults.CodeCorrupt, err, "unparseable envelope")
	}
	canonical, err := canonicalize(env.State)
	if err != nil {
		return nil, faults.Wrap(faults.CodeCorrupt, err, "uncanonicalizable state")
	}
	if got := checksum(canonical); got != env.Checksum {
		return nil, faults.Newf(faults.CodeCorrupt, "checksum mismatch").
			With("expected", env.Checksum).
			With("actual", got)
	}
	return &env, nil
}

func (s *Store) listIn(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // lazy namespace: nothing saved yet
		}
		return nil, faults.Wrap(faults.CodeLoadFailed, err, "list namespace").With("dir", dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) compactIn(dir string, retentionDays int) (int, error) {
	timer := logging.StartTimer(logging.CategoryCheckpoint, "compact")
	defer timer.StopWithInfo()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, faults.Wrap(faults.CodeCompactionFailed, err, "list namespace").With("dir", dir)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	deleted := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logging.CheckpointWarn("compact: unreadable %s: %v", path, err)
			continue
		}
		env, err := verifyEnvelope(data)
		if err != nil {
			logging.CheckpointWarn("compact: skipping corrupt %s: %v", path, err)
			continue
		}
		if env.SavedAt.After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return deleted, faults.Wrap(faults.CodeCompactionFailed, err, "delete expired checkpoint").With("path", path)
		}
		s.mem.noteDelete(int64(len(data)))
		deleted++
	}

	logging.Checkpoint("compacted %d expired checkpoints (retention=%dd)", deleted, retentionDays)
	return deleted, nil
}

// deleteIn removes a single checkpoint file; missing is not an error.
func (s *Store) deleteIn(dir, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := filepath.Join(dir, name+".json")
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return faults.Wrap(faults.CodeSaveFailed, err, "stat checkpoint").With("path", path)
	}
	if err := os.Remove(path); err != nil {
		return faults.Wrap(faults.CodeSaveFailed, err, "delete checkpoint").With("path", path)
	}
	s.mem.noteDelete(info.Size())
	return nil
}

// savedAtOf reads just the envelope timestamp; used for retention ordering.
func (s *Store) savedAtOf(dir, name string) (time.Time, bool) {
	path := filepath.Join(dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, false
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return time.Time{}, false
	}
	return env.SavedAt, true
}
