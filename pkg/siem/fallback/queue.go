// Package fallback provides the durable on-disk queue for audit event
// batches that exhausted all delivery retries, and for events diverted under
// backpressure. Entries are newline-delimited JSON; files rotate by size and
// live under a process-owned subdirectory so the shared temp root is never
// written directly.
package fallback

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/sark-gateway/sark/pkg/audit"
)

// Entry is one line of a fallback file: a batch that could not be delivered.
type Entry struct {
	Destination string         `json:"destination"`
	FailedAt    time.Time      `json:"failed_at"`
	Events      []*audit.Event `json:"events"`
	LastError   string         `json:"last_error"`
}

// Queue is an append-only local log of undelivered batches. Writes are
// serialized by an append lock; reads for replay never block writers.
type Queue struct {
	dir          string
	maxFileBytes int64
	log          *slog.Logger

	mu       sync.Mutex
	fileLock *flock.Flock
	current  *os.File
	curPath  string
	curSize  int64
	curDay   string
	seq      int
}

// New opens (creating if needed) a queue rooted at dir. The root must be a
// real directory owned by the current user; a path another local user could
// have planted under a shared location (a symlink, or a directory they own)
// is refused.
func New(dir string, maxFileBytes int64, log *slog.Logger) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create fallback directory: %w", err)
	}
	if err := verifyOwnedDir(dir); err != nil {
		return nil, err
	}
	return &Queue{
		dir:          dir,
		maxFileBytes: maxFileBytes,
		log:          log,
		fileLock:     flock.New(filepath.Join(dir, ".append.lock")),
	}, nil
}

// verifyOwnedDir checks that dir is a non-symlink directory owned by the
// process's effective uid and strips group/other access.
func verifyOwnedDir(dir string) error {
	info, err := os.Lstat(dir)
	if err != nil {
		return fmt.Errorf("failed to stat fallback directory: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("fallback directory %s is a symlink", dir)
	}
	if !info.IsDir() {
		return fmt.Errorf("fallback path %s is not a directory", dir)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && int(st.Uid) != os.Geteuid() {
		return fmt.Errorf("fallback directory %s is owned by uid %d, not the current user", dir, st.Uid)
	}
	if info.Mode().Perm()&0o077 != 0 {
		if err := os.Chmod(dir, 0o700); err != nil {
			return fmt.Errorf("failed to tighten fallback directory permissions: %w", err)
		}
	}
	return nil
}

// Append records a batch that exhausted delivery for destination.
func (q *Queue) Append(destination string, events []*audit.Event, lastError string) error {
	if len(events) == 0 {
		return nil
	}

	line, err := json.Marshal(Entry{
		Destination: destination,
		FailedAt:    time.Now().UTC(),
		Events:      events,
		LastError:   lastError,
	})
	if err != nil {
		return fmt.Errorf("failed to encode fallback entry: %w", err)
	}
	line = append(line, '\n')

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.fileLock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire append lock: %w", err)
	}
	defer func() {
		if unlockErr := q.fileLock.Unlock(); unlockErr != nil {
			q.log.Warn("failed to release fallback append lock", "error", unlockErr)
		}
	}()

	if err := q.ensureFileLocked(int64(len(line))); err != nil {
		return err
	}

	n, err := q.current.Write(line)
	q.curSize += int64(n)
	if err != nil {
		return fmt.Errorf("failed to append fallback entry: %w", err)
	}
	return q.current.Sync()
}

// Divert implements audit.Diverter for events that could not be queued at
// all. An empty destination means the batch belongs to every destination on
// replay.
func (q *Queue) Divert(destination string, events []*audit.Event, reason string) error {
	return q.Append(destination, events, reason)
}

// ensureFileLocked opens or rotates the current file so the next write of
// writeLen bytes fits the size bound. Caller holds q.mu and the file lock.
func (q *Queue) ensureFileLocked(writeLen int64) error {
	day := time.Now().UTC().Format("20060102")
	needsNew := q.current == nil ||
		day != q.curDay ||
		(q.curSize > 0 && q.curSize+writeLen > q.maxFileBytes)
	if !needsNew {
		return nil
	}

	if q.current != nil {
		if err := q.current.Close(); err != nil {
			q.log.Warn("failed to close fallback file", "path", q.curPath, "error", err)
		}
		q.current = nil
	}

	dayDir := filepath.Join(q.dir, day)
	if err := os.MkdirAll(dayDir, 0o700); err != nil {
		return fmt.Errorf("failed to create fallback day directory: %w", err)
	}

	q.seq++
	name := fmt.Sprintf("%s-%04d.jsonl", time.Now().UTC().Format("150405"), q.seq)
	path := filepath.Join(dayDir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open fallback file: %w", err)
	}

	q.current = f
	q.curPath = path
	q.curSize = 0
	q.curDay = day
	return nil
}

// Files lists fallback files oldest first, excluding the file currently
// being appended to.
func (q *Queue) Files() ([]string, error) {
	q.mu.Lock()
	active := q.curPath
	q.mu.Unlock()

	var files []string
	err := filepath.WalkDir(q.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") || path == active {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list fallback files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ReadEntries decodes all entries from one fallback file. Corrupt lines are
// skipped with a warning rather than poisoning the whole file.
func (q *Queue) ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path) // #nosec G304 -- paths come from Files() under q.dir
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			q.log.Warn("skipping corrupt fallback entry", "path", path, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read fallback file: %w", err)
	}
	return entries, nil
}

// Rewrite replaces the contents of a fallback file with the given remaining
// entries, or removes the file when none remain. Used by replay after a
// partial redelivery.
func (q *Queue) Rewrite(path string, remaining []Entry) error {
	if len(remaining) == 0 {
		return os.Remove(path)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to open rewrite file: %w", err)
	}
	for _, entry := range remaining {
		line, err := json.Marshal(entry)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to encode fallback entry: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("failed to write fallback entry: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close rewrite file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Close flushes and closes the active file.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		return nil
	}
	err := q.current.Close()
	q.current = nil
	q.curPath = ""
	return err
}
