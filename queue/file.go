package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oversightlabs/overseer/statestore"
)

// seq is the per-process tiebreak appended to envelope filenames, so two
// pushes within the same nanosecond still order deterministically.
var seq atomic.Uint64

// FileQueue stores one directory per queue under a root. Envelope files are
// named <timestamp>-<seq>.json; pop picks the lexicographically smallest
// name, which yields FIFO within a single producer and timestamp order
// across producers.
type FileQueue struct {
	root         string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewFileQueue creates a file-backed queue rooted at root.
func NewFileQueue(root string, pollInterval time.Duration, logger *slog.Logger) *FileQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &FileQueue{root: root, pollInterval: pollInterval, logger: logger}
}

// Push implements Queue. The envelope file is written atomically so a
// concurrent pop never observes a partial write.
func (q *FileQueue) Push(ctx context.Context, queueName string, envelope json.RawMessage) error {
	name := fmt.Sprintf("%s-%06d.json",
		time.Now().UTC().Format("20060102T150405.000000000Z"),
		seq.Add(1))
	path := filepath.Join(q.root, queueName, name)
	if err := statestore.WriteFileAtomic(path, envelope, 0o644); err != nil {
		return &Error{Backend: "file", Op: "push", Err: err}
	}
	return nil
}

// Pop implements Queue. It waits for directory activity via fsnotify where
// available, polling as a fallback, and claims the oldest envelope by
// renaming it before reading.
func (q *FileQueue) Pop(ctx context.Context, queueName string, timeout time.Duration) (json.RawMessage, error) {
	dir := filepath.Join(q.root, queueName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &Error{Backend: "file", Op: "pop", Err: err}
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(dir); werr != nil {
			watcher.Close()
			watcher = nil
		}
	} else {
		watcher = nil
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		envelope, err := q.tryClaim(dir)
		if err != nil {
			return nil, err
		}
		if envelope != nil {
			return envelope, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		if watcher != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(remaining):
				return nil, nil
			case <-watcher.Events:
			case <-watcher.Errors:
			case <-ticker.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(remaining):
				return nil, nil
			case <-ticker.C:
			}
		}
	}
}

// tryClaim picks the oldest envelope and claims it via rename, so two
// concurrent consumers never read the same file.
func (q *FileQueue) tryClaim(dir string) (json.RawMessage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &Error{Backend: "file", Op: "pop", Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := filepath.Join(dir, name)
		claimed := src + ".claimed"
		if err := os.Rename(src, claimed); err != nil {
			// Another consumer got there first; try the next file.
			continue
		}
		data, err := os.ReadFile(claimed)
		if err != nil {
			return nil, &Error{Backend: "file", Op: "pop", Err: err}
		}
		if err := os.Remove(claimed); err != nil {
			q.logger.Warn("Failed to remove claimed envelope",
				slog.String("path", claimed), slog.String("error", err.Error()))
		}
		return data, nil
	}
	return nil, nil
}

// Depth returns the number of pending envelopes on the named queue.
func (q *FileQueue) Depth(queueName string) (int, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, queueName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, &Error{Backend: "file", Op: "depth", Err: err}
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			count++
		}
	}
	return count, nil
}

// Close implements Queue.
func (q *FileQueue) Close() error {
	return nil
}
