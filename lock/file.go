package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oversightlabs/overseer/statestore"
)

// FileBackend stores one lock file per (prefix, resource id) under a locks
// directory. Creation uses O_EXCL for atomicity; stale records are replaced
// via atomic rename. Reads take a short-lived shared flock so a concurrent
// overwrite is never observed half-written.
type FileBackend struct {
	dir    string
	prefix string
}

// NewFileBackend creates a file lock backend rooted at dir. The prefix
// namespaces the records: owner-centric managers pass "<owner>_", giving
// controller-held resources their own namespace; resource-centric managers
// pass "".
func NewFileBackend(dir, prefix string) *FileBackend {
	return &FileBackend{dir: dir, prefix: prefix}
}

// Path returns the lock file path for a resource id.
func (b *FileBackend) Path(resourceID string) string {
	return filepath.Join(b.dir, b.prefix+SafeKey(resourceID)+".lock")
}

// TryAcquire implements Backend.
func (b *FileBackend) TryAcquire(info Info, staleAfter time.Duration) (bool, error) {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return false, fmt.Errorf("create locks directory: %w", err)
	}

	path := b.Path(info.ResourceID)
	data, err := json.Marshal(info)
	if err != nil {
		return false, fmt.Errorf("marshal lock record: %w", err)
	}
	data = append(data, '\n')

	// Fast path: atomic create when absent.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		defer f.Close()
		if _, werr := f.Write(data); werr != nil {
			os.Remove(path)
			return false, fmt.Errorf("write lock record: %w", werr)
		}
		if serr := f.Sync(); serr != nil {
			os.Remove(path)
			return false, fmt.Errorf("sync lock record: %w", serr)
		}
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("create lock file: %w", err)
	}

	// Contended: inspect the current holder.
	current, rerr := b.readLocked(path)
	if rerr != nil {
		// Unreadable record: treat as transient contention.
		return false, nil
	}
	if current == nil {
		// Holder released between our create attempt and the read; let the
		// manager retry.
		return false, nil
	}

	sameOwner := current.OwnerID == info.OwnerID
	if !sameOwner && !current.Stale(staleAfter) {
		return false, nil
	}

	// Stale record or same-owner refresh: overwrite atomically.
	if err := statestore.WriteFileAtomic(path, data, 0o644); err != nil {
		return false, fmt.Errorf("overwrite lock record: %w", err)
	}
	return true, nil
}

// Release implements Backend. Removing a record another owner holds is a
// no-op.
func (b *FileBackend) Release(resourceID, ownerID string) error {
	path := b.Path(resourceID)
	current, err := b.readLocked(path)
	if err != nil || current == nil {
		return nil
	}
	if current.OwnerID != ownerID {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// ReadInfo implements Backend.
func (b *FileBackend) ReadInfo(resourceID string) (*Info, error) {
	return b.readLocked(b.Path(resourceID))
}

// List returns every lock record under the directory matching this backend's
// prefix. Used by the health monitor's lock scan.
func (b *FileBackend) List() ([]Info, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read locks directory: %w", err)
	}

	var infos []Info
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".lock") {
			continue
		}
		if b.prefix != "" && !strings.HasPrefix(name, b.prefix) {
			continue
		}
		info, err := b.readLocked(filepath.Join(b.dir, name))
		if err != nil || info == nil {
			continue
		}
		infos = append(infos, *info)
	}
	return infos, nil
}

// readLocked reads a lock record under a short-lived shared advisory lock,
// so a concurrent atomic overwrite is observed either before or after, never
// mid-write.
func (b *FileBackend) readLocked(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return nil, fmt.Errorf("flock lock file: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	var info Info
	if err := json.NewDecoder(f).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode lock record: %w", err)
	}
	return &info, nil
}
