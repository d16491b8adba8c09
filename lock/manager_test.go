package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileManager(t *testing.T, owner string, cfg ManagerConfig) (*Manager, *FileBackend) {
	t.Helper()
	backend := NewFileBackend(t.TempDir(), "")
	cfg.OwnerID = owner
	return NewManager(backend, cfg, nil), backend
}

func TestManager_AcquireRelease(t *testing.T) {
	m, backend := fileManager(t, "agent-1", DefaultManagerConfig("agent-1"))

	require.NoError(t, m.Acquire("sheet-abc", "task-1"))
	assert.True(t, m.IsHeld("sheet-abc"))

	info, err := m.Check("sheet-abc")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "agent-1", info.OwnerID)
	assert.Equal(t, "task-1", info.TaskID)

	require.NoError(t, m.Release("sheet-abc"))
	assert.False(t, m.IsHeld("sheet-abc"))

	info, err = backend.ReadInfo("sheet-abc")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestManager_ContentionFailsWithLockError(t *testing.T) {
	dir := t.TempDir()
	backend := NewFileBackend(dir, "")

	holder := NewManager(backend, ManagerConfig{
		OwnerID: "holder", StaleAfter: time.Hour, RetryCount: 1, BackoffBase: time.Millisecond,
	}, nil)
	require.NoError(t, holder.Acquire("res-1", ""))

	contender := NewManager(backend, ManagerConfig{
		OwnerID: "contender", StaleAfter: time.Hour, RetryCount: 3, BackoffBase: time.Millisecond,
	}, nil)
	err := contender.Acquire("res-1", "")
	require.Error(t, err)
	assert.True(t, IsLockError(err))
}

func TestManager_StaleLockOverridden(t *testing.T) {
	backend := NewFileBackend(t.TempDir(), "")

	stale := Info{ResourceID: "res-1", OwnerID: "crashed", AcquiredAt: time.Now().Add(-time.Hour)}
	ok, err := backend.TryAcquire(stale, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// A fresh lock is not overridden.
	fresh := NewManager(backend, ManagerConfig{
		OwnerID: "fresh", StaleAfter: 2 * time.Hour, RetryCount: 1, BackoffBase: time.Millisecond,
	}, nil)
	assert.Error(t, fresh.Acquire("res-1", ""))

	// Once past the staleness bound, the next caller takes over.
	taker := NewManager(backend, ManagerConfig{
		OwnerID: "taker", StaleAfter: 30 * time.Minute, RetryCount: 1, BackoffBase: time.Millisecond,
	}, nil)
	require.NoError(t, taker.Acquire("res-1", ""))

	info, err := backend.ReadInfo("res-1")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "taker", info.OwnerID)
}

func TestManager_SameOwnerReacquireRefreshes(t *testing.T) {
	m, backend := fileManager(t, "agent-1", ManagerConfig{
		OwnerID: "agent-1", StaleAfter: time.Hour, RetryCount: 1, BackoffBase: time.Millisecond,
	})

	require.NoError(t, m.Acquire("res-1", "task-a"))
	first, err := backend.ReadInfo("res-1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Acquire("res-1", "task-b"))
	second, err := backend.ReadInfo("res-1")
	require.NoError(t, err)

	assert.True(t, second.AcquiredAt.After(first.AcquiredAt))
	assert.Equal(t, "task-b", second.TaskID)
}

func TestManager_MutualExclusion(t *testing.T) {
	backend := NewFileBackend(t.TempDir(), "")

	const workers = 8
	const iterations = 20

	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m := NewManager(backend, ManagerConfig{
				OwnerID:     string(rune('a' + id)),
				StaleAfter:  time.Minute,
				RetryCount:  200,
				BackoffBase: time.Millisecond,
				MaxBackoff:  5 * time.Millisecond,
			}, nil)
			for i := 0; i < iterations; i++ {
				if err := m.Acquire("counter", ""); err != nil {
					t.Errorf("worker %d: %v", id, err)
					return
				}
				counter++
				if err := m.Release("counter"); err != nil {
					t.Errorf("worker %d release: %v", id, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, workers*iterations, counter)
}

func TestManager_ReleaseAll(t *testing.T) {
	m, backend := fileManager(t, "ctl", DefaultManagerConfig("ctl"))
	require.NoError(t, m.Acquire("inbox/sheets-team", ""))
	require.NoError(t, m.Acquire("inbox/auth-team", ""))

	m.ReleaseAll()

	for _, res := range []string{"inbox/sheets-team", "inbox/auth-team"} {
		info, err := backend.ReadInfo(res)
		require.NoError(t, err)
		assert.Nil(t, info, res)
	}
}

func TestSafeKey(t *testing.T) {
	assert.Equal(t, "inbox_sheets-team", SafeKey("inbox/sheets-team"))
	// Distinct ids can collide; this is accepted behavior.
	assert.Equal(t, SafeKey("a/b"), SafeKey("a_b"))
}

func TestFileBackend_PrefixNamespaces(t *testing.T) {
	dir := t.TempDir()
	ownerScoped := NewFileBackend(dir, "controller_")
	resourceScoped := NewFileBackend(dir, "")

	ok, err := ownerScoped.TryAcquire(Info{ResourceID: "res", OwnerID: "controller", AcquiredAt: time.Now()}, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// Same resource id in the bare namespace is a distinct lock.
	ok, err = resourceScoped.TryAcquire(Info{ResourceID: "res", OwnerID: "agent", AcquiredAt: time.Now()}, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileBackend_List(t *testing.T) {
	dir := t.TempDir()
	backend := NewFileBackend(dir, "")

	for _, res := range []string{"r1", "r2"} {
		ok, err := backend.TryAcquire(Info{ResourceID: res, OwnerID: "o", AcquiredAt: time.Now()}, time.Hour)
		require.NoError(t, err)
		require.True(t, ok)
	}

	infos, err := backend.List()
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestFileBackend_ReleaseWrongOwnerNoop(t *testing.T) {
	backend := NewFileBackend(t.TempDir(), "")
	ok, err := backend.TryAcquire(Info{ResourceID: "res", OwnerID: "owner", AcquiredAt: time.Now()}, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, backend.Release("res", "intruder"))

	info, err := backend.ReadInfo("res")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "owner", info.OwnerID)
}
