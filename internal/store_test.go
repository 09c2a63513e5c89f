package internal

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuproxy/gpuproxy/types"
)

// testBackends are the dsn templates every store property is checked
// against. %s is replaced with a fresh temporary directory.
var testBackends = []struct {
	name string
	dsn  func(dir string) string
}{
	{"sqlite", func(dir string) string { return filepath.Join(dir, "gpuproxy.db") }},
	{"bitcask", func(dir string) string { return "bitcask://" + filepath.Join(dir, "gpuproxy.bitcask") }},
}

// forEachStore runs fn as a subtest against a fresh store of every local
// backend. The dsn is passed along so tests can reopen the store.
func forEachStore(t *testing.T, fn func(t *testing.T, dsn string, store Store)) {
	for _, backend := range testBackends {
		backend := backend
		t.Run(backend.name, func(t *testing.T) {
			dir, err := ioutil.TempDir("", "gpuproxy-"+backend.name+"-")
			require.NoError(t, err)
			defer os.RemoveAll(dir)

			dsn := backend.dsn(dir)
			store, err := NewStore(dsn)
			require.NoError(t, err)
			defer func() { store.Close() }()

			fn(t, dsn, store)
		})
	}
}

func TestNewStoreInvalid(t *testing.T) {
	_, err := NewStore("  ")
	assert.True(t, errors.Is(err, ErrInvalidStore))
}

func TestStoreResources(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		ctx := context.Background()

		require.NoError(t, store.PutResource(ctx, &types.ResourceInfo{ID: "empty", Data: nil}))
		require.NoError(t, store.PutResource(ctx, &types.ResourceInfo{ID: "small", Data: []byte("hello")}))

		res, err := store.GetResource(ctx, "empty")
		require.NoError(t, err)
		assert.NotNil(t, res.Data)
		assert.Len(t, res.Data, 0)

		res, err = store.GetResource(ctx, "small")
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), res.Data)

		_, err = store.GetResource(ctx, "missing")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestStoreUpdateTaskNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		_, err := store.UpdateTask(context.Background(), "missing", func(task *types.Task) error {
			t.Fatal("fn called for a missing task")
			return nil
		})
		assert.True(t, errors.Is(err, types.ErrNotFound))

		_, err = store.GetTask(context.Background(), "missing")
		assert.True(t, errors.Is(err, types.ErrNotFound))
	})
}

func TestStoreUpdateTaskRollback(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		ctx := context.Background()
		pool := NewTaskPool(store, nil, nil)

		id, err := pool.AddTask(ctx, "f01234", "r1")
		require.NoError(t, err)

		boom := errors.New("boom")
		_, err = store.UpdateTask(ctx, id, func(task *types.Task) error {
			task.State = types.TaskStateCompleted
			return boom
		})
		assert.Equal(t, boom, err)

		task, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStateInit, task.State)
	})
}

func TestStoreLocalWorker(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		ctx := context.Background()

		calls := 0
		newID := func() string {
			calls++
			return "local-worker"
		}

		first, err := store.LocalWorker(ctx, newID)
		require.NoError(t, err)
		second, err := store.LocalWorker(ctx, newID)
		require.NoError(t, err)

		assert.Equal(t, "local-worker", first.ID)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, calls)
	})
}

func queueKeys(t *testing.T, store *bitcaskStore) []string {
	var keys []string
	require.NoError(t, store.db.Scan([]byte(initKeyPrefix), func(key []byte) error {
		keys = append(keys, string(key))
		return nil
	}))
	return keys
}

func TestBitcaskStoreQueueIndex(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	path := filepath.Join(tempDir(t), "gpuproxy.bitcask")

	store, err := newBitcaskStore(path)
	require.NoError(t, err)
	pool := NewTaskPool(store, nil, nil)

	first, err := pool.AddTask(ctx, "f01234", "r1")
	require.NoError(t, err)
	second, err := pool.AddTask(ctx, "f01234", "r2")
	require.NoError(t, err)
	assert.Len(queueKeys(t, store), 2)

	task, err := pool.FetchOneTodo(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(first, task.ID)
	assert.Len(queueKeys(t, store), 1)

	_, err = pool.RecordProof(ctx, "w1", first, "00")
	require.NoError(t, err)
	assert.Len(queueKeys(t, store), 1, "finished tasks never return to the queue")

	task, err = pool.FetchOneTodo(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(second, task.ID)
	assert.Empty(queueKeys(t, store))

	_, err = pool.FetchOneTodo(ctx, "w1")
	assert.True(errors.Is(err, types.ErrNoTaskAvailable))

	n, err := pool.RequeueExpired(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.Equal(1, n)
	assert.Len(queueKeys(t, store), 1, "requeued tasks are queued again")

	// a lost index entry and a stale one are both repaired on open
	require.NoError(t, store.db.Delete([]byte(queueKeys(t, store)[0])))
	require.NoError(t, store.db.Put([]byte(initKeyPrefix+"00000000000000000001/gone"), []byte("gone")))
	require.NoError(t, store.Close())

	store, err = newBitcaskStore(path)
	require.NoError(t, err)
	defer store.Close()

	keys := queueKeys(t, store)
	require.Len(t, keys, 1)
	assert.True(strings.HasSuffix(keys[0], "/"+second))

	task, err = NewTaskPool(store, nil, nil).FetchOneTodo(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(second, task.ID)
	assert.Empty(queueKeys(t, store))
}

func TestBitcaskStoreClaimSkipsStaleEntries(t *testing.T) {
	ctx := context.Background()

	store, err := newBitcaskStore(filepath.Join(tempDir(t), "gpuproxy.bitcask"))
	require.NoError(t, err)
	defer store.Close()
	pool := NewTaskPool(store, nil, nil)

	id, err := pool.AddTask(ctx, "f01234", "r1")
	require.NoError(t, err)
	require.NoError(t, store.db.Put([]byte(initKeyPrefix+"00000000000000000001/gone"), []byte("gone")))

	task, err := pool.FetchOneTodo(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	assert.Empty(t, queueKeys(t, store))
}
