package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpuproxy/gpuproxy/types"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []TaskEvent
}

func (n *recordingNotifier) Notify(ev TaskEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Close() error { return nil }

func (n *recordingNotifier) Types() []TaskEventType {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []TaskEventType
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestPoolSubmitClaimComplete(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		assert := assert.New(t)
		ctx := context.Background()

		notifier := &recordingNotifier{}
		pool := NewTaskPool(store, notifier, nil)
		service := NewProofService(pool, NewDBResource(store))

		id, err := service.SubmitC2Task(ctx, []byte(`{"phase1":"output"}`), "f01234", types.ProverID{1}, 7)
		require.NoError(t, err)

		task, err := pool.FetchOneTodo(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(id, task.ID)
		assert.Equal("f01234", task.Miner)
		assert.Equal(types.TaskStateRunning, task.State)
		assert.Equal("w1", task.WorkerID)

		ok, err := pool.RecordProof(ctx, "w1", id, "deadbeef")
		require.NoError(t, err)
		assert.True(ok)

		task, err = pool.Fetch(ctx, id)
		require.NoError(t, err)
		assert.Equal(types.TaskStateCompleted, task.State)
		assert.Equal("deadbeef", task.Proof)
		assert.Equal("w1", task.WorkerID)

		_, err = pool.FetchOneTodo(ctx, "w1")
		assert.True(errors.Is(err, types.ErrNoTaskAvailable))

		assert.Equal([]TaskEventType{TaskAdded, TaskClaimed, TaskCompleted}, notifier.Types())
	})
}

func TestPoolFIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		ctx := context.Background()
		pool := NewTaskPool(store, nil, nil)

		var ids []string
		for i := 0; i < 5; i++ {
			id, err := pool.AddTask(ctx, "f01234", fmt.Sprintf("r%d", i))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		var claimed []string
		for range ids {
			task, err := pool.FetchOneTodo(ctx, "w1")
			require.NoError(t, err)
			claimed = append(claimed, task.ID)
		}
		assert.Equal(t, ids, claimed)
	})
}

func TestPoolConcurrentClaims(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		ctx := context.Background()
		pool := NewTaskPool(store, nil, nil)

		const nTasks, nWorkers = 20, 8

		for i := 0; i < nTasks; i++ {
			_, err := pool.AddTask(ctx, "f01234", fmt.Sprintf("r%d", i))
			require.NoError(t, err)
		}

		var (
			mu      sync.Mutex
			claimed = make(map[string]string)
			dups    []string
			wg      sync.WaitGroup
		)

		for w := 0; w < nWorkers; w++ {
			workerID := fmt.Sprintf("w%d", w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					task, err := pool.FetchOneTodo(ctx, workerID)
					if err != nil {
						return
					}
					mu.Lock()
					if _, seen := claimed[task.ID]; seen {
						dups = append(dups, task.ID)
					}
					claimed[task.ID] = workerID
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Empty(t, dups)
		assert.Len(t, claimed, nTasks)

		for id, workerID := range claimed {
			task, err := pool.Fetch(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, workerID, task.WorkerID)
		}
	})
}

func TestPoolConcurrentReports(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		ctx := context.Background()
		pool := NewTaskPool(store, nil, nil)

		id, err := pool.AddTask(ctx, "f01234", "r1")
		require.NoError(t, err)
		_, err = pool.FetchOneTodo(ctx, "w1")
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			successes int32
			mu        sync.Mutex
		)
		report := func(fn func() (bool, error)) {
			defer wg.Done()
			if ok, err := fn(); ok && err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, types.ErrConflict), "%v", err)
			}
		}

		wg.Add(2)
		go report(func() (bool, error) { return pool.RecordProof(ctx, "w1", id, "deadbeef") })
		go report(func() (bool, error) { return pool.RecordError(ctx, "w1", id, "boom") })
		wg.Wait()

		assert.Equal(t, int32(1), successes)
	})
}

func TestPoolTerminalStatesAreFinal(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		assert := assert.New(t)
		ctx := context.Background()
		pool := NewTaskPool(store, nil, nil)

		done, err := pool.AddTask(ctx, "f01234", "r1")
		require.NoError(t, err)
		failed, err := pool.AddTask(ctx, "f01234", "r2")
		require.NoError(t, err)

		_, err = pool.FetchOneTodo(ctx, "w1")
		require.NoError(t, err)
		_, err = pool.FetchOneTodo(ctx, "w1")
		require.NoError(t, err)

		_, err = pool.RecordProof(ctx, "w1", done, "deadbeef")
		require.NoError(t, err)
		_, err = pool.RecordError(ctx, "w1", failed, "gpu fell off the bus")
		require.NoError(t, err)

		for _, id := range []string{done, failed} {
			ok, err := pool.RecordProof(ctx, "w1", id, "cafe")
			assert.False(ok)
			assert.True(errors.Is(err, types.ErrConflict))

			ok, err = pool.RecordError(ctx, "w1", id, "again")
			assert.False(ok)
			assert.True(errors.Is(err, types.ErrConflict))
		}

		task, err := pool.Fetch(ctx, done)
		require.NoError(t, err)
		assert.Equal(types.TaskStateCompleted, task.State)
		assert.Equal("deadbeef", task.Proof)

		task, err = pool.Fetch(ctx, failed)
		require.NoError(t, err)
		assert.Equal(types.TaskStateError, task.State)
		assert.Equal("gpu fell off the bus", task.ErrorMsg)
	})
}

func TestPoolOwnership(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		assert := assert.New(t)
		ctx := context.Background()
		pool := NewTaskPool(store, nil, nil)

		id, err := pool.AddTask(ctx, "f01234", "r1")
		require.NoError(t, err)

		ok, err := pool.RecordProof(ctx, "w1", id, "deadbeef")
		assert.False(ok)
		assert.True(errors.Is(err, types.ErrConflict), "report on an unclaimed task")

		_, err = pool.FetchOneTodo(ctx, "w1")
		require.NoError(t, err)

		ok, err = pool.RecordProof(ctx, "w2", id, "deadbeef")
		assert.False(ok)
		assert.True(errors.Is(err, types.ErrConflict), "report by another worker")

		ok, err = pool.RecordProof(ctx, "w1", "no-such-task", "deadbeef")
		assert.False(ok)
		assert.True(errors.Is(err, types.ErrNotFound))

		_, err = pool.FetchOneTodo(ctx, "")
		assert.True(errors.Is(err, types.ErrInvalidParams))

		task, err := pool.Fetch(ctx, id)
		require.NoError(t, err)
		assert.Equal(types.TaskStateRunning, task.State)
		assert.Equal("w1", task.WorkerID)
	})
}

func TestPoolRecoveryAfterRestart(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		assert := assert.New(t)
		ctx := context.Background()
		pool := NewTaskPool(store, nil, nil)

		workerID, err := pool.LocalWorkerID(ctx)
		require.NoError(t, err)

		id, err := pool.AddTask(ctx, "f01234", "r1")
		require.NoError(t, err)
		_, err = pool.AddTask(ctx, "f01234", "r2")
		require.NoError(t, err)
		_, err = pool.FetchOneTodo(ctx, workerID)
		require.NoError(t, err)

		require.NoError(t, store.Close())

		reopened, err := NewStore(dsn)
		require.NoError(t, err)
		defer reopened.Close()
		pool = NewTaskPool(reopened, nil, nil)

		again, err := pool.LocalWorkerID(ctx)
		require.NoError(t, err)
		assert.Equal(workerID, again)

		uncompleted, err := pool.FetchUncomplete(ctx, again)
		require.NoError(t, err)
		require.Len(t, uncompleted, 1)
		assert.Equal(id, uncompleted[0].ID)

		ok, err := pool.RecordProof(ctx, again, id, "deadbeef")
		require.NoError(t, err)
		assert.True(ok)

		// AddTask after a restart still sorts after the existing tasks
		later, err := pool.AddTask(ctx, "f01234", "r3")
		require.NoError(t, err)
		tasks, err := pool.ListTask(ctx, nil, nil)
		require.NoError(t, err)
		require.Len(t, tasks, 3)
		assert.Equal(later, tasks[2].ID)
	})
}

func TestPoolListTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		ctx := context.Background()
		pool := NewTaskPool(store, nil, nil)

		ids := make([]string, 4)
		for i := range ids {
			id, err := pool.AddTask(ctx, "f01234", fmt.Sprintf("r%d", i))
			require.NoError(t, err)
			ids[i] = id
		}

		// ids[0] and ids[1] go to w1, ids[2] to w2, ids[3] stays in Init
		for _, w := range []string{"w1", "w1", "w2"} {
			_, err := pool.FetchOneTodo(ctx, w)
			require.NoError(t, err)
		}
		_, err := pool.RecordProof(ctx, "w1", ids[0], "deadbeef")
		require.NoError(t, err)

		w1, w2 := "w1", "w2"
		testCases := []struct {
			name     string
			workerID *string
			states   []types.TaskState
			expected []string
		}{
			{"no filter", nil, nil, ids},
			{"worker only", &w1, nil, ids[:2]},
			{"state only", nil, []types.TaskState{types.TaskStateRunning}, ids[1:3]},
			{"worker and state", &w1, []types.TaskState{types.TaskStateRunning}, ids[1:2]},
			{"worker and state disjoint", &w2, []types.TaskState{types.TaskStateCompleted}, nil},
			{"several states", nil, []types.TaskState{types.TaskStateInit, types.TaskStateCompleted}, []string{ids[0], ids[3]}},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				tasks, err := pool.ListTask(ctx, tc.workerID, tc.states)
				require.NoError(t, err)

				var got []string
				for _, task := range tasks {
					got = append(got, task.ID)
				}
				assert.Equal(t, tc.expected, got)
			})
		}
	})
}

func TestPoolRequeueExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		assert := assert.New(t)
		ctx := context.Background()
		notifier := &recordingNotifier{}
		pool := NewTaskPool(store, notifier, nil)

		id, err := pool.AddTask(ctx, "f01234", "r1")
		require.NoError(t, err)
		_, err = pool.FetchOneTodo(ctx, "w1")
		require.NoError(t, err)

		n, err := pool.RequeueExpired(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(0, n)

		time.Sleep(10 * time.Millisecond)

		n, err = pool.RequeueExpired(ctx, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(1, n)

		task, err := pool.Fetch(ctx, id)
		require.NoError(t, err)
		assert.Equal(types.TaskStateInit, task.State)
		assert.Equal("w1", task.WorkerID)

		_, err = pool.RecordProof(ctx, "w1", id, "deadbeef")
		assert.True(errors.Is(err, types.ErrConflict))

		task, err = pool.FetchOneTodo(ctx, "w2")
		require.NoError(t, err)
		assert.Equal(id, task.ID)
		assert.Equal("w2", task.WorkerID)

		assert.Equal([]TaskEventType{TaskAdded, TaskClaimed, TaskRequeued, TaskClaimed}, notifier.Types())
	})
}

func TestPoolCountByState(t *testing.T) {
	forEachStore(t, func(t *testing.T, dsn string, store Store) {
		ctx := context.Background()
		pool := NewTaskPool(store, nil, nil)

		for i := 0; i < 3; i++ {
			_, err := pool.AddTask(ctx, "f01234", fmt.Sprintf("r%d", i))
			require.NoError(t, err)
		}
		task, err := pool.FetchOneTodo(ctx, "w1")
		require.NoError(t, err)
		_, err = pool.RecordError(ctx, "w1", task.ID, "boom")
		require.NoError(t, err)
		_, err = pool.FetchOneTodo(ctx, "w1")
		require.NoError(t, err)

		counts, err := pool.CountByState(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[types.TaskState]int{
			types.TaskStateInit:      1,
			types.TaskStateRunning:   1,
			types.TaskStateCompleted: 0,
			types.TaskStateError:     1,
		}, counts)
	})
}
