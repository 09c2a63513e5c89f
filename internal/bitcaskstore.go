package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prologic/bitcask"
	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

const (
	taskKeyPrefix     = "task/"
	initKeyPrefix     = "init/"
	resourceKeyPrefix = "resource/"
	localWorkerKey    = "worker/local"

	// C2 inputs are tens of megabytes, far above bitcask's default limit.
	maxResourceSize uint64 = 1 << 32

	// stored resources carry a one byte format marker so that empty
	// payloads are still non-empty values
	resourceFormatV1 byte = 1
)

// bitcaskStore keeps tasks, resources and the local worker identity in a
// single bitcask database. Bitcask has no transactions, so every
// read-modify-write runs under mu.
//
// Tasks in Init are also listed under init/<created_at>/<id> so ClaimTask
// only reads the queue, not every task ever stored. The task record is
// written before its index entry; reindex repairs the index on open.
type bitcaskStore struct {
	mu     sync.RWMutex
	db     *bitcask.Bitcask
	closed bool
}

func newBitcaskStore(path string) (*bitcaskStore, error) {
	db, err := bitcask.Open(
		path,
		bitcask.WithMaxValueSize(maxResourceSize),
		bitcask.WithSync(true),
	)
	if err != nil {
		log.WithError(err).Errorf("error opening bitcask store %s", path)
		return nil, types.StorageError(err)
	}

	s := &bitcaskStore{db: db}
	if err := s.reindex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *bitcaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func taskKey(id string) []byte     { return []byte(taskKeyPrefix + id) }
func resourceKey(id string) []byte { return []byte(resourceKeyPrefix + id) }

// initKey sorts like types.Tasks: by creation time, then id.
func initKey(task *types.Task) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", initKeyPrefix, task.CreatedAt.UnixNano(), task.ID))
}

// reindex rebuilds the init/ entries from the stored tasks, dropping stale
// ones and adding any lost between a task write and its index write.
func (s *bitcaskStore) reindex() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := map[string]bool{}
	err := s.db.Scan([]byte(initKeyPrefix), func(key []byte) error {
		stale[string(key)] = true
		return nil
	})
	if err != nil {
		log.WithError(err).Error("error scanning task queue")
		return types.StorageError(err)
	}

	tasks, err := s.allTasks()
	if err != nil {
		return err
	}

	added := 0
	for _, task := range tasks {
		if task.State != types.TaskStateInit {
			continue
		}
		key := initKey(task)
		if stale[string(key)] {
			delete(stale, string(key))
			continue
		}
		if err := s.db.Put(key, []byte(task.ID)); err != nil {
			log.WithError(err).Errorf("error indexing task %s", task.ID)
			return types.StorageError(err)
		}
		added++
	}

	for key := range stale {
		if err := s.db.Delete([]byte(key)); err != nil {
			log.WithError(err).Errorf("error removing queue entry %s", key)
			return types.StorageError(err)
		}
	}

	if added > 0 || len(stale) > 0 {
		log.Infof("reindexed task queue: %d added, %d removed", added, len(stale))
	}
	return nil
}

// saveTask writes task and moves its queue entry when it enters or leaves
// Init. wasInit is the state before fn ran.
func (s *bitcaskStore) saveTask(task *types.Task, wasInit bool) error {
	if err := s.putTask(task); err != nil {
		return err
	}

	isInit := task.State == types.TaskStateInit
	switch {
	case wasInit && !isInit:
		if err := s.db.Delete(initKey(task)); err != nil {
			log.WithError(err).Errorf("error removing task %s from the queue", task.ID)
			return types.StorageError(err)
		}
	case !wasInit && isInit:
		if err := s.db.Put(initKey(task), []byte(task.ID)); err != nil {
			log.WithError(err).Errorf("error queueing task %s", task.ID)
			return types.StorageError(err)
		}
	}
	return nil
}

func (s *bitcaskStore) getTask(id string) (*types.Task, error) {
	data, err := s.db.Get(taskKey(id))
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: task %s", types.ErrNotFound, id)
	}
	if err != nil {
		log.WithError(err).Errorf("error loading task %s", id)
		return nil, types.StorageError(err)
	}

	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		log.WithError(err).Errorf("error decoding task %s", id)
		return nil, types.StorageError(err)
	}
	return &task, nil
}

func (s *bitcaskStore) putTask(task *types.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return types.StorageError(err)
	}
	if err := s.db.Put(taskKey(task.ID), data); err != nil {
		log.WithError(err).Errorf("error writing task %s", task.ID)
		return types.StorageError(err)
	}
	return nil
}

// allTasks must be called with mu held.
func (s *bitcaskStore) allTasks() (types.Tasks, error) {
	var ids []string

	err := s.db.Scan([]byte(taskKeyPrefix), func(key []byte) error {
		ids = append(ids, string(key[len(taskKeyPrefix):]))
		return nil
	})
	if err != nil {
		log.WithError(err).Error("error scanning tasks")
		return nil, types.StorageError(err)
	}

	tasks := make(types.Tasks, 0, len(ids))
	for _, id := range ids {
		task, err := s.getTask(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	sort.Sort(tasks)
	return tasks, nil
}

func (s *bitcaskStore) AddTask(ctx context.Context, task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db.Has(taskKey(task.ID)) {
		return types.StorageError(fmt.Errorf("duplicate task id %s", task.ID))
	}
	return s.saveTask(task, false)
}

func (s *bitcaskStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getTask(id)
}

func (s *bitcaskStore) ListTasks(ctx context.Context, filter types.TaskFilter) (types.Tasks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.allTasks()
	if err != nil {
		return nil, err
	}

	matched := types.Tasks{}
	for _, task := range tasks {
		if filter.Match(task) {
			matched = append(matched, task)
		}
	}
	return matched, nil
}

func (s *bitcaskStore) ClaimTask(ctx context.Context, fn func(task *types.Task) error) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	err := s.db.Scan([]byte(initKeyPrefix), func(key []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		log.WithError(err).Error("error scanning task queue")
		return nil, types.StorageError(err)
	}
	sort.Strings(keys)

	for _, key := range keys {
		id := key[strings.LastIndexByte(key, '/')+1:]

		task, err := s.getTask(id)
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		if err != nil || task.State != types.TaskStateInit || string(initKey(task)) != key {
			log.Warnf("dropping stale queue entry %s", key)
			if err := s.db.Delete([]byte(key)); err != nil {
				return nil, types.StorageError(err)
			}
			continue
		}

		if err := fn(task); err != nil {
			return nil, err
		}
		if err := s.saveTask(task, true); err != nil {
			return nil, err
		}
		return task, nil
	}

	return nil, types.ErrNoTaskAvailable
}

func (s *bitcaskStore) UpdateTask(ctx context.Context, id string, fn func(task *types.Task) error) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.getTask(id)
	if err != nil {
		return nil, err
	}
	wasInit := task.State == types.TaskStateInit
	if err := fn(task); err != nil {
		return nil, err
	}
	if err := s.saveTask(task, wasInit); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *bitcaskStore) PutResource(ctx context.Context, res *types.ResourceInfo) error {
	value := make([]byte, 0, len(res.Data)+1)
	value = append(value, resourceFormatV1)
	value = append(value, res.Data...)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Put(resourceKey(res.ID), value); err != nil {
		log.WithError(err).Errorf("error writing resource %s", res.ID)
		return types.StorageError(err)
	}
	return nil
}

func (s *bitcaskStore) GetResource(ctx context.Context, id string) (*types.ResourceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, err := s.db.Get(resourceKey(id))
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: resource %s", types.ErrNotFound, id)
	}
	if err != nil {
		log.WithError(err).Errorf("error loading resource %s", id)
		return nil, types.StorageError(err)
	}
	if len(value) == 0 || value[0] != resourceFormatV1 {
		return nil, types.StorageError(fmt.Errorf("resource %s has an unknown format", id))
	}

	data := make([]byte, len(value)-1)
	copy(data, value[1:])
	return &types.ResourceInfo{ID: id, Data: data}, nil
}

func (s *bitcaskStore) LocalWorker(ctx context.Context, newID func() string) (*types.WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var info types.WorkerInfo

	data, err := s.db.Get([]byte(localWorkerKey))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &info); err != nil {
			return nil, types.StorageError(err)
		}
		return &info, nil
	case !errors.Is(err, bitcask.ErrKeyNotFound):
		log.WithError(err).Error("error loading local worker")
		return nil, types.StorageError(err)
	}

	info.ID = newID()
	info.CreatedAt = time.Now().UTC()

	data, err = json.Marshal(&info)
	if err != nil {
		return nil, types.StorageError(err)
	}
	if err := s.db.Put([]byte(localWorkerKey), data); err != nil {
		log.WithError(err).Error("error writing local worker")
		return nil, types.StorageError(err)
	}
	return &info, nil
}
