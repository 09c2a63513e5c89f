package internal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/gpuproxy/gpuproxy/types"
)

var (
	ErrInvalidStore = errors.New("error: invalid store")
)

// Store is the persistence layer behind the task pool and the db resource
// backend. Every method is atomic on its own; UpdateTask and ClaimTask are
// the only way to mutate a stored task and apply fn inside the store's
// critical section (transaction or lock), writing nothing when fn fails.
type Store interface {
	AddTask(ctx context.Context, task *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, filter types.TaskFilter) (types.Tasks, error)

	// ClaimTask selects the oldest task in Init, applies fn and saves the
	// result. Returns types.ErrNoTaskAvailable when there is none.
	ClaimTask(ctx context.Context, fn func(task *types.Task) error) (*types.Task, error)

	// UpdateTask loads task id, applies fn and saves the result.
	UpdateTask(ctx context.Context, id string, fn func(task *types.Task) error) (*types.Task, error)

	PutResource(ctx context.Context, res *types.ResourceInfo) error
	GetResource(ctx context.Context, id string) (*types.ResourceInfo, error)

	// LocalWorker returns the persisted identity of the in-process worker,
	// creating it with newID on first use.
	LocalWorker(ctx context.Context, newID func() string) (*types.WorkerInfo, error)

	Close() error
}

// NewStore opens the store described by dsn:
//
//	bitcask://<dir>        embedded bitcask key/value store
//	postgres://...         PostgreSQL
//	sqlite://<file>, <file> SQLite (the default)
func NewStore(dsn string) (Store, error) {
	u := strings.TrimSpace(dsn)
	if u == "" {
		return nil, fmt.Errorf("%w: empty dsn", ErrInvalidStore)
	}

	switch {
	case strings.HasPrefix(u, "bitcask://"):
		path, err := homedir.Expand(strings.TrimPrefix(u, "bitcask://"))
		if err != nil {
			return nil, err
		}
		return newBitcaskStore(path)
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		return newSQLStore(postgresDialect, u)
	case strings.HasPrefix(u, "sqlite://"):
		u = strings.TrimPrefix(u, "sqlite://")
		fallthrough
	default:
		path, err := homedir.Expand(u)
		if err != nil {
			return nil, err
		}
		return newSQLStore(sqliteDialect, path)
	}
}

func normalizeData(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}
