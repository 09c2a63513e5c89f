package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

type dialect struct {
	name      string
	driver    string
	blobType  string
	lockClaim string
	lockRow   string
	pragmas   []string
	maxConns  int
	numbered  bool
}

var (
	// sqlite serializes everything through a single connection, so a plain
	// transaction is already the critical section.
	sqliteDialect = dialect{
		name:     "sqlite",
		driver:   "sqlite3",
		blobType: "BLOB",
		pragmas: []string{
			`PRAGMA journal_mode=WAL;`,
			`PRAGMA busy_timeout=5000;`,
			`PRAGMA synchronous=NORMAL;`,
		},
		maxConns: 1,
	}

	postgresDialect = dialect{
		name:      "postgres",
		driver:    "postgres",
		blobType:  "BYTEA",
		lockClaim: " FOR UPDATE SKIP LOCKED",
		lockRow:   " FOR UPDATE",
		numbered:  true,
	}
)

// rebind rewrites ? placeholders into $1, $2, ... for dialects that need it.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}

	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const taskColumns = `id, miner, resource_id, worker_id, state, proof, error_msg, created_at, updated_at`

type sqlStore struct {
	db *sql.DB
	d  dialect
}

func newSQLStore(d dialect, dsn string) (*sqlStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		log.WithError(err).Errorf("error opening %s store", d.name)
		return nil, types.StorageError(err)
	}
	if d.maxConns > 0 {
		db.SetMaxOpenConns(d.maxConns)
	}

	for _, pragma := range d.pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, types.StorageError(err)
		}
	}

	s := &sqlStore{db: db, d: d}
	if err := s.initSchema(context.Background()); err != nil {
		log.WithError(err).Errorf("error initializing %s schema", d.name)
		db.Close()
		return nil, types.StorageError(err)
	}

	return s, nil
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			miner TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			state INTEGER NOT NULL,
			proof TEXT NOT NULL DEFAULT '',
			error_msg TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_state_created_at ON tasks(state, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker_id ON tasks(worker_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS resource_info (
			id TEXT PRIMARY KEY,
			data %s NOT NULL
		)`, s.d.blobType),
		`CREATE TABLE IF NOT EXISTS worker_info (
			id TEXT PRIMARY KEY,
			is_local INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t                    types.Task
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&t.ID, &t.Miner, &t.ResourceID, &t.WorkerID, &t.State,
		&t.Proof, &t.ErrorMsg, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &t, nil
}

func (s *sqlStore) AddTask(ctx context.Context, task *types.Task) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, task.Miner, task.ResourceID, task.WorkerID, task.State,
		task.Proof, task.ErrorMsg, task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
	)
	if err != nil {
		log.WithError(err).Errorf("error inserting task %s", task.ID)
		return types.StorageError(err)
	}
	return nil
}

func (s *sqlStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task %s", types.ErrNotFound, id)
	}
	if err != nil {
		log.WithError(err).Errorf("error loading task %s", id)
		return nil, types.StorageError(err)
	}
	return task, nil
}

func (s *sqlStore) ListTasks(ctx context.Context, filter types.TaskFilter) (types.Tasks, error) {
	var (
		where []string
		args  []interface{}
	)

	if filter.WorkerID != nil {
		where = append(where, "worker_id = ?")
		args = append(args, *filter.WorkerID)
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, state := range filter.States {
			marks[i] = "?"
			args = append(args, state)
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		log.WithError(err).Error("error listing tasks")
		return nil, types.StorageError(err)
	}
	defer rows.Close()

	tasks := types.Tasks{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, types.StorageError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, types.StorageError(err)
	}
	return tasks, nil
}

func (s *sqlStore) ClaimTask(ctx context.Context, fn func(task *types.Task) error) (*types.Task, error) {
	query := s.d.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE state = ? ORDER BY created_at, id LIMIT 1` + s.d.lockClaim)

	return s.modifyTask(ctx, func(tx *sql.Tx) (*types.Task, error) {
		task, err := scanTask(tx.QueryRowContext(ctx, query, types.TaskStateInit))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNoTaskAvailable
		}
		return task, err
	}, fn)
}

func (s *sqlStore) UpdateTask(ctx context.Context, id string, fn func(task *types.Task) error) (*types.Task, error) {
	query := s.d.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = ?` + s.d.lockRow)

	return s.modifyTask(ctx, func(tx *sql.Tx) (*types.Task, error) {
		task, err := scanTask(tx.QueryRowContext(ctx, query, id))
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: task %s", types.ErrNotFound, id)
		}
		return task, err
	}, fn)
}

// modifyTask runs load, fn and the write back in one transaction. The update
// is guarded by the state the task was loaded in, so a row changed under us
// can never be overwritten.
func (s *sqlStore) modifyTask(
	ctx context.Context,
	load func(tx *sql.Tx) (*types.Task, error),
	fn func(task *types.Task) error,
) (*types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.StorageError(err)
	}
	defer tx.Rollback()

	task, err := load(tx)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrNoTaskAvailable) {
			return nil, err
		}
		log.WithError(err).Error("error loading task for update")
		return nil, types.StorageError(err)
	}

	prevState := task.State
	if err := fn(task); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, s.d.rebind(
		`UPDATE tasks SET worker_id = ?, state = ?, proof = ?, error_msg = ?, updated_at = ?
		 WHERE id = ? AND state = ?`),
		task.WorkerID, task.State, task.Proof, task.ErrorMsg, task.UpdatedAt.UnixNano(),
		task.ID, prevState,
	)
	if err != nil {
		log.WithError(err).Errorf("error updating task %s", task.ID)
		return nil, types.StorageError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, types.StorageError(err)
	}
	if n != 1 {
		return nil, fmt.Errorf("%w: task %s changed concurrently", types.ErrConflict, task.ID)
	}

	if err := tx.Commit(); err != nil {
		log.WithError(err).Errorf("error committing task %s", task.ID)
		return nil, types.StorageError(err)
	}
	return task, nil
}

func (s *sqlStore) PutResource(ctx context.Context, res *types.ResourceInfo) error {
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO resource_info (id, data) VALUES (?, ?)`),
		res.ID, normalizeData(res.Data),
	)
	if err != nil {
		log.WithError(err).Errorf("error inserting resource %s", res.ID)
		return types.StorageError(err)
	}
	return nil
}

func (s *sqlStore) GetResource(ctx context.Context, id string) (*types.ResourceInfo, error) {
	res := &types.ResourceInfo{ID: id}

	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT data FROM resource_info WHERE id = ?`), id).Scan(&res.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: resource %s", types.ErrNotFound, id)
	}
	if err != nil {
		log.WithError(err).Errorf("error loading resource %s", id)
		return nil, types.StorageError(err)
	}
	res.Data = normalizeData(res.Data)
	return res, nil
}

func (s *sqlStore) LocalWorker(ctx context.Context, newID func() string) (*types.WorkerInfo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.StorageError(err)
	}
	defer tx.Rollback()

	var (
		info      types.WorkerInfo
		createdAt int64
	)
	err = tx.QueryRowContext(ctx, s.d.rebind(
		`SELECT id, created_at FROM worker_info WHERE is_local = ? ORDER BY created_at LIMIT 1`), 1,
	).Scan(&info.ID, &createdAt)
	switch {
	case err == nil:
		info.CreatedAt = time.Unix(0, createdAt).UTC()
		return &info, nil
	case !errors.Is(err, sql.ErrNoRows):
		log.WithError(err).Error("error loading local worker")
		return nil, types.StorageError(err)
	}

	info.ID = newID()
	info.CreatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO worker_info (id, is_local, created_at) VALUES (?, ?, ?)`),
		info.ID, 1, info.CreatedAt.UnixNano(),
	); err != nil {
		log.WithError(err).Error("error creating local worker")
		return nil, types.StorageError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, types.StorageError(err)
	}
	return &info, nil
}
