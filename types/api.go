package types

import "context"

// ProofAPI is the Proof.* RPC surface. It is implemented by the server side
// service bound to a task pool and by the remote client, so callers do not
// care which side of the wire they are on.
type ProofAPI interface {
	SubmitC2Task(ctx context.Context, phase1Output []byte, miner string, proverID ProverID, sectorID uint64) (string, error)
	GetTask(ctx context.Context, id string) (*Task, error)
	FetchTodo(ctx context.Context, workerID string) (*Task, error)
	FetchUncomplete(ctx context.Context, workerID string) ([]*Task, error)
	GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error)
	RecordProof(ctx context.Context, workerID, taskID, proof string) (bool, error)
	RecordError(ctx context.Context, workerID, taskID, errMsg string) (bool, error)
	ListTask(ctx context.Context, workerID *string, states []TaskState) ([]*Task, error)
}

// WorkerFetch is what a worker needs from the task pool: claim, recover and
// report.
type WorkerFetch interface {
	FetchOneTodo(ctx context.Context, workerID string) (*Task, error)
	FetchUncomplete(ctx context.Context, workerID string) ([]*Task, error)
	RecordProof(ctx context.Context, workerID, taskID, proof string) (bool, error)
	RecordError(ctx context.Context, workerID, taskID, errMsg string) (bool, error)
}

// Resource stores and loads opaque blobs by generated id.
type Resource interface {
	GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error)
	StoreResourceInfo(ctx context.Context, data []byte) (string, error)
}
