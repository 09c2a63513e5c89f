package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

// ProofService implements types.ProofAPI on top of a TaskPool and a
// Resource backend. It is what the RPC server dispatches to.
type ProofService struct {
	pool     *TaskPool
	resource types.Resource
}

// NewProofService ...
func NewProofService(pool *TaskPool, resource types.Resource) *ProofService {
	return &ProofService{pool: pool, resource: resource}
}

var _ types.ProofAPI = (*ProofService)(nil)

// SubmitC2Task stores the C2 input as a resource and queues a task for it.
func (s *ProofService) SubmitC2Task(ctx context.Context, phase1Output []byte, miner string, proverID types.ProverID, sectorID uint64) (string, error) {
	miner = strings.TrimSpace(miner)
	if _, err := types.ParseMiner(miner); err != nil {
		return "", err
	}
	if !json.Valid(phase1Output) {
		return "", fmt.Errorf("%w: phase1 output is not valid json", types.ErrInvalidParams)
	}

	data, err := json.Marshal(&types.C2Input{
		ProverID:     proverID,
		SectorID:     sectorID,
		Phase1Output: json.RawMessage(phase1Output),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", types.ErrInvalidParams, err)
	}

	resourceID, err := s.resource.StoreResourceInfo(ctx, data)
	if err != nil {
		log.WithError(err).Errorf("error storing c2 input for miner %s sector %d", miner, sectorID)
		return "", err
	}

	return s.pool.AddTask(ctx, miner, resourceID)
}

func (s *ProofService) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return s.pool.Fetch(ctx, id)
}

func (s *ProofService) FetchTodo(ctx context.Context, workerID string) (*types.Task, error) {
	return s.pool.FetchOneTodo(ctx, workerID)
}

func (s *ProofService) FetchUncomplete(ctx context.Context, workerID string) ([]*types.Task, error) {
	return s.pool.FetchUncomplete(ctx, workerID)
}

func (s *ProofService) GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error) {
	return s.resource.GetResourceInfo(ctx, resourceID)
}

func (s *ProofService) RecordProof(ctx context.Context, workerID, taskID, proof string) (bool, error) {
	return s.pool.RecordProof(ctx, workerID, taskID, proof)
}

func (s *ProofService) RecordError(ctx context.Context, workerID, taskID, errMsg string) (bool, error) {
	return s.pool.RecordError(ctx, workerID, taskID, errMsg)
}

func (s *ProofService) ListTask(ctx context.Context, workerID *string, states []types.TaskState) ([]*types.Task, error) {
	return s.pool.ListTask(ctx, workerID, states)
}
