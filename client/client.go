// Package client is the remote side of the Proof.* JSON-RPC API. A remote
// worker uses it as both its task source and its resource store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v3"
	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

const (
	// DefaultTimeout bounds a single call. Resources can be large, so it is
	// generous.
	DefaultTimeout = 5 * time.Minute
)

// Options ...
type Options struct {
	Timeout time.Duration
}

// Client ...
type Client struct {
	url    string
	client *http.Client
}

// NewClient returns a client for the proxy at url, either a bare host:port
// or a full http(s) url.
func NewClient(url string, options *Options) *Client {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + types.RPCPath

	timeout := DefaultTimeout
	if options != nil && options.Timeout > 0 {
		timeout = options.Timeout
	}

	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

var (
	_ types.ProofAPI    = (*Client)(nil)
	_ types.WorkerFetch = (*Client)(nil)
	_ types.Resource    = (*Client)(nil)
)

// call performs one JSON-RPC call and decodes the result into result.
// Transport failures match types.ErrStorage so callers retry them; errors
// returned by the server match the sentinel of their code.
func (c *Client) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	raw := make([]json.RawMessage, len(params))
	for i, param := range params {
		data, err := json.Marshal(param)
		if err != nil {
			return fmt.Errorf("%w: param %d: %s", types.ErrInvalidParams, i, err)
		}
		raw[i] = data
	}

	id := shortuuid.New()
	body, err := json.Marshal(&types.Request{
		JSONRPC: types.RPCVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).Debugf("error calling %s", method)
		return types.StorageError(err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return types.StorageError(fmt.Errorf("%s: unexpected status %s", method, res.Status))
	}

	var resp types.Response
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return types.StorageError(fmt.Errorf("%s: decoding response: %w", method, err))
	}
	if resp.ID != id {
		return types.StorageError(fmt.Errorf("%s: response id %v does not match request id %s", method, resp.ID, id))
	}
	if resp.Error != nil {
		return resp.Error
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return types.StorageError(fmt.Errorf("%s: decoding result: %w", method, err))
	}
	return nil
}

func (c *Client) SubmitC2Task(ctx context.Context, phase1Output []byte, miner string, proverID types.ProverID, sectorID uint64) (string, error) {
	var id string
	if err := c.call(ctx, "Proof.SubmitC2Task", &id, phase1Output, miner, proverID, sectorID); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var task types.Task
	if err := c.call(ctx, "Proof.GetTask", &task, id); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) FetchTodo(ctx context.Context, workerID string) (*types.Task, error) {
	var task types.Task
	if err := c.call(ctx, "Proof.FetchTodo", &task, workerID); err != nil {
		return nil, err
	}
	return &task, nil
}

// FetchOneTodo implements types.WorkerFetch.
func (c *Client) FetchOneTodo(ctx context.Context, workerID string) (*types.Task, error) {
	return c.FetchTodo(ctx, workerID)
}

func (c *Client) FetchUncomplete(ctx context.Context, workerID string) ([]*types.Task, error) {
	var tasks []*types.Task
	if err := c.call(ctx, "Proof.FetchUncomplete", &tasks, workerID); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) GetResourceInfo(ctx context.Context, resourceID string) ([]byte, error) {
	var data []byte
	if err := c.call(ctx, "Proof.GetResourceInfo", &data, resourceID); err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// StoreResourceInfo always fails: workers only read resources.
func (c *Client) StoreResourceInfo(ctx context.Context, data []byte) (string, error) {
	return "", types.ErrNotPermitted
}

func (c *Client) RecordProof(ctx context.Context, workerID, taskID, proof string) (bool, error) {
	var ok bool
	if err := c.call(ctx, "Proof.RecordProof", &ok, workerID, taskID, proof); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Client) RecordError(ctx context.Context, workerID, taskID, errMsg string) (bool, error) {
	var ok bool
	if err := c.call(ctx, "Proof.RecordError", &ok, workerID, taskID, errMsg); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *Client) ListTask(ctx context.Context, workerID *string, states []types.TaskState) ([]*types.Task, error) {
	var tasks []*types.Task
	if err := c.call(ctx, "Proof.ListTask", &tasks, workerID, states); err != nil {
		return nil, err
	}
	return tasks, nil
}
