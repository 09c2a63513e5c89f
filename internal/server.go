package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"github.com/unrolled/logger"

	"github.com/gpuproxy/gpuproxy/types"
)

const maxRequestSize = 1 << 30

type rpcMethod func(ctx context.Context, params []json.RawMessage) (interface{}, error)

// Server serves the Proof.* JSON-RPC methods and the operational endpoints.
type Server struct {
	bind    string
	service types.ProofAPI
	metrics *Metrics
	router  *httprouter.Router
	server  *http.Server
	methods map[string]rpcMethod
}

// NewServer ...
func NewServer(bind string, service types.ProofAPI, metrics *Metrics) *Server {
	if metrics == nil {
		metrics = NewMetrics("gpuproxy")
	}

	s := &Server{
		bind:    bind,
		service: service,
		metrics: metrics,
		router:  httprouter.New(),
	}

	s.initMethods()
	s.initRoutes()

	accessLog := logger.New(logger.Options{
		Prefix:               "gpuproxy",
		RemoteAddressHeaders: []string{"X-Forwarded-For"},
		Out:                  log.StandardLogger().Writer(),
	})

	s.server = &http.Server{
		Addr:    bind,
		Handler: accessLog.Handler(gziphandler.GzipHandler(s.router)),
	}

	return s
}

func (s *Server) initRoutes() {
	s.router.POST(types.RPCPath, s.RPCHandler())
	s.router.GET("/healthz", s.HealthHandler())
	s.router.Handler(http.MethodGet, "/debug/metrics", s.metrics.Handler())
}

func (s *Server) initMethods() {
	s.methods = map[string]rpcMethod{
		"Proof.SubmitC2Task": func(ctx context.Context, params []json.RawMessage) (interface{}, error) {
			var (
				phase1Output []byte
				miner        string
				proverID     types.ProverID
				sectorID     uint64
			)
			if err := decodeParams(params, &phase1Output, &miner, &proverID, &sectorID); err != nil {
				return nil, err
			}
			return s.service.SubmitC2Task(ctx, phase1Output, miner, proverID, sectorID)
		},
		"Proof.GetTask": func(ctx context.Context, params []json.RawMessage) (interface{}, error) {
			var id string
			if err := decodeParams(params, &id); err != nil {
				return nil, err
			}
			return s.service.GetTask(ctx, id)
		},
		"Proof.FetchTodo": func(ctx context.Context, params []json.RawMessage) (interface{}, error) {
			var workerID string
			if err := decodeParams(params, &workerID); err != nil {
				return nil, err
			}
			return s.service.FetchTodo(ctx, workerID)
		},
		"Proof.FetchUncomplete": func(ctx context.Context, params []json.RawMessage) (interface{}, error) {
			var workerID string
			if err := decodeParams(params, &workerID); err != nil {
				return nil, err
			}
			return s.service.FetchUncomplete(ctx, workerID)
		},
		"Proof.GetResourceInfo": func(ctx context.Context, params []json.RawMessage) (interface{}, error) {
			var resourceID string
			if err := decodeParams(params, &resourceID); err != nil {
				return nil, err
			}
			return s.service.GetResourceInfo(ctx, resourceID)
		},
		"Proof.RecordProof": func(ctx context.Context, params []json.RawMessage) (interface{}, error) {
			var workerID, taskID, proof string
			if err := decodeParams(params, &workerID, &taskID, &proof); err != nil {
				return nil, err
			}
			return s.service.RecordProof(ctx, workerID, taskID, proof)
		},
		"Proof.RecordError": func(ctx context.Context, params []json.RawMessage) (interface{}, error) {
			var workerID, taskID, errMsg string
			if err := decodeParams(params, &workerID, &taskID, &errMsg); err != nil {
				return nil, err
			}
			return s.service.RecordError(ctx, workerID, taskID, errMsg)
		},
		"Proof.ListTask": func(ctx context.Context, params []json.RawMessage) (interface{}, error) {
			var (
				workerID *string
				states   []types.TaskState
			)
			if err := decodeParams(params, &workerID, &states); err != nil {
				return nil, err
			}
			return s.service.ListTask(ctx, workerID, states)
		},
	}
}

// decodeParams decodes positional params into dst. Missing trailing params
// keep their zero value.
func decodeParams(params []json.RawMessage, dst ...interface{}) error {
	if len(params) > len(dst) {
		return fmt.Errorf("%w: expected at most %d params, got %d", types.ErrInvalidParams, len(dst), len(params))
	}
	for i, raw := range params {
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return fmt.Errorf("%w: param %d: %s", types.ErrInvalidParams, i, err)
		}
	}
	return nil
}

// RPCHandler dispatches a single JSON-RPC request. Failures always come back
// as a JSON-RPC error object with HTTP 200, as the protocol expects.
func (s *Server) RPCHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		var req types.Request

		if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize)).Decode(&req); err != nil {
			log.WithError(err).Warn("error decoding rpc request")
			s.writeResponse(w, &types.Response{
				JSONRPC: types.RPCVersion,
				Error:   &types.Error{Code: types.CodeParseError, Message: err.Error()},
			})
			return
		}

		resp := s.call(r.Context(), &req)
		s.writeResponse(w, resp)
	}
}

func (s *Server) call(ctx context.Context, req *types.Request) *types.Response {
	resp := &types.Response{JSONRPC: types.RPCVersion, ID: req.ID}

	if req.JSONRPC != types.RPCVersion {
		resp.Error = &types.Error{Code: types.CodeInvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC)}
		return resp
	}

	method, ok := s.methods[req.Method]
	if !ok {
		resp.Error = &types.Error{Code: types.CodeMethodNotFound, Message: fmt.Sprintf("method %q not found", req.Method)}
		return resp
	}

	stime := time.Now()
	defer s.metrics.Timer("rpc", req.Method).UpdateSince(stime)

	result, err := method(ctx, req.Params)
	if err != nil {
		if errors.Is(err, types.ErrStorage) {
			log.WithError(err).Errorf("%s failed", req.Method)
		} else {
			log.WithError(err).Debugf("%s rejected", req.Method)
		}
		s.metrics.Counter("rpc", "errors").Inc(1)
		resp.Error = types.NewError(err)
		return resp
	}

	data, err := json.Marshal(result)
	if err != nil {
		log.WithError(err).Errorf("error encoding %s result", req.Method)
		resp.Error = &types.Error{Code: types.CodeInternal, Message: err.Error()}
		return resp
	}
	resp.Result = data

	return resp
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *types.Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Error("error writing rpc response")
	}
}

// HealthHandler ...
func (s *Server) HealthHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	}
}

// Handler returns the root handler, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	log.Infof("gpuproxy listening on http://%s", ln.Addr())

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ...
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
