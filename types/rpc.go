package types

import "encoding/json"

const (
	// RPCPath is where the Proof.* methods are served.
	RPCPath = "/rpc/v0"

	// RPCVersion is the JSON-RPC protocol version spoken on RPCPath.
	RPCVersion = "2.0"
)

// Request is a JSON-RPC 2.0 request with positional params.
type Request struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is
// set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}
