package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/filecoin-project/go-address"
)

// ProverID identifies the miner a seal proof is generated for. It is sent as
// a JSON array of 32 numbers.
type ProverID [32]byte

// ParseProverID parses a hex encoded (optionally 0x prefixed) prover id.
func ParseProverID(s string) (ProverID, error) {
	var id ProverID

	data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("%w: prover id: %s", ErrInvalidParams, err)
	}
	if len(data) > len(id) {
		return id, fmt.Errorf("%w: prover id longer than %d bytes", ErrInvalidParams, len(id))
	}
	copy(id[:], data)
	return id, nil
}

// ProverIDFromMiner derives the prover id of an ID miner address (f0...),
// which is the address payload zero padded to 32 bytes.
func ProverIDFromMiner(miner string) (ProverID, error) {
	var id ProverID

	addr, err := ParseMiner(miner)
	if err != nil {
		return id, err
	}
	if addr.Protocol() != address.ID {
		return id, fmt.Errorf("%w: miner %s is not an id address", ErrInvalidParams, miner)
	}
	copy(id[:], addr.Payload())
	return id, nil
}

// ParseMiner validates a miner address.
func ParseMiner(miner string) (address.Address, error) {
	addr, err := address.NewFromString(strings.TrimSpace(miner))
	if err != nil {
		return address.Undef, fmt.Errorf("%w: miner address %q: %s", ErrInvalidParams, miner, err)
	}
	if addr == address.Undef {
		return address.Undef, fmt.Errorf("%w: empty miner address", ErrInvalidParams)
	}
	return addr, nil
}

// C2Input is the resource payload of a C2 task: everything the prover needs
// to run seal commit phase 2.
type C2Input struct {
	ProverID     ProverID        `json:"prover_id"`
	SectorID     uint64          `json:"sector_id"`
	Phase1Output json.RawMessage `json:"phase1_output"`
}

// ResourceInfo ...
type ResourceInfo struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

// WorkerInfo is the persisted identity of a worker.
type WorkerInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}
