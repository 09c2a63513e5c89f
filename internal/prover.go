package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

const maxStderrBytes = 4096

var (
	ErrNoProver   = errors.New("error: no prover configured")
	ErrEmptyProof = errors.New("error: prover returned an empty proof")
)

// Prover computes a C2 proof. Calls may take a long time and are not
// expected to be interruptible.
type Prover interface {
	SealCommitPhase2(ctx context.Context, input *types.C2Input) ([]byte, error)
}

// ProverFunc adapts a function to the Prover interface.
type ProverFunc func(ctx context.Context, input *types.C2Input) ([]byte, error)

func (f ProverFunc) SealCommitPhase2(ctx context.Context, input *types.C2Input) ([]byte, error) {
	return f(ctx, input)
}

// ExecProver runs an external proving program once per task. The C2 input
// is written to its stdin as JSON and the raw proof is read from stdout.
type ExecProver struct {
	name string
	args []string
}

// NewExecProver ...
func NewExecProver(command string) (*ExecProver, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, ErrNoProver
	}
	return &ExecProver{name: fields[0], args: fields[1:]}, nil
}

// SealCommitPhase2 deliberately ignores ctx: a proof in flight is allowed to
// finish when the worker is stopped.
func (p *ExecProver) SealCommitPhase2(ctx context.Context, input *types.C2Input) ([]byte, error) {
	stdin, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("error encoding c2 input: %w", err)
	}

	var stdout, stderr bytes.Buffer

	cmd := exec.Command(p.name, p.args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("running prover %s for sector %d", p.name, input.SectorID)
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderrBytes {
			msg = msg[len(msg)-maxStderrBytes:]
		}
		if msg != "" {
			return nil, fmt.Errorf("prover %s failed: %w: %s", p.name, err, msg)
		}
		return nil, fmt.Errorf("prover %s failed: %w", p.name, err)
	}

	if stdout.Len() == 0 {
		return nil, ErrEmptyProof
	}
	return stdout.Bytes(), nil
}
