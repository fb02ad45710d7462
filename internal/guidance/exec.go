package guidance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execOracle struct {
	cmd []string
	mu  sync.Mutex
}

// NewExecOracle runs a local command that reads a Request as JSON on stdin
// and prints a guidance record on stdout.
func NewExecOracle(command string) (Oracle, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse guidance command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("guidance command empty")
	}
	return &execOracle{cmd: args}, nil
}

func (o *execOracle) Analyze(ctx context.Context, req Request) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, o.cmd[0], o.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("guidance exec command failed: %w: %s", err, stderr.String())
	}
	return output, nil
}
