package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/molforge/molforge/pkg/types"
)

// CommandExecutor runs each task through an external program. The task
// is written to stdin as JSON and the program prints a TaskResult as
// JSON on stdout. Compute engines are wrapped this way so the worker
// binary stays free of chemistry dependencies.
type CommandExecutor struct {
	Command []string
}

// Execute runs the wrapped program for one task
func (e *CommandExecutor) Execute(ctx context.Context, task *types.Task) (*types.TaskResult, error) {
	if len(e.Command) == 0 {
		return nil, fmt.Errorf("executor command must not be empty")
	}

	input, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &types.TaskResult{
			Success:      false,
			Stdout:       stdout.String(),
			Stderr:       stderr.String(),
			ErrorType:    "execution_error",
			ErrorMessage: fmt.Sprintf("program exited with error: %v", err),
		}, nil
	}

	var result types.TaskResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return &types.TaskResult{
			Success:      false,
			Stdout:       stdout.String(),
			Stderr:       stderr.String(),
			ErrorType:    "output_error",
			ErrorMessage: fmt.Sprintf("program output is not a valid result: %v", err),
		}, nil
	}
	return &result, nil
}
