package tasksource

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CommandRunner abstracts command execution for testability.
// Production implementation uses os/exec; tests provide a mock.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// CLISource implements Source by shelling out to a tracker CLI.
// The tracker binary name is configurable (default "tk").
type CLISource struct {
	bin    string
	runner CommandRunner
}

// NewCLISource creates a CLISource backed by the given CommandRunner.
// An empty bin defaults to "tk".
func NewCLISource(bin string, runner CommandRunner) *CLISource {
	if bin == "" {
		bin = "tk"
	}
	return &CLISource{bin: bin, runner: runner}
}

// Ready runs `tk ready --json` and parses the output into a slice of Task.
func (s *CLISource) Ready(ctx context.Context) ([]Task, error) {
	out, err := s.runner.Run(ctx, s.bin, "ready", "--json")
	if err != nil {
		return nil, fmt.Errorf("%s ready: %w", s.bin, err)
	}

	var tasks []Task
	if err := json.Unmarshal(out, &tasks); err != nil {
		return nil, fmt.Errorf("parse %s ready output: %w", s.bin, err)
	}
	return tasks, nil
}

// Claim runs `tk claim <id> --owner=<owner>`. The tracker enforces
// atomicity; a lost race surfaces as *AlreadyClaimedError.
func (s *CLISource) Claim(ctx context.Context, taskID, owner string) error {
	_, err := s.runner.Run(ctx, s.bin, "claim", taskID, "--owner="+owner)
	if err != nil {
		if strings.Contains(err.Error(), "already claimed") {
			return &AlreadyClaimedError{TaskID: taskID}
		}
		if strings.Contains(err.Error(), "not found") {
			return &NotFoundError{TaskID: taskID}
		}
		return fmt.Errorf("%s claim %s: %w", s.bin, taskID, err)
	}
	return nil
}

// Release runs `tk release <id>`.
func (s *CLISource) Release(ctx context.Context, taskID string) error {
	_, err := s.runner.Run(ctx, s.bin, "release", taskID)
	if err != nil {
		return fmt.Errorf("%s release %s: %w", s.bin, taskID, err)
	}
	return nil
}

// Close runs `tk close <id> --reason="<reason>"`.
func (s *CLISource) Close(ctx context.Context, taskID, reason string) error {
	_, err := s.runner.Run(ctx, s.bin, "close", taskID, "--reason="+reason)
	if err != nil {
		return fmt.Errorf("%s close %s: %w", s.bin, taskID, err)
	}
	return nil
}

// Block runs `tk block <id> --reason="<reason>"`.
func (s *CLISource) Block(ctx context.Context, taskID, reason string) error {
	_, err := s.runner.Run(ctx, s.bin, "block", taskID, "--reason="+reason)
	if err != nil {
		return fmt.Errorf("%s block %s: %w", s.bin, taskID, err)
	}
	return nil
}
