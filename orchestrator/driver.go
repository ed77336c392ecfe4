package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/izavyalov-dev/signup-broker/protocol"
)

// ProcessDriver runs each attempt as a separate runner process. The runner
// reports its outcome over HTTP; the exit status is the fallback when it
// could not.
type ProcessDriver struct {
	// Command launches the runner, e.g. "signup-runner" or "go run ./runner".
	Command        string
	CoordinatorURL string
	LogDir         string
	WorkerCommand  string
	S3Bucket       string
	S3Prefix       string
	S3Region       string
}

func (d ProcessDriver) Run(ctx context.Context, assignment protocol.Assignment) (protocol.Outcome, error) {
	parts := strings.Fields(d.Command)
	if len(parts) == 0 {
		return "", errors.New("runner command is empty")
	}

	dir, err := os.MkdirTemp("", "signup-assignment")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(dir)

	assignmentPath := filepath.Join(dir, "assignment.json")
	if err := writeAssignmentFile(assignmentPath, assignment); err != nil {
		return "", err
	}

	logDir := d.LogDir
	if logDir == "" {
		logDir = dir
	}
	logDir = filepath.Join(logDir, assignment.BatchID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", err
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("attempt-%03d.log", assignment.Attempt))

	args := append(parts[1:], "-coordinator", d.CoordinatorURL, "-assignment", assignmentPath, "-log", logPath)
	if d.WorkerCommand != "" {
		args = append(args, "-worker", d.WorkerCommand)
	}
	if d.S3Bucket != "" {
		args = append(args, "-s3-bucket", d.S3Bucket)
	}
	if d.S3Prefix != "" {
		args = append(args, "-s3-prefix", d.S3Prefix)
	}
	if d.S3Region != "" {
		args = append(args, "-s3-region", d.S3Region)
	}

	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	err = cmd.Run()
	if err == nil {
		return protocol.OutcomeSuccess, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return protocol.OutcomeFailure, nil
	}
	return "", err
}

func writeAssignmentFile(path string, assignment protocol.Assignment) error {
	data, err := json.MarshalIndent(assignment, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
