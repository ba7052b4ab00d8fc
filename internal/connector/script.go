package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Script runs an external command, passing the action and approved
// parameters as JSON on stdin. Exit code 0 is success; a conventional exit
// code 75 (EX_TEMPFAIL) is transient, anything else is fatal.
type Script struct {
	command []string
	timeout time.Duration
}

const exitTempFail = 75

// NewScript creates a script connector. command is the argv to run; timeout
// bounds each invocation.
func NewScript(command []string, timeout time.Duration) (*Script, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("script connector requires a command")
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Script{command: command, timeout: timeout}, nil
}

func (s *Script) Execute(ctx context.Context, action string, params map[string]string) (Result, error) {
	input, err := json.Marshal(map[string]any{"action": action, "params": params})
	if err != nil {
		return Result{}, Fatal(fmt.Errorf("encoding script input: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.command[0], s.command[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return Result{}, Transient(fmt.Errorf("script timed out after %s", s.timeout))
	}
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail {
			return Result{}, Transient(fmt.Errorf("script temporary failure: %s", detail))
		}
		return Result{}, Fatal(fmt.Errorf("script failed: %w: %s", err, detail))
	}
	return Result{Detail: strings.TrimSpace(stdout.String())}, nil
}
