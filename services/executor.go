package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"

	"netmigrate/logging"
	"netmigrate/models"
)

const (
	migrationMount = "/migration-tmpdir"
	sysconfigMount = "/etc/sysconfig/network"
)

// ProcessOutput is what a finished process left behind.
type ProcessOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner starts an external process and waits for it. A non-nil error means
// the process could not be run to completion; a non-zero exit is reported
// through ExitCode.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (ProcessOutput, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args []string) (ProcessOutput, error)

func (f RunnerFunc) Run(ctx context.Context, name string, args []string) (ProcessOutput, error) {
	return f(ctx, name, args)
}

// DefaultWaitDelay bounds how long Run waits for output pipes after the
// process was killed. Children such as conmon may keep them open.
const DefaultWaitDelay = 5 * time.Second

// ExecRunner runs processes with os/exec.
type ExecRunner struct {
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string) (ProcessOutput, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := ProcessOutput{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("process %s interrupted: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		return out, nil
	}
	return out, err
}

type ExecutorConfig struct {
	Runtime string
	Image   string
	Timeout time.Duration
}

// Executor runs the containerised converter against a workspace.
type Executor struct {
	cfg        ExecutorConfig
	runner     Runner
	workspaces *Workspaces
	logger     zerolog.Logger
}

func NewExecutor(cfg ExecutorConfig, runner Runner, workspaces *Workspaces, logger zerolog.Logger) *Executor {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Executor{
		cfg:        cfg,
		runner:     runner,
		workspaces: workspaces,
		logger:     logging.Component(logger, "executor"),
	}
}

// Execute writes files into ws and runs the converter over it. A converter
// that exits non-zero yields Succeeded=false with its stderr as Log; only
// failures to run it at all are returned as errors.
func (e *Executor) Execute(ctx context.Context, kind models.FileKind, files []models.InputFile, ws Workspace) (models.ExecutionResult, error) {
	// Stage inputs
	if err := e.workspaces.Write(ws, files); err != nil {
		return models.ExecutionResult{}, err
	}

	args, err := e.Args(kind, ws)
	if err != nil {
		return models.ExecutionResult{}, err
	}

	// Create timeout context
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	e.logger.Debug().
		Str("workspace", ws.Path).
		Str("kind", kind.String()).
		Str("command", shellquote.Join(append([]string{e.cfg.Runtime}, args...)...)).
		Msg("Starting converter")

	// Run converter
	start := time.Now()
	out, err := e.runner.Run(ctx, e.cfg.Runtime, args)
	if err != nil {
		return models.ExecutionResult{}, fmt.Errorf("%w: %s: %v", models.ErrExecutor, e.cfg.Runtime, err)
	}

	result := models.ExecutionResult{
		Log:       string(out.Stderr),
		Succeeded: out.ExitCode == 0,
	}
	e.logger.Debug().
		Str("workspace", ws.Path).
		Int("exit_code", out.ExitCode).
		Dur("duration", time.Since(start)).
		Msg("Converter finished")
	return result, nil
}

// Args builds the container runtime argument list for kind.
func (e *Executor) Args(kind models.FileKind, ws Workspace) ([]string, error) {
	switch kind {
	case models.KindDistroConfig:
		return []string{
			"run", "--rm",
			"-e", "W2NM_CONTINUE_MIGRATION=true",
			"-e", "W2NM_WITHOUT_NETCONFIG=true",
			"-v", ws.Path + ":" + sysconfigMount + ":z",
			e.cfg.Image,
		}, nil
	case models.KindStructuredConfig, models.KindNativeConnection:
		script := fmt.Sprintf(
			"wicked2nm migrate -c --without-netconfig %[1]s/ && mkdir %[1]s/%[2]s && cp -r /etc/NetworkManager/%[3]s %[1]s/%[2]s",
			migrationMount, OutputDirName, ConnectionsDirName,
		)
		return []string{
			"run", "--rm",
			"-v", ws.Path + ":" + migrationMount + ":z",
			e.cfg.Image,
			"bash", "-c", script,
		}, nil
	default:
		return nil, fmt.Errorf("%w: no converter invocation for kind %s", models.ErrUnrecognizedType, kind)
	}
}

// PullImage fetches the converter image ahead of the first submission.
func (e *Executor) PullImage(ctx context.Context) error {
	out, err := e.runner.Run(ctx, e.cfg.Runtime, []string{"pull", e.cfg.Image})
	if err != nil {
		return fmt.Errorf("%w: pull %s: %v", models.ErrExecutor, e.cfg.Image, err)
	}
	if out.ExitCode != 0 {
		return fmt.Errorf("%w: pull %s exited %d: %s", models.ErrExecutor, e.cfg.Image, out.ExitCode, bytes.TrimSpace(out.Stderr))
	}
	return nil
}
