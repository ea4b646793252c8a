// Package clirunner executes allowlisted mu CLI invocations on behalf of
// chat-originated commands. Only argv vectors whose command kind appears in
// the allowlist ever reach exec.
package clirunner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/mu-ops/mu/pkg/models"
)

// InvocationPlan describes one requested CLI invocation. InvocationID may be
// pre-assigned by the caller so the launch can be journaled before exec; left
// empty, the runner mints one.
type InvocationPlan struct {
	InvocationID string
	Argv         []string
	CommandKind  string
}

// Invocation is the result of one subprocess run.
type Invocation struct {
	InvocationID string
	Kind         string
	Stdout       string
	Stderr       string
	ExitCode     int
	RunRootID    string
	ErrorCode    string
}

// Runner validates and executes invocation plans.
type Runner interface {
	Run(ctx context.Context, plan InvocationPlan) (*Invocation, error)
}

var rootIssueRe = regexp.MustCompile(`(?i)\bRoot:\s*(mu-[a-z0-9-]+)\b`)

// CLIRunner shells out to the mu binary with a per-invocation timeout.
type CLIRunner struct {
	binary    string
	workDir   string
	timeout   time.Duration
	allowlist map[string]bool
	logger    *slog.Logger
}

// Config tunes the runner.
type Config struct {
	Binary    string
	WorkDir   string
	Timeout   time.Duration
	Allowlist []string
}

// New creates a CLIRunner.
func New(cfg Config) *CLIRunner {
	if cfg.Binary == "" {
		cfg.Binary = "mu"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	allow := make(map[string]bool, len(cfg.Allowlist))
	for _, kind := range cfg.Allowlist {
		allow[kind] = true
	}
	return &CLIRunner{
		binary:    cfg.Binary,
		workDir:   cfg.WorkDir,
		timeout:   cfg.Timeout,
		allowlist: allow,
		logger:    slog.Default().With("component", "cli-runner"),
	}
}

// Run validates the plan against the allowlist and executes it.
func (r *CLIRunner) Run(ctx context.Context, plan InvocationPlan) (*Invocation, error) {
	invocationID := plan.InvocationID
	if invocationID == "" {
		invocationID = uuid.NewString()
	}
	inv := &Invocation{
		InvocationID: invocationID,
		Kind:         plan.CommandKind,
	}

	if len(plan.Argv) == 0 || plan.CommandKind == "" || !r.allowlist[plan.CommandKind] {
		inv.ErrorCode = models.ReasonCLIValidationFailed
		inv.ExitCode = -1
		return inv, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.binary, plan.Argv...)
	cmd.Dir = r.workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("cli invocation starting",
		"invocation_id", inv.InvocationID, "kind", plan.CommandKind, "argv", plan.Argv)

	err := cmd.Run()
	inv.Stdout = stdout.String()
	inv.Stderr = stderr.String()
	if m := rootIssueRe.FindStringSubmatch(inv.Stdout); m != nil {
		inv.RunRootID = m[1]
	}

	switch {
	case err == nil:
		inv.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		inv.ExitCode = -1
		inv.ErrorCode = models.ReasonCLITimeout
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			inv.ExitCode = exitErr.ExitCode()
		} else {
			inv.ExitCode = -1
		}
		inv.ErrorCode = models.ReasonCLINonzero
	}

	r.logger.Info("cli invocation finished",
		"invocation_id", inv.InvocationID,
		"kind", plan.CommandKind,
		"exit_code", inv.ExitCode,
		"error_code", inv.ErrorCode)
	return inv, nil
}
