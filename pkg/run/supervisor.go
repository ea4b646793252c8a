// Package run supervises orchestration subprocesses: one process per run job,
// line-streamed stdio with bounded buffers, SIGINT-then-SIGKILL interrupts,
// and sequence-numbered events forwarded to the outbox.
package run

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mu-ops/mu/pkg/models"
	"github.com/mu-ops/mu/pkg/telemetry"
)

const (
	defaultStoredLines = 1000
	minStoredLines     = 50
	defaultMaxHistory  = 200
	hardKillDelay      = 5 * time.Second
)

var (
	rootLineRe     = regexp.MustCompile(`(?i)\bRoot:\s*(mu-[a-z0-9-]+)\b`)
	progressLineRe = regexp.MustCompile(`^(Step|Done)\s+\d+/\d+\s+`)
	logsHintRe     = regexp.MustCompile(`(?i)\blogs:\s+(\S+)`)
)

// EventSink receives every supervisor event for outbox forwarding.
type EventSink func(event models.ControlPlaneRunEvent, snapshot models.RunSnapshot)

// Config tunes the supervisor.
type Config struct {
	Binary      string
	WorkDir     string
	StoredLines int
	MaxHistory  int
}

// StartInput describes a run_start launch.
type StartInput struct {
	Prompt    string
	MaxSteps  int
	CommandID string
	Source    models.RunSource
}

// ResumeInput describes a run_resume launch.
type ResumeInput struct {
	RootIssueID string
	MaxSteps    int
	CommandID   string
	Source      models.RunSource
}

// InterruptInput selects a job by id or by root issue.
type InterruptInput struct {
	JobID       string
	RootIssueID string
}

// InterruptResult reports whether a signal was sent.
type InterruptResult struct {
	OK     bool
	Reason string
}

type job struct {
	mu       sync.Mutex
	snapshot models.RunSnapshot
	stdout   *ringBuffer
	stderr   *ringBuffer
	logHints map[string]struct{}

	cmd                *exec.Cmd
	interruptRequested bool
	killTimer          *time.Timer
	seq                int
}

// Supervisor owns RunSnapshots and the subprocesses behind them.
type Supervisor struct {
	config   Config
	sink     EventSink
	counters *telemetry.Counters
	nowMs    func() int64
	logger   *slog.Logger

	// newCommand is swappable in tests.
	newCommand func(ctx context.Context, name string, args ...string) *exec.Cmd

	mu   sync.RWMutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

// NewSupervisor creates a run supervisor.
func NewSupervisor(cfg Config, sink EventSink, counters *telemetry.Counters, nowMs func() int64) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = "mu"
	}
	if cfg.StoredLines <= 0 {
		cfg.StoredLines = defaultStoredLines
	}
	if cfg.StoredLines < minStoredLines {
		cfg.StoredLines = minStoredLines
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = defaultMaxHistory
	}
	return &Supervisor{
		config:     cfg,
		sink:       sink,
		counters:   counters,
		nowMs:      nowMs,
		logger:     slog.Default().With("component", "run-supervisor"),
		newCommand: exec.CommandContext,
		jobs:       make(map[string]*job),
	}
}

// LaunchStart spawns a fresh orchestration run.
func (s *Supervisor) LaunchStart(ctx context.Context, in StartInput) (*models.RunSnapshot, error) {
	argv := []string{"_run-direct", in.Prompt, "--max-steps", strconv.Itoa(in.MaxSteps), "--raw-stream"}
	return s.launch(ctx, models.RunModeStart, argv, models.RunSnapshot{
		Mode:      models.RunModeStart,
		Prompt:    in.Prompt,
		MaxSteps:  in.MaxSteps,
		CommandID: in.CommandID,
		Source:    in.Source,
	})
}

// LaunchResume spawns a resume of an existing run root.
func (s *Supervisor) LaunchResume(ctx context.Context, in ResumeInput) (*models.RunSnapshot, error) {
	argv := []string{"resume", in.RootIssueID, "--max-steps", strconv.Itoa(in.MaxSteps), "--raw-stream"}
	return s.launch(ctx, models.RunModeResume, argv, models.RunSnapshot{
		Mode:        models.RunModeResume,
		RootIssueID: in.RootIssueID,
		MaxSteps:    in.MaxSteps,
		CommandID:   in.CommandID,
		Source:      in.Source,
	})
}

func (s *Supervisor) launch(ctx context.Context, mode models.RunMode, argv []string, snapshot models.RunSnapshot) (*models.RunSnapshot, error) {
	cmd := s.newCommand(ctx, s.config.Binary, argv...)
	cmd.Dir = s.config.WorkDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start run subprocess: %w", err)
	}

	now := s.nowMs()
	pid := cmd.Process.Pid
	snapshot.JobID = uuid.NewString()
	snapshot.Status = models.RunStatusRunning
	snapshot.StartedAtMs = now
	snapshot.UpdatedAtMs = now
	snapshot.PID = &pid
	if snapshot.Source == "" {
		snapshot.Source = models.RunSourceCommand
	}

	j := &job{
		snapshot: snapshot,
		stdout:   newRingBuffer(s.config.StoredLines),
		stderr:   newRingBuffer(s.config.StoredLines),
		logHints: make(map[string]struct{}),
		cmd:      cmd,
	}

	s.mu.Lock()
	s.jobs[snapshot.JobID] = j
	s.mu.Unlock()
	s.prune()

	s.counters.Inc(telemetry.CounterRunsLaunched)
	s.logger.Info("run launched", "job_id", snapshot.JobID, "mode", mode, "pid", pid, "argv", argv)

	s.wg.Add(3)
	go s.readLines(j, bufio.NewScanner(stdout), true)
	go s.readLines(j, bufio.NewScanner(stderr), false)
	go s.waitForExit(j)

	out := snapshot
	return &out, nil
}

func (s *Supervisor) readLines(j *job, scanner *bufio.Scanner, isStdout bool) {
	defer s.wg.Done()
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.observeLine(j, line, isStdout)
	}
}

func (s *Supervisor) observeLine(j *job, line string, isStdout bool) {
	j.mu.Lock()
	if isStdout {
		j.stdout.push(line)
	} else {
		j.stderr.push(line)
	}
	j.snapshot.UpdatedAtMs = s.nowMs()

	var event *models.ControlPlaneRunEvent
	if m := rootLineRe.FindStringSubmatch(line); m != nil && j.snapshot.RootIssueID == "" {
		j.snapshot.RootIssueID = m[1]
		event = s.nextEventLocked(j, models.RunEventRootDiscovered)
	} else if progressLineRe.MatchString(line) {
		j.snapshot.LastProgress = line
		event = s.nextEventLocked(j, models.RunEventProgress)
	}
	if m := logsHintRe.FindStringSubmatch(line); m != nil {
		j.logHints[m[1]] = struct{}{}
	}
	snapshot := j.snapshot
	j.mu.Unlock()

	if event != nil {
		s.emit(*event, snapshot)
	}
}

// nextEventLocked allocates the next sequence-numbered event. Caller holds j.mu.
func (s *Supervisor) nextEventLocked(j *job, eventType models.RunEventType) *models.ControlPlaneRunEvent {
	j.seq++
	event := &models.ControlPlaneRunEvent{
		JobID:       j.snapshot.JobID,
		Seq:         j.seq,
		Type:        eventType,
		RootIssueID: j.snapshot.RootIssueID,
		Progress:    j.snapshot.LastProgress,
		ExitCode:    j.snapshot.ExitCode,
		AtMs:        s.nowMs(),
	}
	return event
}

func (s *Supervisor) waitForExit(j *job) {
	defer s.wg.Done()
	err := j.cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	j.mu.Lock()
	if j.killTimer != nil {
		j.killTimer.Stop()
		j.killTimer = nil
	}
	now := s.nowMs()
	j.snapshot.ExitCode = &exitCode
	j.snapshot.FinishedAtMs = &now
	j.snapshot.UpdatedAtMs = now

	var eventType models.RunEventType
	switch {
	case j.interruptRequested:
		j.snapshot.Status = models.RunStatusCancelled
		eventType = models.RunEventCancelled
	case exitCode == 0:
		j.snapshot.Status = models.RunStatusCompleted
		eventType = models.RunEventCompleted
	default:
		j.snapshot.Status = models.RunStatusFailed
		eventType = models.RunEventFailed
	}
	event := s.nextEventLocked(j, eventType)
	snapshot := j.snapshot
	j.mu.Unlock()

	s.logger.Info("run finished",
		"job_id", snapshot.JobID, "status", snapshot.Status, "exit_code", exitCode)
	s.emit(*event, snapshot)
}

func (s *Supervisor) emit(event models.ControlPlaneRunEvent, snapshot models.RunSnapshot) {
	if s.sink != nil {
		s.sink(event, snapshot)
	}
}

// Interrupt sends SIGINT and arms the 5s hard-kill timer.
func (s *Supervisor) Interrupt(in InterruptInput) InterruptResult {
	j := s.find(in)
	if j == nil {
		return InterruptResult{Reason: "run job not found"}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.snapshot.Status != models.RunStatusRunning {
		return InterruptResult{Reason: fmt.Sprintf("run is %s", j.snapshot.Status)}
	}
	if j.cmd == nil || j.cmd.Process == nil {
		return InterruptResult{Reason: "run process unavailable"}
	}

	j.interruptRequested = true
	if err := j.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return InterruptResult{Reason: "signal failed: " + err.Error()}
	}

	proc := j.cmd.Process
	if j.killTimer == nil {
		j.killTimer = time.AfterFunc(hardKillDelay, func() {
			s.logger.Warn("run did not stop after SIGINT, killing", "job_id", j.snapshot.JobID)
			_ = proc.Kill()
		})
	}

	s.logger.Info("run interrupt requested", "job_id", j.snapshot.JobID)
	return InterruptResult{OK: true}
}

func (s *Supervisor) find(in InterruptInput) *job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if in.JobID != "" {
		return s.jobs[in.JobID]
	}
	if in.RootIssueID != "" {
		for _, j := range s.jobs {
			j.mu.Lock()
			match := j.snapshot.RootIssueID == in.RootIssueID
			j.mu.Unlock()
			if match {
				return j
			}
		}
	}
	return nil
}

// Snapshot returns the current view of one job.
func (s *Supervisor) Snapshot(jobID string) (*models.RunSnapshot, bool) {
	s.mu.RLock()
	j, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.snapshot
	return &out, true
}

// SnapshotByRoot returns the most recent job for a run root.
func (s *Supervisor) SnapshotByRoot(rootIssueID string) (*models.RunSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.RunSnapshot
	for _, j := range s.jobs {
		j.mu.Lock()
		if j.snapshot.RootIssueID == rootIssueID {
			if best == nil || j.snapshot.StartedAtMs > best.StartedAtMs {
				copied := j.snapshot
				best = &copied
			}
		}
		j.mu.Unlock()
	}
	return best, best != nil
}

// List returns all job snapshots, newest first.
func (s *Supervisor) List() []models.RunSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.RunSnapshot, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out = append(out, j.snapshot)
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAtMs > out[k].StartedAtMs })
	return out
}

// Output returns the buffered stdout/stderr tails and log hints for a job.
func (s *Supervisor) Output(jobID string) (stdout, stderr, logHints []string, ok bool) {
	s.mu.RLock()
	j, found := s.jobs[jobID]
	s.mu.RUnlock()
	if !found {
		return nil, nil, nil, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	hints := make([]string, 0, len(j.logHints))
	for h := range j.logHints {
		hints = append(hints, h)
	}
	sort.Strings(hints)
	return j.stdout.snapshot(), j.stderr.snapshot(), hints, true
}

// prune drops the oldest terminal jobs past the history cap. Running jobs are
// always preserved.
func (s *Supervisor) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.jobs) <= s.config.MaxHistory {
		return
	}

	type aged struct {
		id      string
		started int64
	}
	var terminal []aged
	for id, j := range s.jobs {
		j.mu.Lock()
		if j.snapshot.Status.IsTerminal() {
			terminal = append(terminal, aged{id: id, started: j.snapshot.StartedAtMs})
		}
		j.mu.Unlock()
	}
	sort.Slice(terminal, func(i, k int) bool { return terminal[i].started < terminal[k].started })

	excess := len(s.jobs) - s.config.MaxHistory
	for i := 0; i < excess && i < len(terminal); i++ {
		delete(s.jobs, terminal[i].id)
	}
}

// Shutdown interrupts running jobs and waits for reader goroutines.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.RLock()
	var running []string
	for id, j := range s.jobs {
		j.mu.Lock()
		if j.snapshot.Status == models.RunStatusRunning {
			running = append(running, id)
		}
		j.mu.Unlock()
	}
	s.mu.RUnlock()

	for _, id := range running {
		s.Interrupt(InterruptInput{JobID: id})
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("run supervisor shutdown timed out")
	}
}
