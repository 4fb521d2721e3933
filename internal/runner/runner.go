// Package runner orchestrates procedure runs: connect, startup commands, the
// main command and shutdown commands, with at most one active run per target.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/local"
	"github.com/andrej220/hexactl/internal/remote"
	"github.com/andrej220/hexactl/pkg/registry"
	"github.com/andrej220/hexactl/pkg/workerpool"
)

const (
	DefaultPollInterval    = time.Second
	DefaultShutdownTimeout = 5 * time.Minute
	DefaultMaxRuns         = workerpool.TotalMaxWorkers
)

type Config struct {
	// PollInterval bounds how long output and exit status go unobserved.
	PollInterval time.Duration
	// ShutdownTimeout limits each shutdown command.
	ShutdownTimeout time.Duration
	// MaxRuns caps runs executing at once; further runs wait Idle.
	MaxRuns    int
	NewSession SessionFactory
	Spawn      SpawnFunc
	Logger     lg.Logger
	// OnFinish is called once per run after it reaches a terminal phase.
	OnFinish func(*Run)
}

type Runner struct {
	cfg    Config
	logger lg.Logger
	pool   *workerpool.Pool[*Run]

	mu     sync.Mutex
	busy   map[string]*Run
	runs   map[uuid.UUID]*Run
	closed bool
}

func New(cfg Config) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = DefaultMaxRuns
	}
	cfg.Logger = lg.OrDiscard(cfg.Logger)
	if cfg.NewSession == nil {
		cfg.NewSession = SSHSessions(remote.Options{Logger: cfg.Logger})
	}
	if cfg.Spawn == nil {
		cfg.Spawn = LocalSpawner(local.Resolver{}, cfg.Logger)
	}
	return &Runner{
		cfg:    cfg,
		logger: cfg.Logger,
		pool:   workerpool.NewPool[*Run](cfg.MaxRuns, cfg.Logger),
		busy:   make(map[string]*Run),
		runs:   make(map[uuid.UUID]*Run),
	}
}

// Start snapshots proc and target and begins a run in the background. It
// fails with ErrTargetBusy if the target already has an active run.
func (r *Runner) Start(proc registry.Procedure, target registry.Target) (*Run, error) {
	if target == nil {
		return nil, errors.New("runner: nil target")
	}
	key := target.Key()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRunnerClosed
	}
	if _, ok := r.busy[key]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTargetBusy, key)
	}
	run := newRun(proc, target)
	r.busy[key] = run
	r.runs[run.ID] = run
	r.mu.Unlock()

	logger := r.logger.With(lg.String("run", run.ID.String()), lg.String("procedure", proc.Name), lg.String("target", key))
	err := r.pool.Submit(workerpool.Job[*Run]{
		Payload: run,
		Ctx:     run.ctx,
		Fn: func(ctx context.Context, run *Run) error {
			return r.execute(lg.Attach(ctx, logger), run)
		},
	})
	if err != nil {
		r.mu.Lock()
		delete(r.busy, key)
		delete(r.runs, run.ID)
		r.mu.Unlock()
		run.cancel()
		if errors.Is(err, workerpool.ErrPoolStopped) {
			return nil, ErrRunnerClosed
		}
		return nil, err
	}
	logger.Info("run started")
	return run, nil
}

// Get returns a run started by this runner.
func (r *Runner) Get(id uuid.UUID) (*Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return run, nil
}

// Cancel cancels the run with the given id.
func (r *Runner) Cancel(id uuid.UUID) error {
	run, err := r.Get(id)
	if err != nil {
		return err
	}
	run.Cancel()
	return nil
}

// Active returns the run currently holding the target, if any.
func (r *Runner) Active(targetKey string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.busy[targetKey]
	return run, ok
}

// Runs lists every run started by this runner, oldest first.
func (r *Runner) Runs() []*Run {
	r.mu.Lock()
	runs := make([]*Run, 0, len(r.runs))
	for _, run := range r.runs {
		runs = append(runs, run)
	}
	r.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool { return runs[i].created.Before(runs[j].created) })
	return runs
}

// Close rejects new runs, cancels active ones and waits for them to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	active := make([]*Run, 0, len(r.busy))
	for _, run := range r.busy {
		active = append(active, run)
	}
	r.mu.Unlock()

	for _, run := range active {
		run.Cancel()
	}
	r.pool.Stop()
}

func (r *Runner) execute(ctx context.Context, run *Run) error {
	logger := lg.FromContext(ctx)

	var o outcome
	switch t := run.target.(type) {
	case *registry.RemoteTarget:
		o = r.executeRemote(ctx, run, t)
	default:
		o = r.executeLocal(ctx, run)
	}

	// The target is released and the terminal phase entered under one lock,
	// so no observer sees a finished run still holding its target.
	r.mu.Lock()
	delete(r.busy, run.target.Key())
	run.finish(o)
	r.mu.Unlock()

	logger.Info("run finished", lg.String("phase", o.phase.String()))
	if r.cfg.OnFinish != nil {
		r.cfg.OnFinish(run)
	}
	if o.err != nil {
		return o.err
	}
	return nil
}

func (r *Runner) executeRemote(ctx context.Context, run *Run, t *registry.RemoteTarget) outcome {
	logger := lg.FromContext(ctx)
	if run.cancelled() {
		return outcome{phase: Cancelled, exitCode: -1}
	}

	run.setPhase(Connecting)
	run.systemf("connecting to %s", t.Addr())
	sess := r.cfg.NewSession()
	run.setSession(sess)
	if err := sess.Connect(ctx, t.Hostname, t.Port, t.Username, t.Password); err != nil {
		if run.cancelled() {
			return outcome{phase: Cancelled, exitCode: -1}
		}
		logger.Error("connect failed", lg.Err(err))
		return outcome{phase: Failed, exitCode: -1, err: &RunError{Kind: ConnectionFailed, ExitCode: -1, Err: err}}
	}
	defer func() {
		if err := sess.Disconnect(); err != nil {
			logger.Warn("disconnect failed", lg.Err(err))
		}
	}()

	run.setPhase(RunningStartup)
	for i, command := range t.StartupCommands {
		if run.cancelled() {
			break
		}
		res := r.runRemote(ctx, run, sess, fmt.Sprintf("startup[%d]", i), command)
		if res.cancelled {
			r.shutdown(ctx, run, sess, t)
			return outcome{phase: Cancelled, exitCode: -1}
		}
		if res.err != nil || res.code != 0 {
			return outcome{phase: Failed, exitCode: -1, err: &RunError{Kind: StartupFailed, Index: i, ExitCode: res.code, Err: res.err}}
		}
	}
	if run.cancelled() {
		r.shutdown(ctx, run, sess, t)
		return outcome{phase: Cancelled, exitCode: -1}
	}

	run.setPhase(RunningMain)
	res := r.runRemote(ctx, run, sess, "main", BuildCommand(run.procedure, t))
	r.shutdown(ctx, run, sess, t)

	switch {
	case res.cancelled || run.cancelled():
		return outcome{phase: Cancelled, exitCode: -1}
	case res.err != nil || res.code != 0:
		return outcome{phase: Failed, exitCode: -1, err: &RunError{Kind: MainFailed, ExitCode: res.code, Err: res.err}}
	default:
		return outcome{phase: Completed, exitCode: res.code}
	}
}

// shutdown runs every shutdown command in order regardless of failures or
// cancellation of the run.
func (r *Runner) shutdown(ctx context.Context, run *Run, sess Session, t *registry.RemoteTarget) {
	logger := lg.FromContext(ctx)
	run.setPhase(RunningShutdown)
	base := context.WithoutCancel(ctx)
	for i, command := range t.ShutdownCommands {
		cmdCtx, cancel := context.WithTimeout(base, r.cfg.ShutdownTimeout)
		step := fmt.Sprintf("shutdown[%d]", i)
		res := r.runRemote(cmdCtx, run, sess, step, command)
		cancel()
		switch {
		case res.cancelled:
			run.systemf("%s timed out after %s", step, r.cfg.ShutdownTimeout)
			logger.Warn("shutdown command timed out", lg.Int("index", i))
		case res.err != nil:
			run.systemf("%s failed: %v", step, res.err)
			logger.Warn("shutdown command failed", lg.Int("index", i), lg.Err(res.err))
		case res.code != 0:
			run.systemf("%s exited with code %d", step, res.code)
		}
	}
}

type stepResult struct {
	code      int
	err       error
	cancelled bool
}

// runRemote executes one command and streams its output into the run log,
// observing it every PollInterval until it exits or ctx is done.
func (r *Runner) runRemote(ctx context.Context, run *Run, sess Session, step, command string) stepResult {
	run.systemf("%s: %s", step, command)
	ch, err := sess.OpenChannel(command)
	if err != nil {
		return stepResult{code: -1, err: err}
	}
	defer ch.Close()

	out := newOutputWriter(run)
	defer out.flush()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		// Exit is only reported once all output is buffered, so reading after
		// Poll collects everything.
		status, pollErr := ch.Poll()
		stdout, stderr, readErr := ch.ReadAvailable()
		out.write(stdout, stderr)
		if pollErr != nil {
			return stepResult{code: -1, err: pollErr}
		}
		if readErr != nil {
			return stepResult{code: -1, err: readErr}
		}
		if status.Exited {
			return stepResult{code: status.Code}
		}

		select {
		case <-ctx.Done():
			return stepResult{code: -1, cancelled: true}
		case <-ticker.C:
		}
	}
}

func (r *Runner) executeLocal(ctx context.Context, run *Run) outcome {
	logger := lg.FromContext(ctx)
	if run.cancelled() {
		return outcome{phase: Cancelled, exitCode: -1}
	}

	run.setPhase(RunningMain)
	argv := BuildArgs(run.procedure, run.target)
	run.systemf("main: %v", argv)
	proc, err := r.cfg.Spawn(argv)
	if err != nil {
		logger.Error("spawn failed", lg.Err(err))
		return outcome{phase: Failed, exitCode: -1, err: &RunError{Kind: SpawnFailed, ExitCode: -1, Err: err}}
	}

	out := newOutputWriter(run)
	defer out.flush()
	for {
		// Checked before draining: a process that never stops writing would
		// otherwise keep DrainOutput returning data forever.
		if run.cancelled() {
			proc.Kill()
			return outcome{phase: Cancelled, exitCode: -1}
		}
		done := proc.IsDone()
		waitCtx, cancel := context.WithTimeout(ctx, r.cfg.PollInterval)
		stdout, stderr, _ := proc.DrainOutput(waitCtx)
		cancel()
		out.write(stdout, stderr)
		if done {
			break
		}
	}

	if err := proc.Err(); err != nil {
		return outcome{phase: Failed, exitCode: -1, err: &RunError{Kind: MainFailed, ExitCode: -1, Err: err}}
	}
	code := proc.ExitCode()
	if code != 0 {
		return outcome{phase: Failed, exitCode: -1, err: &RunError{Kind: MainFailed, ExitCode: code}}
	}
	return outcome{phase: Completed, exitCode: 0}
}
