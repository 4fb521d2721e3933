package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/hexactl/internal/remote"
	"github.com/andrej220/hexactl/pkg/registry"
)

type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	System Stream = "system"
)

// Record is one line of run output, or a message from the runner itself.
type Record struct {
	Stream Stream    `json:"stream"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
}

// Run is one execution of a procedure against a target. The procedure and
// target are snapshots taken when the run was started.
type Run struct {
	ID uuid.UUID

	procedure registry.Procedure
	target    registry.Target
	created   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	phase    Phase
	phases   []Phase
	log      []Record
	exitCode int
	err      *RunError
	session  Session
	finished time.Time
	changed  chan struct{}
	done     chan struct{}
}

func newRun(proc registry.Procedure, target registry.Target) *Run {
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		ID:        uuid.New(),
		procedure: proc.Clone(),
		target:    target.Clone(),
		created:   time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		phase:     Idle,
		phases:    []Phase{Idle},
		exitCode:  -1,
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (r *Run) Procedure() registry.Procedure { return r.procedure.Clone() }
func (r *Run) Target() registry.Target       { return r.target.Clone() }
func (r *Run) TargetKey() string             { return r.target.Key() }
func (r *Run) Created() time.Time            { return r.created }

func (r *Run) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Phases is the history of phases the run has entered, oldest first.
func (r *Run) Phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func (r *Run) Log() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.log...)
}

// ExitCode returns the main command's exit code. It is only set once the run
// has Completed.
func (r *Run) ExitCode() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode, r.phase == Completed
}

// Err returns the failure of a Failed run, nil otherwise.
func (r *Run) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		return nil
	}
	return r.err
}

// ConnectionState reports the state of the run's remote session.
func (r *Run) ConnectionState() remote.ConnectionState {
	r.mu.Lock()
	sess := r.session
	r.mu.Unlock()
	if sess == nil {
		return remote.Disconnected
	}
	return sess.State()
}

// Cancel asks the run to stop at the next poll boundary. Shutdown commands
// of a connected remote target still run. Cancelling a finished run is a
// no-op.
func (r *Run) Cancel() {
	r.cancel()
}

// Done is closed once the run reaches a terminal phase.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run reaches a terminal phase or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch replays the log and follows it until the run finishes or ctx is
// done. The channel is closed afterwards.
func (r *Run) Watch(ctx context.Context) <-chan Record {
	out := make(chan Record)
	go func() {
		defer close(out)
		next := 0
		for {
			r.mu.Lock()
			pending := append([]Record(nil), r.log[next:]...)
			changed := r.changed
			finished := r.phase.Terminal()
			r.mu.Unlock()

			for _, rec := range pending {
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
			next += len(pending)
			if finished {
				return
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Status is a point-in-time view of a run.
type Status struct {
	ID        uuid.UUID `json:"id"`
	Procedure string    `json:"procedure"`
	Target    string    `json:"target"`
	Phase     Phase     `json:"phase"`
	Phases    []Phase   `json:"phases"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Created   time.Time `json:"created"`
	Finished  time.Time `json:"finished,omitzero"`
	Log       []Record  `json:"log,omitempty"`
}

// Status snapshots the run. The log is included when withLog is set.
func (r *Run) Status(withLog bool) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		ID:        r.ID,
		Procedure: r.procedure.Name,
		Target:    r.target.Key(),
		Phase:     r.phase,
		Phases:    append([]Phase(nil), r.phases...),
		Created:   r.created,
		Finished:  r.finished,
	}
	if r.phase == Completed {
		code := r.exitCode
		st.ExitCode = &code
	}
	if r.err != nil {
		st.ErrorKind = r.err.Kind.String()
		st.Error = r.err.Error()
	}
	if withLog {
		st.Log = append([]Record(nil), r.log...)
	}
	return st
}

func (r *Run) cancelled() bool { return r.ctx.Err() != nil }

func (r *Run) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *Run) setPhase(p Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !canTransition(r.phase, p) {
		return false
	}
	r.phase = p
	r.phases = append(r.phases, p)
	r.notifyLocked()
	return true
}

func (r *Run) setSession(s Session) {
	r.mu.Lock()
	r.session = s
	r.mu.Unlock()
}

func (r *Run) appendRecord(stream Stream, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log = append(r.log, Record{Stream: stream, Text: text, Time: time.Now()})
	r.notifyLocked()
}

func (r *Run) systemf(format string, args ...any) {
	r.appendRecord(System, fmt.Sprintf(format, args...))
}

// outcome is how a run ended.
type outcome struct {
	phase    Phase
	exitCode int
	err      *RunError
}

func (o outcome) message() string {
	switch o.phase {
	case Completed:
		return fmt.Sprintf("run completed with exit code %d", o.exitCode)
	case Cancelled:
		return "run cancelled"
	default:
		return fmt.Sprintf("run failed: %v", o.err)
	}
}

// finish enters the terminal phase and appends the terminal record in one
// step, so a watcher never sees one without the other.
func (r *Run) finish(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase.Terminal() {
		return
	}
	r.log = append(r.log, Record{Stream: System, Text: o.message(), Time: time.Now()})
	r.phase = o.phase
	r.phases = append(r.phases, o.phase)
	r.exitCode = o.exitCode
	r.err = o.err
	r.finished = time.Now()
	r.notifyLocked()
	close(r.done)
	r.cancel()
}

// lineWriter splits output chunks into log records, one per line. A trailing
// partial line is held until the next chunk or flush.
type lineWriter struct {
	run     *Run
	stream  Stream
	partial string
}

func (w *lineWriter) write(chunk string) {
	if chunk == "" {
		return
	}
	lines := strings.Split(w.partial+chunk, "\n")
	w.partial = lines[len(lines)-1]
	for _, line := range lines[:len(lines)-1] {
		w.run.appendRecord(w.stream, strings.TrimSuffix(line, "\r"))
	}
}

func (w *lineWriter) flush() {
	if w.partial != "" {
		w.run.appendRecord(w.stream, strings.TrimSuffix(w.partial, "\r"))
		w.partial = ""
	}
}

type outputWriter struct {
	stdout, stderr lineWriter
}

func newOutputWriter(run *Run) *outputWriter {
	return &outputWriter{
		stdout: lineWriter{run: run, stream: Stdout},
		stderr: lineWriter{run: run, stream: Stderr},
	}
}

func (o *outputWriter) write(stdout, stderr string) {
	o.stdout.write(stdout)
	o.stderr.write(stderr)
}

func (o *outputWriter) flush() {
	o.stdout.flush()
	o.stderr.flush()
}
