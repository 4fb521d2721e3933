package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/runner"
	"github.com/andrej220/hexactl/pkg/registry"
	datamodels "github.com/andrej220/hexactl/pkg/shared-models"
)

type fakeReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) events(t *testing.T) []datamodels.RunEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]datamodels.RunEvent, 0, len(w.msgs))
	for _, m := range w.msgs {
		var ev datamodels.RunEvent
		require.NoError(t, json.Unmarshal(m.Value, &ev))
		assert.Equal(t, ev.RunID.String(), string(m.Key))
		out = append(out, ev)
	}
	return out
}

// doneProcess has already exited with its output buffered.
type doneProcess struct {
	mu  sync.Mutex
	out string
}

func (p *doneProcess) IsDone() bool { return true }
func (p *doneProcess) DrainOutput(context.Context) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.out
	p.out = ""
	return out, "", nil
}
func (p *doneProcess) ExitCode() int { return 0 }
func (p *doneProcess) Err() error    { return nil }
func (p *doneProcess) Kill()         {}

func newRunner(t *testing.T) *runner.Runner {
	r := runner.New(runner.Config{
		PollInterval: 5 * time.Millisecond,
		Logger:       lg.Discard,
		Spawn: func([]string) (runner.Process, error) {
			return &doneProcess{out: "line one\nline two\n"}, nil
		},
	})
	t.Cleanup(r.Close)
	return r
}

func TestConsumerRead(t *testing.T) {
	reader := &fakeReader{msgs: make(chan kafka.Message, 2)}
	reader.msgs <- kafka.Message{Offset: 1, Value: []byte("not json")}
	reader.msgs <- kafka.Message{Offset: 2, Value: []byte(`{"procedure":"scan","target":"local"}`)}
	c := &Consumer[datamodels.RunRequest]{reader: reader}

	_, err := c.Read(context.Background())
	assert.ErrorIs(t, err, ErrBadMessage)

	req, err := c.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, datamodels.RunRequest{Procedure: "scan", Target: "local"}, req)
	assert.Equal(t, []int64{1, 2}, reader.committed)
}

func TestPublisherFollow(t *testing.T) {
	r := newRunner(t)
	run, err := r.Start(registry.Procedure{Name: "scan", Executable: "scan.py"}, registry.LocalTarget{})
	require.NoError(t, err)

	writer := &fakeWriter{}
	pub := &Publisher{writer: writer, logger: lg.Discard}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pub.Follow(ctx, run)

	events := writer.events(t)
	require.Len(t, events, len(run.Log()))
	var stdout []string
	for _, ev := range events {
		assert.Equal(t, run.ID, ev.RunID)
		assert.Equal(t, "scan", ev.Procedure)
		assert.Equal(t, registry.LocalTargetKey, ev.Target)
		if ev.Stream == string(runner.Stdout) {
			stdout = append(stdout, ev.Text)
		}
	}
	assert.Equal(t, []string{"line one", "line two"}, stdout)
	last := events[len(events)-1]
	assert.Equal(t, "completed", last.Phase)
	assert.Empty(t, events[0].Phase)
}

func TestServe(t *testing.T) {
	r := newRunner(t)
	reg := &registry.Registry{Procedures: []registry.Procedure{{Name: "scan", Executable: "scan.py"}}}
	start := func(req datamodels.RunRequest) (*runner.Run, error) {
		proc, err := reg.Procedure(req.Procedure)
		if err != nil {
			return nil, err
		}
		target, err := reg.Target(req.Target)
		if err != nil {
			return nil, err
		}
		return r.Start(proc, target)
	}

	reader := &fakeReader{msgs: make(chan kafka.Message, 3)}
	reader.msgs <- kafka.Message{Offset: 1, Value: []byte(`{"procedure":"missing","target":"local"}`)}
	reader.msgs <- kafka.Message{Offset: 2, Value: []byte(`garbage`)}
	reader.msgs <- kafka.Message{Offset: 3, Value: []byte(`{"procedure":"scan","target":"local"}`)}
	writer := &fakeWriter{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, &Consumer[datamodels.RunRequest]{reader: reader}, start, &Publisher{writer: writer, logger: lg.Discard}, lg.Discard)
	}()

	require.Eventually(t, func() bool {
		events := writer.events(t)
		return len(events) > 0 && events[len(events)-1].Phase == "completed"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Len(t, r.Runs(), 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
