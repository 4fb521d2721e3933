// Package queue accepts run requests from Kafka and publishes run output back
// to it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/hexactl/internal/lg"
	"github.com/andrej220/hexactl/internal/runner"
	datamodels "github.com/andrej220/hexactl/pkg/shared-models"
)

var ErrBadMessage = errors.New("bad message")

type Config struct {
	Brokers       []string `mapstructure:"brokers"`
	GroupID       string   `mapstructure:"group_id"`
	RequestsTopic string   `mapstructure:"requests_topic"`
	EventsTopic   string   `mapstructure:"events_topic"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.RequestsTopic,
	})
	return &Consumer[T]{reader: r}
}

// Read returns the next payload. A message that does not decode is committed
// and reported as ErrBadMessage so it is not redelivered.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}

	var payload T
	decodeErr := json.Unmarshal(msg.Value, &payload)

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, err
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("%w: offset %d: %v", ErrBadMessage, msg.Offset, decodeErr)
	}
	return payload, nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}

// Publisher forwards run log records as datamodels.RunEvent messages keyed
// by run id, so the events of one run stay in order on one partition.
type Publisher struct {
	writer messageWriter
	logger lg.Logger
}

func NewPublisher(cfg Config, logger lg.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.EventsTopic,
		Balancer: &kafka.Hash{},
	}
	return &Publisher{writer: w, logger: lg.OrDiscard(logger)}
}

func (p *Publisher) publish(ctx context.Context, ev datamodels.RunEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RunID.String()), Value: value})
}

// Follow publishes every record of run until it finishes or ctx is done. The
// last event carries the terminal phase.
func (p *Publisher) Follow(ctx context.Context, run *runner.Run) {
	event := func(rec runner.Record) datamodels.RunEvent {
		return datamodels.RunEvent{
			RunID:     run.ID,
			Procedure: run.Procedure().Name,
			Target:    run.TargetKey(),
			Stream:    string(rec.Stream),
			Text:      rec.Text,
			Time:      rec.Time,
		}
	}
	logger := p.logger.With(lg.String("run", run.ID.String()))

	var pending *datamodels.RunEvent
	for rec := range run.Watch(ctx) {
		if pending != nil {
			if err := p.publish(ctx, *pending); err != nil {
				logger.Error("failed to publish run event", lg.Err(err))
			}
		}
		ev := event(rec)
		pending = &ev
	}
	if pending == nil {
		return
	}
	if phase := run.Phase(); phase.Terminal() {
		pending.Phase = phase.String()
	}
	if err := p.publish(ctx, *pending); err != nil {
		logger.Error("failed to publish run event", lg.Err(err))
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// StartFunc starts the run described by a request.
type StartFunc func(datamodels.RunRequest) (*runner.Run, error)

// Serve reads run requests until ctx is done. Each started run is followed by
// pub when it is not nil. Rejected requests are logged and skipped.
func Serve(ctx context.Context, c *Consumer[datamodels.RunRequest], start StartFunc, pub *Publisher, logger lg.Logger) error {
	logger = lg.OrDiscard(logger)
	for {
		req, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrBadMessage) {
				logger.Warn("skipping run request", lg.Err(err))
				continue
			}
			return err
		}

		run, err := start(req)
		if err != nil {
			logger.Warn("run request rejected", lg.String("procedure", req.Procedure), lg.String("target", req.Target), lg.Err(err))
			continue
		}
		logger.Info("run request accepted", lg.String("run", run.ID.String()))
		if pub != nil {
			go pub.Follow(context.WithoutCancel(ctx), run)
		}
	}
}
