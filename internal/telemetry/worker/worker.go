// Package worker moves telemetry events from Kafka to Loki and, optionally, the Postgres archive.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"captcha-gate/internal/telemetry/domain"
)

const pushTimeout = 10 * time.Second

// messageReader is the subset of *kafka.Reader the worker uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Sink receives the raw JSON value of each consumed event.
type Sink interface {
	Handle(ctx context.Context, raw []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, raw []byte) error

func (f SinkFunc) Handle(ctx context.Context, raw []byte) error { return f(ctx, raw) }

// EventSaver persists one event, e.g. the telemetry Postgres repository.
type EventSaver interface {
	Save(ctx context.Context, e *domain.Event) error
}

// ArchiveSink decodes each event and saves it. Values that are not events are skipped.
func ArchiveSink(saver EventSaver) Sink {
	return SinkFunc(func(ctx context.Context, raw []byte) error {
		var e domain.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Printf("worker: skip undecodable event: %v", err)
			return nil
		}
		if e.EventType == "" {
			return nil
		}
		if err := saver.Save(ctx, &e); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		return nil
	})
}

// NewReader returns a consumer-group reader for topic.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        1 * time.Second,
		CommitInterval: time.Second,
	})
}

// Worker hands every consumed message to each sink in order.
type Worker struct {
	reader messageReader
	sinks  []Sink
}

// New returns a Worker reading from reader. Nil sinks are dropped.
func New(reader messageReader, sinks ...Sink) *Worker {
	w := &Worker{reader: reader}
	for _, s := range sinks {
		if s != nil {
			w.sinks = append(w.sinks, s)
		}
	}
	return w
}

// Run consumes until ctx is done. Read and sink failures are logged and the loop continues;
// a message is never retried.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("worker: kafka read error: %v", err)
			continue
		}
		w.dispatch(ctx, msg.Value)
	}
}

func (w *Worker) dispatch(ctx context.Context, raw []byte) {
	for _, s := range w.sinks {
		pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
		if err := s.Handle(pushCtx, raw); err != nil {
			log.Printf("worker: sink failed: %v", err)
		}
		cancel()
	}
}
