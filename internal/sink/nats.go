package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/withObsrvr/obsrvr-har-harvester/internal/logging"
)

// NATSSink publishes records to a JetStream stream. Each message carries
// the event id as Nats-Msg-Id so redelivered runs are de-duplicated by the
// server within the stream's duplicate window.
type NATSSink struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	prefix  string
	pending []jetstream.PubAckFuture
	log     *slog.Logger
}

// NewNATSSink connects and makes sure the stream exists.
func NewNATSSink(ctx context.Context, cfg NATSConfig) (*NATSSink, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Stream == "" {
		cfg.Stream = "SYNTHETICS_HAR"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "synthetics.har"
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}

	conn, err := nats.Connect(cfg.URL, nats.Name("har-harvester"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.SubjectPrefix + ".>"},
		MaxAge:     cfg.MaxAge,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Stream, err)
	}

	return &NATSSink{
		conn:   conn,
		js:     js,
		prefix: cfg.SubjectPrefix,
		log:    logging.Component("nats"),
	}, nil
}

// Emit implements Sink. Publishing is asynchronous; Flush waits for acks.
func (s *NATSSink) Emit(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt.Record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", s.prefix, evt.Record.Kind())
	f, err := s.js.PublishAsync(subject, data, jetstream.WithMsgID(evt.ID()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.ID(), err)
	}
	s.pending = append(s.pending, f)
	return nil
}

// Flush implements Sink.
func (s *NATSSink) Flush(ctx context.Context) error {
	pending := s.pending
	s.pending = nil

	var errs []error
	duplicates := 0
	for _, f := range pending {
		select {
		case ack := <-f.Ok():
			if ack.Duplicate {
				duplicates++
			}
		case err := <-f.Err():
			errs = append(errs, err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if duplicates > 0 {
		logging.FromContext(ctx, s.log).Debug("server dropped duplicate messages", "count", duplicates)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d publishes failed: %w", len(errs), len(pending), errors.Join(errs...))
	}
	return nil
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	err := s.Flush(context.Background())
	s.conn.Close()
	return err
}
