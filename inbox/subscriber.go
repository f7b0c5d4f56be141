package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/corpusworks/corpus/clients/pulse"
)

type (
	// SubscriberOptions configures a live subscriber.
	SubscriberOptions struct {
		// Client consumes the per-principal streams. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. WebSocket handlers pass a
		// per-connection name so each connection sees every signal. Defaults
		// to "corpus_inbox".
		SinkName string
		// Buffer is the signal channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber consumes a principal's Pulse stream and emits Signals.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber builds a subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "corpus_inbox"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Subscriber{client: opts.Client, name: name, buffer: buffer}, nil
}

// Subscribe opens a sink on the principal's stream and returns channels for
// signals and errors. The returned cancel function stops consumption, closes
// the sink, and closes both channels.
func (s *Subscriber) Subscribe(ctx context.Context, principal string, opts ...streamopts.Sink) (<-chan Signal, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamName(principal))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	signals := make(chan Signal, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go consume(runCtx, principal, sink, signals, errs)
	stop := func() {
		cancel()
		sink.Close(context.Background())
	}
	return signals, errs, stop, nil
}

// consume reads envelopes from the sink, decodes them, emits them, and acks
// after emission so unprocessed signals stay pending in the consumer group.
func consume(ctx context.Context, principal string, sink clientspulse.Sink, out chan<- Signal, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			sig, err := decodeEnvelope(principal, evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("decode inbox envelope: %w", err)
				return
			}
			select {
			case out <- sig:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("ack inbox signal: %w", err)
				return
			}
		}
	}
}

func decodeEnvelope(principal string, payload []byte) (Signal, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Signal{}, err
	}
	return Signal{
		Principal:  principal,
		WorkflowID: env.WorkflowID,
		Kind:       env.Type,
		Payload:    env.Data,
		Sequence:   env.Sequence,
		CreatedAt:  env.Timestamp,
	}, nil
}
