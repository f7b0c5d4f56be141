// Package inbox implements the signal-fanout service. Workflow progress,
// status, completion, and error signals addressed to a principal are
// persisted to that principal's ordered inbox and pushed onto a per-principal
// Pulse stream for live subscribers. Sequences are allocated by the store and
// increase strictly per principal, so subscribers deduplicate on
// (principal, sequence); reads are acknowledged explicitly, which keeps the
// unread backlog replayable across reconnects.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "github.com/corpusworks/corpus/clients/pulse"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/telemetry"
)

// Signal kinds the fan-out accepts.
const (
	KindProgress   = "progress"
	KindStatus     = "status"
	KindCompletion = "completion"
	KindError      = "error"
)

type (
	// Signal is one notification addressed to a principal.
	Signal struct {
		// Principal receives the signal. Required.
		Principal string `json:"principal"`
		// WorkflowID names the run that produced it.
		WorkflowID string `json:"workflow_id,omitempty"`
		// Kind is one of progress, status, completion, error.
		Kind string `json:"kind"`
		// Payload is the kind-specific body.
		Payload json.RawMessage `json:"payload,omitempty"`
		// Sequence is assigned by the store on publish.
		Sequence int64 `json:"sequence,omitempty"`
		// CreatedAt is stamped on publish.
		CreatedAt time.Time `json:"created_at,omitempty"`
		// ReadAt is set once the principal acknowledged the signal.
		ReadAt time.Time `json:"read_at,omitempty"`
	}

	// Options configures the service.
	Options struct {
		// Store persists inboxes. Required.
		Store store.InboxStore
		// Pulse publishes live pushes. Nil disables pushing; signals are then
		// only delivered through backlog replay.
		Pulse clientspulse.Client
		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock overrides time.Now in tests.
		Clock func() time.Time
	}

	// Service validates, persists, and fans out signals.
	Service struct {
		store   store.InboxStore
		pulse   clientspulse.Client
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// envelope is the wire form pushed onto per-principal Pulse streams.
	envelope struct {
		Type       string          `json:"type"`
		WorkflowID string          `json:"workflow_id,omitempty"`
		Sequence   int64           `json:"sequence"`
		Timestamp  time.Time       `json:"timestamp"`
		Data       json.RawMessage `json:"data,omitempty"`
	}
)

// StreamName returns the Pulse stream carrying a principal's live signals.
func StreamName(principal string) string {
	return "inbox/" + principal
}

// New builds the service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("inbox store is required")
	}
	s := &Service{
		store:   opts.Store,
		pulse:   opts.Pulse,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Clock,
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Publish persists the signal and pushes it to live subscribers. The persist
// is authoritative: a failed push is logged and recovered through backlog
// replay on the subscriber's next connect, which is what keeps delivery
// at-least-once.
func (s *Service) Publish(ctx context.Context, sig Signal) (int64, error) {
	if sig.Principal == "" {
		return 0, errors.New("principal is required")
	}
	switch sig.Kind {
	case KindProgress, KindStatus, KindCompletion, KindError:
	default:
		return 0, fmt.Errorf("unknown signal kind %q", sig.Kind)
	}
	now := s.now().UTC()
	seq, err := s.store.Append(ctx, store.InboxRecord{
		Principal:  sig.Principal,
		WorkflowID: sig.WorkflowID,
		Kind:       sig.Kind,
		Payload:    sig.Payload,
		CreatedAt:  now,
	})
	if err != nil {
		return 0, fmt.Errorf("persist inbox signal: %w", err)
	}
	s.metrics.IncCounter(telemetry.MetricInboxPublished, 1, "kind", sig.Kind)

	if s.pulse != nil {
		if err := s.push(ctx, sig, seq, now); err != nil {
			s.logger.Error(ctx, "inbox live push failed, signal awaits backlog replay",
				"principal", sig.Principal, "sequence", seq, "err", err)
		}
	}
	return seq, nil
}

func (s *Service) push(ctx context.Context, sig Signal, seq int64, now time.Time) error {
	str, err := s.pulse.Stream(StreamName(sig.Principal))
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:       sig.Kind,
		WorkflowID: sig.WorkflowID,
		Sequence:   seq,
		Timestamp:  now,
		Data:       sig.Payload,
	})
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, sig.Kind, payload)
	return err
}

// List returns the principal's signals, newest first.
func (s *Service) List(ctx context.Context, principal string, limit, offset int) ([]Signal, error) {
	recs, err := s.store.List(ctx, principal, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	return toSignals(recs), nil
}

// MarkRead acknowledges one signal. Re-acknowledging is a no-op; unknown
// sequences return store.ErrNotFound.
func (s *Service) MarkRead(ctx context.Context, principal string, sequence int64) error {
	return s.store.MarkRead(ctx, principal, sequence)
}

// UnreadCount reports the principal's unread backlog size.
func (s *Service) UnreadCount(ctx context.Context, principal string) (int64, error) {
	return s.store.UnreadCount(ctx, principal)
}

// Backlog returns unread signals in delivery order for replay on subscriber
// connect.
func (s *Service) Backlog(ctx context.Context, principal string, limit int) ([]Signal, error) {
	recs, err := s.store.Unread(ctx, principal, limit)
	if err != nil {
		return nil, fmt.Errorf("load inbox backlog: %w", err)
	}
	return toSignals(recs), nil
}

func toSignals(recs []store.InboxRecord) []Signal {
	out := make([]Signal, len(recs))
	for i, rec := range recs {
		out[i] = Signal{
			Principal:  rec.Principal,
			WorkflowID: rec.WorkflowID,
			Kind:       rec.Kind,
			Payload:    rec.Payload,
			Sequence:   rec.Sequence,
			CreatedAt:  rec.CreatedAt,
			ReadAt:     rec.ReadAt,
		}
	}
	return out
}
