package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "github.com/corpusworks/corpus/clients/pulse"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/store/memory"
)

type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	fail    bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: map[string]*fakeStream{}}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if c.fail {
		return nil, errors.New("redis down")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[name]; ok {
		return s, nil
	}
	s := &fakeStream{ch: make(chan *streaming.Event, 16)}
	c.streams[name] = s
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type added struct {
	event   string
	payload []byte
}

type fakeStream struct {
	mu    sync.Mutex
	adds  []added
	ch    chan *streaming.Event
	sinks []*fakeSink
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds = append(s.adds, added{event: event, payload: payload})
	select {
	case s.ch <- &streaming.Event{ID: "1-0", EventName: event, Payload: payload}:
	default:
	}
	return "1-0", nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	sink := &fakeSink{ch: s.ch}
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
	return sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) addedEvents() []added {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]added(nil), s.adds...)
}

type fakeSink struct {
	mu    sync.Mutex
	ch    chan *streaming.Event
	acked []string
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(_ context.Context, evt *streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, evt.ID)
	return nil
}

func (s *fakeSink) Close(context.Context) {}

func (s *fakeSink) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

func TestPublishPersistsAndPushes(t *testing.T) {
	client := newFakeClient()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc, err := New(Options{
		Store: memory.NewInboxStore(),
		Pulse: client,
		Clock: func() time.Time { return now },
	})
	require.NoError(t, err)
	ctx := context.Background()

	seq, err := svc.Publish(ctx, Signal{
		Principal:  "user-1",
		WorkflowID: "q-1",
		Kind:       KindProgress,
		Payload:    json.RawMessage(`{"step":"retrieval"}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)

	seq, err = svc.Publish(ctx, Signal{
		Principal: "user-1",
		Kind:      KindCompletion,
		Payload:   json.RawMessage(`{"answer_id":"a1"}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, seq)

	sigs, err := svc.List(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, sigs, 2)
	require.EqualValues(t, 2, sigs[0].Sequence) // newest first
	require.Equal(t, KindCompletion, sigs[0].Kind)

	str, err := client.Stream(StreamName("user-1"))
	require.NoError(t, err)
	adds := str.(*fakeStream).addedEvents()
	require.Len(t, adds, 2)
	require.Equal(t, KindProgress, adds[0].event)

	var env struct {
		Type       string          `json:"type"`
		WorkflowID string          `json:"workflow_id"`
		Sequence   int64           `json:"sequence"`
		Timestamp  time.Time       `json:"timestamp"`
		Data       json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(adds[0].payload, &env))
	require.Equal(t, KindProgress, env.Type)
	require.Equal(t, "q-1", env.WorkflowID)
	require.EqualValues(t, 1, env.Sequence)
	require.True(t, env.Timestamp.Equal(now))
	require.JSONEq(t, `{"step":"retrieval"}`, string(env.Data))
}

func TestPublishValidates(t *testing.T) {
	svc, err := New(Options{Store: memory.NewInboxStore()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Publish(ctx, Signal{Kind: KindProgress})
	require.Error(t, err)

	_, err = svc.Publish(ctx, Signal{Principal: "user-1", Kind: "gossip"})
	require.Error(t, err)
}

func TestPublishSurvivesPushFailure(t *testing.T) {
	client := newFakeClient()
	client.fail = true
	svc, err := New(Options{Store: memory.NewInboxStore(), Pulse: client})
	require.NoError(t, err)
	ctx := context.Background()

	seq, err := svc.Publish(ctx, Signal{Principal: "user-1", Kind: KindError, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.EqualValues(t, 1, seq)

	// The signal is recoverable through backlog replay.
	backlog, err := svc.Backlog(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
	require.EqualValues(t, 1, backlog[0].Sequence)
}

func TestMarkReadShrinksBacklog(t *testing.T) {
	svc, err := New(Options{Store: memory.NewInboxStore()})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Publish(ctx, Signal{Principal: "user-1", Kind: KindStatus})
		require.NoError(t, err)
	}

	n, err := svc.UnreadCount(ctx, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	require.NoError(t, svc.MarkRead(ctx, "user-1", 1))
	require.NoError(t, svc.MarkRead(ctx, "user-1", 1))
	require.ErrorIs(t, svc.MarkRead(ctx, "user-1", 42), store.ErrNotFound)

	backlog, err := svc.Backlog(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, backlog, 2)
	require.EqualValues(t, 2, backlog[0].Sequence)
	require.EqualValues(t, 3, backlog[1].Sequence)
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	client := newFakeClient()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc, err := New(Options{
		Store: memory.NewInboxStore(),
		Pulse: client,
		Clock: func() time.Time { return now },
	})
	require.NoError(t, err)
	sub, err := NewSubscriber(SubscriberOptions{Client: client, SinkName: "conn-1"})
	require.NoError(t, err)
	ctx := context.Background()

	signals, errs, stop, err := sub.Subscribe(ctx, "user-1")
	require.NoError(t, err)
	defer stop()

	_, err = svc.Publish(ctx, Signal{
		Principal:  "user-1",
		WorkflowID: "q-1",
		Kind:       KindProgress,
		Payload:    json.RawMessage(`{"step":"answering"}`),
	})
	require.NoError(t, err)

	select {
	case sig := <-signals:
		require.Equal(t, "user-1", sig.Principal)
		require.Equal(t, KindProgress, sig.Kind)
		require.EqualValues(t, 1, sig.Sequence)
		require.Equal(t, "q-1", sig.WorkflowID)
		require.JSONEq(t, `{"step":"answering"}`, string(sig.Payload))
		require.True(t, sig.CreatedAt.Equal(now))
	case err := <-errs:
		t.Fatalf("unexpected subscriber error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered")
	}

	str, err := client.Stream(StreamName("user-1"))
	require.NoError(t, err)
	fs := str.(*fakeStream)
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.sinks) == 1 && len(fs.sinks[0].ackedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	client := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: client})
	require.NoError(t, err)

	signals, errs, stop, err := sub.Subscribe(context.Background(), "user-1")
	require.NoError(t, err)
	stop()

	select {
	case _, ok := <-signals:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("signal channel not closed")
	}
	select {
	case _, ok := <-errs:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("error channel not closed")
	}
}
