package processor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/namikmesic/kimi-gateway/internal/jetstream"
	"github.com/namikmesic/kimi-gateway/internal/storage"
	"github.com/namikmesic/kimi-gateway/internal/stream"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type jobQueue struct {
	mu   sync.Mutex
	jobs []storage.WriteJob
}

func (q *jobQueue) Enqueue(job storage.WriteJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return true
}

func (q *jobQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func sampleRecord() TurnRecord {
	return TurnRecord{
		TurnID:         uuid.NewString(),
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
		ConversationID: "conv-1",
		Model:          "Kimi-K2",
		Stream:         true,
		Outcome:        "complete",
		StatusCode:     200,
		Deltas:         1,
		Events: EventsFrom([]stream.Event{
			stream.Opened("conv-1"),
			stream.Delta("hi"),
			stream.Complete(),
		}),
	}
}

func TestSummarize(t *testing.T) {
	var req openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"model": "Kimi-K2",
		"temperature": 0.5,
		"max_tokens": 256,
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "system", "content": [{"type": "text", "text": "and kind"}]},
			{"role": "user", "content": "hello"}
		]
	}`), &req))

	s := Summarize(&req)
	assert.Equal(t, 3, s.MessageCount)
	assert.Equal(t, "be brief\nand kind", s.SystemPrompt)
	assert.Equal(t, 5, s.PromptChars)
	require.NotNil(t, s.Temperature)
	assert.InDelta(t, 0.5, *s.Temperature, 1e-6)
	require.NotNil(t, s.MaxTokens)
	assert.Equal(t, 256, *s.MaxTokens)

	empty := Summarize(&openai.ChatCompletionRequest{})
	assert.Nil(t, empty.Temperature)
	assert.Nil(t, empty.MaxTokens)
	assert.Zero(t, empty.PromptChars)
}

func TestEventsFrom(t *testing.T) {
	recs := EventsFrom([]stream.Event{stream.Opened("c9"), stream.Delta("x"), stream.Failed()})
	assert.Equal(t, []EventRecord{{Kind: "opened", Text: "c9"}, {Kind: "delta", Text: "x"}, {Kind: "error"}}, recs)
}

func TestHandle(t *testing.T) {
	q := &jobQueue{}
	p := New(q)

	data, err := json.Marshal(sampleRecord())
	require.NoError(t, err)
	require.NoError(t, p.Handle(data))
	assert.Equal(t, 2, q.len())

	rec := sampleRecord()
	rec.Events = nil
	data, _ = json.Marshal(rec)
	require.NoError(t, p.Handle(data))
	assert.Equal(t, 3, q.len())

	assert.Error(t, p.Handle([]byte("{")))
	rec.TurnID = "not-a-uuid"
	data, _ = json.Marshal(rec)
	assert.Error(t, p.Handle(data))
	assert.Equal(t, 3, q.len())
}

func TestRecordRows(t *testing.T) {
	rec := sampleRecord()
	temp := float32(0.2)
	rec.Request = RequestSummary{MessageCount: 2, SystemPrompt: "sys", PromptChars: 4, Temperature: &temp}

	turn, events, err := rec.rows()
	require.NoError(t, err)
	assert.Equal(t, rec.TurnID, turn.ID.String())
	assert.Equal(t, "conv-1", turn.ConversationID)
	assert.True(t, turn.IsStream)
	assert.Equal(t, 2, turn.MessageCount)
	assert.Equal(t, "sys", turn.SystemPrompt)
	assert.Equal(t, &temp, turn.Temperature)
	assert.Equal(t, []storage.TurnEventRow{{Kind: "opened", Text: "conv-1"}, {Kind: "delta", Text: "hi"}, {Kind: "complete"}}, events)
}

func TestPublishAndConsume(t *testing.T) {
	srv, err := jetstream.NewServer(t.TempDir())
	require.NoError(t, err)
	defer srv.Shutdown()

	nc, err := srv.Connect()
	require.NoError(t, err)
	defer nc.Close()

	js, err := nc.JetStream()
	require.NoError(t, err)
	require.NoError(t, jetstream.EnsureStream(js))
	require.NoError(t, jetstream.EnsureStream(js))

	q := &jobQueue{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(q).StartConsumer(ctx, js) }()

	NewPublisher(js).Record(context.Background(), sampleRecord())

	assert.Eventually(t, func() bool { return q.len() == 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

// gatedQueue parks the first Enqueue until release is closed.
type gatedQueue struct {
	jobQueue
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (q *gatedQueue) Enqueue(job storage.WriteJob) bool {
	q.once.Do(func() {
		close(q.entered)
		<-q.release
	})
	return q.jobQueue.Enqueue(job)
}

func TestConsumerWaitsForInFlightRecords(t *testing.T) {
	srv, err := jetstream.NewServer(t.TempDir())
	require.NoError(t, err)
	defer srv.Shutdown()

	nc, err := srv.Connect()
	require.NoError(t, err)
	defer nc.Close()

	js, err := nc.JetStream()
	require.NoError(t, err)
	require.NoError(t, jetstream.EnsureStream(js))

	q := &gatedQueue{entered: make(chan struct{}), release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(q).StartConsumer(ctx, js) }()

	NewPublisher(js).Record(context.Background(), sampleRecord())
	select {
	case <-q.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("record was not delivered")
	}

	cancel()
	select {
	case <-done:
		t.Fatal("consumer returned while a record was still being handled")
	case <-time.After(100 * time.Millisecond):
	}

	close(q.release)
	require.NoError(t, <-done)
	assert.Equal(t, 2, q.len())
}
